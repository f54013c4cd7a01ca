// Package history keeps an encrypted SQLite (SQLCipher) record of past runs
// so flaky scenarios can be told apart from steady failures.
package history

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kuitang/selfchanger-e2e/internal/errs"
	"github.com/kuitang/selfchanger-e2e/internal/obs"
	"github.com/kuitang/selfchanger-e2e/internal/scenario"
)

// KeyVersion is the DeriveKey version used by Open.
const KeyVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	driver      TEXT NOT NULL,
	base_url    TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	passed      INTEGER NOT NULL,
	failed      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS results (
	run_id      TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	scenario    TEXT NOT NULL,
	status      TEXT NOT NULL,
	failed_step INTEGER NOT NULL DEFAULT -1,
	error_kind  TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	duration_ms REAL NOT NULL,
	dom_sha3    BLOB,
	PRIMARY KEY (run_id, scenario)
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_results_scenario ON results(scenario);
`

// Store is an open history database.
type Store struct {
	db *sql.DB
}

// Run summarizes one recorded run.
type Run struct {
	RunID      string    `json:"run_id"`
	Driver     string    `json:"driver"`
	BaseURL    string    `json:"base_url"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Passed     int       `json:"passed"`
	Failed     int       `json:"failed"`
}

// Flake describes a scenario whose recent outcomes disagree.
type Flake struct {
	Scenario string `json:"scenario"`
	Runs     int    `json:"runs"`
	Failures int    `json:"failures"`
	// DistinctSnapshots counts different failure-time DOMs seen.
	DistinctSnapshots int             `json:"distinct_snapshots"`
	LastStatus        scenario.Status `json:"last_status"`
}

// Open opens (creating if needed) the history database at path. A non-empty
// secret encrypts the file with a key derived by DeriveKey. path may be
// ":memory:" for tests.
//
// Returns an error when the file exists but cannot be decrypted with secret.
func Open(path string, secret []byte) (*Store, error) {
	if path == "" {
		return nil, errs.New(errs.InvalidArgument, "history database path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, errs.Wrap(errs.Unavailable, "create history directory", err)
		}
	}

	dsn := path
	if len(secret) > 0 {
		key := hex.EncodeToString(DeriveKey(secret, KeyVersion))
		dsn = fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", path, key)
	}
	dsn = appendParams(dsn, "_busy_timeout=5000&_foreign_keys=on")
	if path != ":memory:" {
		dsn = appendParams(dsn, "_journal_mode=WAL&_synchronous=NORMAL")
	}

	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "open history database", err)
	}
	// One writer; also keeps :memory: databases on a single connection.
	db.SetMaxOpenConns(1)

	// A wrong key only shows up on the first read.
	var n int
	if err := db.QueryRow("SELECT count(*) FROM sqlite_master").Scan(&n); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.FailedPrecondition, "read history database (wrong HISTORY_KEY?)", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.Internal, "initialize history schema", err)
	}
	obs.Pkg("history").Debug("history_opened", "path", path, "encrypted", len(secret) > 0)
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record stores a run and its per-scenario results in one transaction.
// Recording the same run twice replaces it.
func (s *Store) Record(ctx context.Context, r *scenario.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.Unavailable, "begin history transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, r.RunID); err != nil {
		return errs.Wrap(errs.Internal, "replace run", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, driver, base_url, started_at, finished_at, passed, failed) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Driver, r.BaseURL, r.StartedAt.UnixNano(), r.FinishedAt.UnixNano(), r.Passed, r.Failed,
	); err != nil {
		return errs.Wrap(errs.Internal, "insert run", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO results (run_id, scenario, status, failed_step, error_kind, error, duration_ms, dom_sha3)
		 VALUES (?, ?, ?, ?, ?, ?, ?, sha3(?, 256))`)
	if err != nil {
		return errs.Wrap(errs.Internal, "prepare result insert", err)
	}
	defer stmt.Close()

	for _, res := range r.Results {
		var dom any
		if res.Diagnostics != nil && res.Diagnostics.DOM != "" {
			dom = res.Diagnostics.DOM
		}
		if _, err := stmt.ExecContext(ctx, r.RunID, res.Name, string(res.Status), res.FailedStep,
			res.ErrorKind, res.Error, res.DurationMS, dom); err != nil {
			return errs.Wrap(errs.Internal, fmt.Sprintf("insert result %q", res.Name), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.Unavailable, "commit history", err)
	}
	obs.From(ctx).Info("history_recorded", "run_id", r.RunID, "results", len(r.Results))
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		return nil, errs.New(errs.InvalidArgument, "limit must be positive")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, driver, base_url, started_at, finished_at, passed, failed
		 FROM runs ORDER BY started_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "query runs", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r              Run
			started, ended int64
		)
		if err := rows.Scan(&r.RunID, &r.Driver, &r.BaseURL, &started, &ended, &r.Passed, &r.Failed); err != nil {
			return nil, errs.Wrap(errs.Internal, "scan run", err)
		}
		r.StartedAt = time.Unix(0, started).UTC()
		r.FinishedAt = time.Unix(0, ended).UTC()
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Internal, "iterate runs", err)
	}
	return runs, nil
}

// Flaky looks at each scenario's last window results and returns those that
// both passed and failed within it, ordered by scenario name.
func (s *Store) Flaky(ctx context.Context, window int) ([]Flake, error) {
	if window < 2 {
		return nil, errs.New(errs.InvalidArgument, "flaky window must be at least 2")
	}
	rows, err := s.db.QueryContext(ctx, `
		WITH ranked AS (
			SELECT res.scenario, res.status, res.dom_sha3,
			       ROW_NUMBER() OVER (PARTITION BY res.scenario ORDER BY r.started_at DESC, r.run_id DESC) AS rn
			FROM results res JOIN runs r ON r.run_id = res.run_id
		)
		SELECT scenario,
		       COUNT(*),
		       SUM(status = 'failed'),
		       COUNT(DISTINCT CASE WHEN status = 'failed' THEN dom_sha3 END),
		       MAX(CASE WHEN rn = 1 THEN status END)
		FROM ranked
		WHERE rn <= ?
		GROUP BY scenario
		HAVING SUM(status = 'failed') > 0 AND SUM(status = 'passed') > 0
		ORDER BY scenario`, window)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "query flaky scenarios", err)
	}
	defer rows.Close()

	var flakes []Flake
	for rows.Next() {
		var (
			f    Flake
			last string
		)
		if err := rows.Scan(&f.Scenario, &f.Runs, &f.Failures, &f.DistinctSnapshots, &last); err != nil {
			return nil, errs.Wrap(errs.Internal, "scan flaky scenario", err)
		}
		f.LastStatus = scenario.Status(last)
		flakes = append(flakes, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Internal, "iterate flaky scenarios", err)
	}
	return flakes, nil
}

func appendParams(dsn, params string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}
