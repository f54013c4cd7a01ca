package history

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/selfchanger-e2e/internal/errs"
	"github.com/kuitang/selfchanger-e2e/internal/scenario"
)

var epoch = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

// makeReport builds run i where outcomes[name] decides each scenario's status.
func makeReport(i int, outcomes map[string]bool, dom string) *scenario.Report {
	r := &scenario.Report{
		RunID:      fmt.Sprintf("run-%03d", i),
		Driver:     "playwright",
		BaseURL:    "http://localhost:3000",
		StartedAt:  epoch.Add(time.Duration(i) * time.Minute),
		FinishedAt: epoch.Add(time.Duration(i)*time.Minute + 5*time.Second),
	}
	for _, name := range []string{"page loads", "send message"} {
		res := scenario.Result{Name: name, Status: scenario.StatusPassed, DurationMS: 100}
		if !outcomes[name] {
			res.Status = scenario.StatusFailed
			res.FailedStep = 2
			res.ErrorKind = scenario.KindAssertionTimeout
			res.Error = "timed out"
			res.Diagnostics = &scenario.Diagnostics{DOM: dom}
			r.Failed++
		} else {
			r.Passed++
		}
		r.Results = append(r.Results, res)
	}
	return r
}

func openMemory(t testing.TB) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openMemory(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Record(ctx, makeReport(i, map[string]bool{"page loads": true, "send message": i != 1}, "<p/>")))
	}
	// Re-recording replaces rather than duplicating.
	require.NoError(t, s.Record(ctx, makeReport(2, map[string]bool{"page loads": true, "send message": true}, "")))

	runs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-002", runs[0].RunID)
	assert.Equal(t, 2, runs[0].Passed)
	assert.Equal(t, "run-000", runs[2].RunID)
	assert.True(t, runs[1].StartedAt.Equal(epoch.Add(time.Minute)))

	_, err = s.Recent(ctx, 0)
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
}

func TestFlaky_MixedOutcomesOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openMemory(t)

	doms := []string{"<a/>", "<b/>", "<a/>"}
	for i := 0; i < 4; i++ {
		send := i == 3
		dom := ""
		if !send {
			dom = doms[i]
		}
		require.NoError(t, s.Record(ctx, makeReport(i, map[string]bool{"page loads": true, "send message": send}, dom)))
	}

	flakes, err := s.Flaky(ctx, 10)
	require.NoError(t, err)
	require.Len(t, flakes, 1)
	assert.Equal(t, Flake{
		Scenario:          "send message",
		Runs:              4,
		Failures:          3,
		DistinctSnapshots: 2,
		LastStatus:        scenario.StatusPassed,
	}, flakes[0])

	// A window covering only the latest run sees no disagreement.
	_, err = s.Flaky(ctx, 1)
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
	flakes, err = s.Flaky(ctx, 2)
	require.NoError(t, err)
	require.Len(t, flakes, 1)
	assert.Equal(t, 2, flakes[0].Runs)
}

func TestFlaky_MatchesOutcomeWindow(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		s, err := Open(":memory:", nil)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer s.Close()

		outcomes := rapid.SliceOfN(rapid.Bool(), 1, 12).Draw(t, "outcomes")
		window := rapid.IntRange(2, 8).Draw(t, "window")
		for i, ok := range outcomes {
			if err := s.Record(context.Background(), makeReport(i, map[string]bool{"page loads": true, "send message": ok}, "<p/>")); err != nil {
				t.Fatalf("Record: %v", err)
			}
		}

		recent := outcomes[max(0, len(outcomes)-window):]
		passed, failed := 0, 0
		for _, ok := range recent {
			if ok {
				passed++
			} else {
				failed++
			}
		}
		flakes, err := s.Flaky(context.Background(), window)
		if err != nil {
			t.Fatalf("Flaky: %v", err)
		}
		wantFlaky := passed > 0 && failed > 0
		if (len(flakes) == 1) != wantFlaky || len(flakes) > 1 {
			t.Fatalf("flaky mismatch: got=%v want flaky=%v recent=%v", flakes, wantFlaky, recent)
		}
		if wantFlaky && (flakes[0].Runs != len(recent) || flakes[0].Failures != failed) {
			t.Fatalf("flake counts mismatch: got=%+v want runs=%d failures=%d", flakes[0], len(recent), failed)
		}
	})
}

func TestOpen_EncryptedFileNeedsKey(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history", "runs.db")
	s, err := Open(path, []byte("correct horse battery staple"))
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), makeReport(0, map[string]bool{"page loads": true}, "<p/>")))
	require.NoError(t, s.Close())

	_, err = Open(path, []byte("wrong secret"))
	assert.Equal(t, errs.FailedPrecondition, errs.CodeOf(err))

	s, err = Open(path, []byte("correct horse battery staple"))
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.Recent(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestOpen_RejectsEmptyPath(t *testing.T) {
	t.Parallel()
	_, err := Open("", nil)
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
}

func TestDeriveKey_DeterministicAndVersioned(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		secret := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(t, "secret")
		v := rapid.IntRange(1, 100).Draw(t, "version")
		a, b := DeriveKey(secret, v), DeriveKey(secret, v)
		if len(a) != KeySize || !bytes.Equal(a, b) {
			t.Fatalf("key not deterministic: %x != %x", a, b)
		}
		if bytes.Equal(a, DeriveKey(secret, v+1)) {
			t.Fatalf("versions share a key: %x", a)
		}
	})
}

func TestSQLiteSHA3(t *testing.T) {
	t.Parallel()
	got, err := sqliteSHA3(nil, 256)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = sqliteSHA3("abc", 256)
	require.NoError(t, err)
	assert.Len(t, got, 32)

	_, err = sqliteSHA3("abc", 128)
	assert.Error(t, err)
	_, err = sqliteSHA3(42, 256)
	assert.Error(t, err)
}
