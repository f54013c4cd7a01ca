// Package runs ties a scenario run to everything that follows it: reports on
// disk, run history, flaky detection and failure email. The CLI and the MCP
// server both run suites through a Service.
package runs

import (
	"context"
	"path/filepath"

	"github.com/kuitang/selfchanger-e2e/internal/browser"
	"github.com/kuitang/selfchanger-e2e/internal/errs"
	"github.com/kuitang/selfchanger-e2e/internal/history"
	"github.com/kuitang/selfchanger-e2e/internal/notify"
	"github.com/kuitang/selfchanger-e2e/internal/obs"
	"github.com/kuitang/selfchanger-e2e/internal/report"
	"github.com/kuitang/selfchanger-e2e/internal/scenario"
	"github.com/kuitang/selfchanger-e2e/internal/urlutil"
)

// Deps are a Service's collaborators. Driver, Scenarios and Options are
// required; the rest are optional.
type Deps struct {
	Driver    browser.Driver
	Scenarios []scenario.Scenario
	// Options are the runner defaults; BaseURL may be overridden per run.
	Options scenario.Options

	// ReportDir receives one <run id>/ directory per run.
	ReportDir   string
	History     *history.Store
	FlakyWindow int
	Notifier    *notify.Notifier
}

// Service runs scenarios and files their results.
type Service struct {
	deps Deps
}

// Outcome is a finished run and what was done with it.
type Outcome struct {
	Report      *scenario.Report `json:"report"`
	ReportFiles []string         `json:"report_files,omitempty"`
	Flakes      []history.Flake  `json:"flakes,omitempty"`
	Notified    bool             `json:"notified"`
}

// NewService validates deps and returns a Service.
func NewService(deps Deps) (*Service, error) {
	if deps.Driver == nil {
		return nil, errs.New(errs.InvalidArgument, "runs: driver is required")
	}
	if err := scenario.Validate(deps.Scenarios); err != nil {
		return nil, err
	}
	if deps.FlakyWindow < 2 {
		deps.FlakyWindow = 10
	}
	return &Service{deps: deps}, nil
}

// Scenarios returns the configured suite.
func (s *Service) Scenarios() []scenario.Scenario {
	return append([]scenario.Scenario(nil), s.deps.Scenarios...)
}

// Select picks scenarios by exact names, then narrows them by a name regexp.
// Both empty selects the whole suite.
func (s *Service) Select(names []string, pattern string) ([]scenario.Scenario, error) {
	picked, err := scenario.Select(s.deps.Scenarios, names)
	if err != nil {
		return nil, err
	}
	picked, err = scenario.Filter(picked, pattern)
	if err != nil {
		return nil, err
	}
	if len(picked) == 0 {
		return nil, errs.New(errs.NotFound, "no scenarios match the selection")
	}
	return picked, nil
}

// Run executes scenarios against baseURL (the configured target when empty)
// and files the result. Scenario failures are reported in the Outcome, not
// as an error; the error covers only a report that could not be written.
func (s *Service) Run(ctx context.Context, scenarios []scenario.Scenario, baseURL string) (*Outcome, error) {
	opts := s.deps.Options
	if baseURL = urlutil.NormalizeBase(baseURL); baseURL != "" {
		opts.BaseURL = baseURL
	}
	r := scenario.NewRunner(s.deps.Driver, opts).Run(ctx, scenarios)
	out := &Outcome{Report: r}
	ctx = obs.WithCorrelation(ctx, obs.Correlation{RunID: r.RunID, Driver: r.Driver})
	log := obs.From(ctx)

	// Filing continues after the caller gives up on the run.
	fileCtx := context.WithoutCancel(ctx)

	var reportErr error
	if s.deps.ReportDir != "" {
		out.ReportFiles, reportErr = report.WriteAll(filepath.Join(s.deps.ReportDir, r.RunID), r)
		if reportErr != nil {
			log.Error("report_write_failed", "error", reportErr)
		}
	}

	if h := s.deps.History; h != nil {
		if err := h.Record(fileCtx, r); err != nil {
			log.Warn("history_record_failed", "error", err)
		} else if flakes, err := h.Flaky(fileCtx, s.deps.FlakyWindow); err != nil {
			log.Warn("flaky_query_failed", "error", err)
		} else {
			out.Flakes = flakes
			for _, f := range flakes {
				log.Warn("flaky_scenario", "scenario", f.Scenario, "failures", f.Failures, "runs", f.Runs)
			}
		}
	}

	if n := s.deps.Notifier; n != nil {
		sent, err := n.NotifyFailure(fileCtx, r, out.Flakes)
		if err != nil {
			log.Warn("notify_failed", "error", err)
		}
		out.Notified = sent
	}
	return out, reportErr
}

// Recent returns recorded runs, newest first. It fails when no history is configured.
func (s *Service) Recent(ctx context.Context, limit int) ([]history.Run, []history.Flake, error) {
	if s.deps.History == nil {
		return nil, nil, errs.New(errs.FailedPrecondition, "run history is not enabled (set HISTORY_DB)")
	}
	runs, err := s.deps.History.Recent(ctx, limit)
	if err != nil {
		return nil, nil, err
	}
	flakes, err := s.deps.History.Flaky(ctx, s.deps.FlakyWindow)
	if err != nil {
		return nil, nil, err
	}
	return runs, flakes, nil
}
