package scenario

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kuitang/selfchanger-e2e/internal/browser"
	"github.com/kuitang/selfchanger-e2e/internal/errs"
	"github.com/kuitang/selfchanger-e2e/internal/obs"
)

// Options tune a Runner. Zero values take the defaults from DefaultOptions.
type Options struct {
	BaseURL           string
	Workers           int
	StepTimeout       time.Duration
	NavigationTimeout time.Duration
	PollInterval      time.Duration
	// LaunchRate caps new sessions per second across all workers.
	LaunchRate float64
	// Artifacts receives DOM snapshots and screenshots of failed scenarios.
	Artifacts   ArtifactSink
	Screenshots bool
}

// DefaultOptions returns the stock timings.
func DefaultOptions() Options {
	return Options{
		Workers:           1,
		StepTimeout:       5 * time.Second,
		NavigationTimeout: 30 * time.Second,
		PollInterval:      100 * time.Millisecond,
		LaunchRate:        4,
	}
}

// Runner executes scenarios against one browser driver.
type Runner struct {
	driver browser.Driver
	opts   Options
	launch *rate.Limiter
}

// NewRunner returns a Runner using driver. The driver stays owned by the caller.
func NewRunner(driver browser.Driver, opts Options) *Runner {
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = def.StepTimeout
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = def.NavigationTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.LaunchRate <= 0 {
		opts.LaunchRate = def.LaunchRate
	}
	return &Runner{
		driver: driver,
		opts:   opts,
		launch: rate.NewLimiter(rate.Limit(opts.LaunchRate), 1),
	}
}

// Run executes every scenario and returns one result per scenario in input
// order. Up to Workers scenarios run at once, each in its own session, and a
// failure in one never stops the others. Cancelling ctx fails the scenarios
// still running or waiting with KindCancelled.
func (r *Runner) Run(ctx context.Context, scenarios []Scenario) *Report {
	report := &Report{
		RunID:     uuid.NewString(),
		Driver:    r.driver.Name(),
		BaseURL:   r.opts.BaseURL,
		StartedAt: time.Now().UTC(),
		Results:   make([]Result, len(scenarios)),
	}
	ctx = obs.WithCorrelation(ctx, obs.Correlation{RunID: report.RunID, Driver: report.Driver})
	log := obs.From(ctx)
	log.Info("run starting", "scenarios", len(scenarios), "workers", r.opts.Workers, "base_url", r.opts.BaseURL)

	var g errgroup.Group
	g.SetLimit(r.opts.Workers)
	for i, sc := range scenarios {
		g.Go(func() error {
			report.Results[i] = r.runScenario(ctx, i, sc, report.RunID)
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = time.Now().UTC()
	report.tally()
	log.Info("run finished",
		"passed", report.Passed,
		"failed", report.Failed,
		"duration_ms", durationMS(report.FinishedAt.Sub(report.StartedAt)),
	)
	return report
}

func (r *Runner) runScenario(ctx context.Context, slot int, sc Scenario, runID string) (res Result) {
	ctx = obs.WithCorrelation(ctx, obs.Correlation{Scenario: sc.Name, Worker: strconv.Itoa(slot)})
	ctx, span := obs.StartSpan(ctx, "scenario.run", obs.AttrDriver.String(r.driver.Name()))
	log := obs.From(ctx)

	start := time.Now()
	res = Result{
		Name:        sc.Name,
		Description: sc.Description,
		Status:      StatusPassed,
		StartedAt:   start.UTC(),
		FailedStep:  -1,
		Steps:       make([]StepResult, 0, len(sc.Steps)),
	}

	var session browser.Session
	cur := -1 // step in progress
	defer func() {
		if p := recover(); p != nil {
			log.Error("scenario panicked", "step", cur, "panic", p, "stack", string(debug.Stack()))
			res.fail(KindPanic, fmt.Errorf("panic: %v", p))
			if cur >= 0 && len(res.Steps) == cur {
				res.FailedStep = cur
				res.Steps = append(res.Steps, StepResult{Index: cur, Description: sc.Steps[cur].Describe(), Status: StatusFailed})
				res.skipFrom(sc, cur+1)
				if session != nil {
					res.Diagnostics = r.captureAfterPanic(ctx, session, sc, runID)
				}
			}
		}
		if session != nil {
			if err := session.Close(); err != nil {
				log.Warn("session close failed", "error", err)
			}
			sessionClosed()
		}
		res.Duration = time.Since(start)
		res.DurationMS = durationMS(res.Duration)
		res.FinishedAt = time.Now().UTC()
		recordScenario(r.driver.Name(), res)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.ErrorKind)
			span.SetAttributes(obs.AttrErrorKind.String(res.ErrorKind))
		}
		span.End()
		log.Info("scenario finished", "status", res.Status, "duration_ms", res.DurationMS, "error_kind", res.ErrorKind)
	}()

	if err := r.launch.Wait(ctx); err != nil {
		res.fail(KindCancelled, fmt.Errorf("waiting to start: %w", ctxErr(ctx, err)))
		res.skipFrom(sc, 0)
		return res
	}
	s, err := r.driver.NewSession(ctx)
	if err != nil {
		kind := KindSession
		if ctx.Err() != nil {
			kind = KindCancelled
		}
		res.fail(kind, errs.Wrap(errs.Unavailable, "open browser session", err))
		res.skipFrom(sc, 0)
		return res
	}
	session = s
	sessionOpened()
	log.Debug("session opened")

	env := &stepEnv{
		session:           session,
		baseURL:           r.opts.BaseURL,
		stepTimeout:       r.opts.StepTimeout,
		navigationTimeout: r.opts.NavigationTimeout,
		pollInterval:      r.opts.PollInterval,
	}
	for i, step := range sc.Steps {
		cur = i
		sr, err := r.runStep(ctx, env, i, step)
		res.Steps = append(res.Steps, sr)
		if err == nil {
			continue
		}
		res.FailedStep = i
		res.fail(KindOf(err), err)
		var timeoutErr *AssertionTimeoutError
		if errors.As(err, &timeoutErr) {
			res.Diff = timeoutErr.Diff
		}
		log.Warn("step failed", "step", i, "description", step.Describe(), "error_kind", res.ErrorKind, "error", err)
		res.Diagnostics = r.capture(ctx, session, sc, runID)
		res.skipFrom(sc, i+1)
		break
	}
	return res
}

func (r *Runner) runStep(ctx context.Context, env *stepEnv, i int, step Step) (StepResult, error) {
	ctx, span := obs.StartSpan(ctx, "scenario.step",
		obs.AttrStep.String(step.Describe()),
		obs.AttrStepIndex.Int(i),
	)
	defer span.End()

	start := time.Now()
	note, err := step.run(ctx, env)
	sr := StepResult{
		Index:       i,
		Description: step.Describe(),
		Status:      StatusPassed,
		DurationMS:  durationMS(time.Since(start)),
		Note:        note,
	}
	if err != nil {
		sr.Status = StatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, KindOf(err))
	}
	obs.From(ctx).Debug("step finished", "step", i, "description", sr.Description, "status", sr.Status, "duration_ms", sr.DurationMS)
	return sr, err
}

// captureAfterPanic is capture for a session that just panicked; a second
// panic leaves the result without diagnostics.
func (r *Runner) captureAfterPanic(ctx context.Context, s browser.Session, sc Scenario, runID string) (d *Diagnostics) {
	defer func() {
		if p := recover(); p != nil {
			obs.From(ctx).Warn("diagnostics capture panicked", "panic", p)
			d = nil
		}
	}()
	return r.capture(ctx, s, sc, runID)
}

func (res *Result) fail(kind string, err error) {
	res.Status = StatusFailed
	res.ErrorKind = kind
	res.Err = err
	res.Error = err.Error()
}

// skipFrom marks the steps from index i onward as not run.
func (res *Result) skipFrom(sc Scenario, i int) {
	for ; i < len(sc.Steps); i++ {
		res.Steps = append(res.Steps, StepResult{Index: i, Description: sc.Steps[i].Describe(), Status: StatusSkipped})
	}
}

func ctxErr(ctx context.Context, fallback error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fallback
}
