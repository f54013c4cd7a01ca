// Package scenario runs browser scenarios: ordered steps of navigation,
// input and condition checks against a web UI, each scenario in its own
// isolated browser session.
//
// Conditions are always polled until they hold or their deadline passes.
// A step that fails ends its scenario with one of NavigationError,
// ElementNotFoundError or AssertionTimeoutError, and the runner attaches a
// snapshot of the page as it was at that moment. Nothing is retried.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kuitang/selfchanger-e2e/internal/browser"
	"github.com/kuitang/selfchanger-e2e/internal/errs"
	"github.com/kuitang/selfchanger-e2e/internal/urlutil"
)

// Scenario is a named, ordered list of steps run in a fresh session.
type Scenario struct {
	Name        string
	Description string
	Steps       []Step
}

// Step is one action or check inside a scenario.
type Step interface {
	Describe() string
	Selectors() []string
	run(ctx context.Context, env *stepEnv) (note string, err error)
}

// stepEnv is what a step sees while running.
type stepEnv struct {
	session           browser.Session
	baseURL           string
	stepTimeout       time.Duration
	navigationTimeout time.Duration
	pollInterval      time.Duration
}

// Navigate loads path (or an absolute URL) and waits for DOMContentLoaded.
func Navigate(path string) Step { return navigateStep{path: path} }

// Fill replaces the value of the first element matching selector.
func Fill(selector, text string) Step { return fillStep{selector: selector, text: text} }

// Click clicks the first element matching selector.
func Click(selector string) Step { return clickStep{selector: selector} }

// Wait pauses for a fixed duration. Prefer Expect or Settle; Wait exists
// for pacing against rate-limited backends.
func Wait(d time.Duration) Step { return waitStep{d: d} }

// Expect polls a until it holds. The optional timeout overrides the
// runner's step timeout.
func Expect(a Assertion, timeout ...time.Duration) Step {
	s := expectStep{assertion: a}
	if len(timeout) > 0 {
		s.timeout = timeout[0]
	}
	return s
}

// Settle polls a for at most max and then continues whether or not it held.
// It replaces fixed sleeps: it returns as soon as the page is quiet.
func Settle(a Assertion, max time.Duration) Step {
	return settleStep{assertion: a, max: max}
}

type navigateStep struct{ path string }

func (s navigateStep) Describe() string    { return "navigate " + s.path }
func (s navigateStep) Selectors() []string { return nil }

func (s navigateStep) run(ctx context.Context, env *stepEnv) (string, error) {
	target := urlutil.BuildAbsolute(env.baseURL, s.path)
	navCtx, cancel := context.WithTimeout(ctx, env.navigationTimeout)
	defer cancel()
	if err := env.session.Navigate(navCtx, target); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &NavigationError{URL: target, Timeout: env.navigationTimeout, Err: err}
	}
	return "", nil
}

type fillStep struct{ selector, text string }

func (s fillStep) Describe() string    { return fmt.Sprintf("fill %s with %q", s.selector, s.text) }
func (s fillStep) Selectors() []string { return []string{s.selector} }

func (s fillStep) run(ctx context.Context, env *stepEnv) (string, error) {
	if err := waitForElement(ctx, env, s.Describe(), s.selector); err != nil {
		return "", err
	}
	return "", act(ctx, env, s.Describe(), s.selector, func(c context.Context) error {
		return env.session.Fill(c, s.selector, s.text)
	})
}

type clickStep struct{ selector string }

func (s clickStep) Describe() string    { return "click " + s.selector }
func (s clickStep) Selectors() []string { return []string{s.selector} }

func (s clickStep) run(ctx context.Context, env *stepEnv) (string, error) {
	if err := waitForElement(ctx, env, s.Describe(), s.selector); err != nil {
		return "", err
	}
	return "", act(ctx, env, s.Describe(), s.selector, func(c context.Context) error {
		return env.session.Click(c, s.selector)
	})
}

type waitStep struct{ d time.Duration }

func (s waitStep) Describe() string    { return "wait " + s.d.String() }
func (s waitStep) Selectors() []string { return nil }

func (s waitStep) run(ctx context.Context, _ *stepEnv) (string, error) {
	return "", sleep(ctx, s.d)
}

type expectStep struct {
	assertion Assertion
	timeout   time.Duration
}

func (s expectStep) Describe() string    { return "expect " + s.assertion.Describe() }
func (s expectStep) Selectors() []string { return s.assertion.Selectors() }

func (s expectStep) run(ctx context.Context, env *stepEnv) (string, error) {
	timeout := s.timeout
	if timeout <= 0 {
		timeout = env.stepTimeout
	}
	last, ok, err := pollUntil(ctx, env.session, s.assertion, timeout, env.pollInterval)
	if err != nil {
		return "", err
	}
	if ok {
		return last.Observed, nil
	}
	return "", &AssertionTimeoutError{
		Condition: s.assertion.Describe(),
		Timeout:   timeout,
		Expected:  last.Expected,
		Observed:  last.Observed,
		Diff:      observationDiff(last.Expected, last.Observed),
	}
}

type settleStep struct {
	assertion Assertion
	max       time.Duration
}

func (s settleStep) Describe() string {
	return fmt.Sprintf("settle up to %s for %s", s.max, s.assertion.Describe())
}
func (s settleStep) Selectors() []string { return s.assertion.Selectors() }

func (s settleStep) run(ctx context.Context, env *stepEnv) (string, error) {
	last, ok, err := pollUntil(ctx, env.session, s.assertion, s.max, env.pollInterval)
	if err != nil {
		return "", err
	}
	if !ok {
		return "did not settle; last observed " + last.Observed, nil
	}
	return "settled", nil
}

// waitForElement polls until selector matches at least one element.
func waitForElement(ctx context.Context, env *stepEnv, step, selector string) error {
	_, ok, err := pollUntil(ctx, env.session, CountAtLeast(selector, 1), env.stepTimeout, env.pollInterval)
	if err != nil {
		return err
	}
	if !ok {
		return &ElementNotFoundError{Selector: selector, Step: step, Timeout: env.stepTimeout}
	}
	return nil
}

// act runs an element action, mapping a vanished element to ElementNotFoundError.
func act(ctx context.Context, env *stepEnv, step, selector string, fn func(context.Context) error) error {
	actCtx, cancel := context.WithTimeout(ctx, env.stepTimeout)
	defer cancel()
	err := fn(actCtx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, browser.ErrNoElement):
		return &ElementNotFoundError{Selector: selector, Step: step, Timeout: env.stepTimeout}
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return errs.Wrap(errs.Internal, step, err)
	}
}

// Validate reports scenarios that could never run: empty or duplicate
// names and empty step lists.
func Validate(scenarios []Scenario) error {
	var problems []string
	seen := make(map[string]bool, len(scenarios))
	for i, sc := range scenarios {
		name := strings.TrimSpace(sc.Name)
		switch {
		case name == "":
			problems = append(problems, fmt.Sprintf("scenario %d has no name", i))
		case seen[name]:
			problems = append(problems, fmt.Sprintf("duplicate scenario name %q", name))
		}
		seen[name] = true
		if len(sc.Steps) == 0 {
			problems = append(problems, fmt.Sprintf("scenario %q has no steps", sc.Name))
		}
	}
	if len(problems) > 0 {
		return errs.New(errs.InvalidArgument, strings.Join(problems, "; "))
	}
	return nil
}

// Filter keeps the scenarios whose name matches pattern. An empty pattern keeps all.
func Filter(scenarios []Scenario, pattern string) ([]Scenario, error) {
	if pattern == "" {
		return scenarios, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "invalid -run pattern", err)
	}
	var out []Scenario
	for _, sc := range scenarios {
		if re.MatchString(sc.Name) {
			out = append(out, sc)
		}
	}
	return out, nil
}

// Select returns the named scenarios in the order given. An empty list selects all.
func Select(scenarios []Scenario, names []string) ([]Scenario, error) {
	if len(names) == 0 {
		return scenarios, nil
	}
	byName := make(map[string]Scenario, len(scenarios))
	for _, sc := range scenarios {
		byName[sc.Name] = sc
	}
	out := make([]Scenario, 0, len(names))
	for _, name := range names {
		sc, ok := byName[name]
		if !ok {
			return nil, errs.New(errs.NotFound, "unknown scenario "+name)
		}
		out = append(out, sc)
	}
	return out, nil
}

// selectorsOf lists the distinct selectors a scenario touches, in first-use order.
func selectorsOf(sc Scenario) []string {
	var out []string
	seen := map[string]bool{}
	for _, st := range sc.Steps {
		for _, sel := range st.Selectors() {
			if !seen[sel] {
				seen[sel] = true
				out = append(out, sel)
			}
		}
	}
	return out
}
