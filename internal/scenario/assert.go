package scenario

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kuitang/selfchanger-e2e/internal/browser"
)

// Observation is one evaluation of an Assertion against the live page.
type Observation struct {
	OK       bool
	Expected string
	Observed string
}

// Assertion is a condition on current page state. Check must not wait;
// retrying until a deadline is the step's job.
type Assertion interface {
	Describe() string
	Check(ctx context.Context, s browser.Session) (Observation, error)
	Selectors() []string
}

// Visible holds when the first element matching selector is rendered.
func Visible(selector string) Assertion { return visibleAssertion{selector: selector} }

// HasValue holds when the first match's input value equals want exactly.
func HasValue(selector, want string) Assertion {
	return valueAssertion{selector: selector, want: want}
}

// HasCount holds when exactly n elements match selector.
func HasCount(selector string, n int) Assertion {
	return countAssertion{selector: selector, n: n, exact: true}
}

// CountAtLeast holds when n or more elements match selector.
func CountAtLeast(selector string, n int) Assertion {
	return countAssertion{selector: selector, n: n}
}

// TitleMatches holds when the document title matches pattern.
// It panics if pattern does not compile, like regexp.MustCompile.
func TitleMatches(pattern string) Assertion {
	return titleAssertion{re: regexp.MustCompile(pattern)}
}

// AnyOf holds as soon as any of its assertions holds. All members are
// evaluated on every poll, so they share one deadline.
func AnyOf(first, second Assertion, rest ...Assertion) Assertion {
	return anyAssertion{members: append([]Assertion{first, second}, rest...)}
}

type visibleAssertion struct{ selector string }

func (a visibleAssertion) Describe() string    { return a.selector + " to be visible" }
func (a visibleAssertion) Selectors() []string { return []string{a.selector} }

func (a visibleAssertion) Check(ctx context.Context, s browser.Session) (Observation, error) {
	obs := Observation{Expected: "visible"}
	n, err := s.Count(ctx, a.selector)
	if err != nil {
		return obs, err
	}
	if n == 0 {
		obs.Observed = "no element"
		return obs, nil
	}
	visible, err := s.Visible(ctx, a.selector)
	if err != nil {
		return obs, err
	}
	obs.OK = visible
	if visible {
		obs.Observed = "visible"
	} else {
		obs.Observed = "hidden (" + strconv.Itoa(n) + " attached)"
	}
	return obs, nil
}

type valueAssertion struct{ selector, want string }

func (a valueAssertion) Describe() string {
	return fmt.Sprintf("%s to have value %q", a.selector, a.want)
}
func (a valueAssertion) Selectors() []string { return []string{a.selector} }

func (a valueAssertion) Check(ctx context.Context, s browser.Session) (Observation, error) {
	obs := Observation{Expected: strconv.Quote(a.want)}
	got, err := s.InputValue(ctx, a.selector)
	if errors.Is(err, browser.ErrNoElement) {
		obs.Observed = "no element"
		return obs, nil
	}
	if err != nil {
		return obs, err
	}
	obs.Observed = strconv.Quote(got)
	obs.OK = got == a.want
	return obs, nil
}

type countAssertion struct {
	selector string
	n        int
	exact    bool
}

func (a countAssertion) Describe() string {
	if a.exact {
		return fmt.Sprintf("%s count to be %d", a.selector, a.n)
	}
	return fmt.Sprintf("%s count to be at least %d", a.selector, a.n)
}
func (a countAssertion) Selectors() []string { return []string{a.selector} }

func (a countAssertion) Check(ctx context.Context, s browser.Session) (Observation, error) {
	obs := Observation{Expected: "count=" + strconv.Itoa(a.n)}
	if !a.exact {
		obs.Expected = "count>=" + strconv.Itoa(a.n)
	}
	got, err := s.Count(ctx, a.selector)
	if err != nil {
		return obs, err
	}
	obs.Observed = "count=" + strconv.Itoa(got)
	if a.exact {
		obs.OK = got == a.n
	} else {
		obs.OK = got >= a.n
	}
	return obs, nil
}

type titleAssertion struct{ re *regexp.Regexp }

func (a titleAssertion) Describe() string    { return "title to match /" + a.re.String() + "/" }
func (a titleAssertion) Selectors() []string { return nil }

func (a titleAssertion) Check(ctx context.Context, s browser.Session) (Observation, error) {
	obs := Observation{Expected: "/" + a.re.String() + "/"}
	title, err := s.Title(ctx)
	if err != nil {
		return obs, err
	}
	obs.Observed = strconv.Quote(title)
	obs.OK = a.re.MatchString(title)
	return obs, nil
}

type anyAssertion struct{ members []Assertion }

func (a anyAssertion) Describe() string {
	parts := make([]string, len(a.members))
	for i, m := range a.members {
		parts[i] = m.Describe()
	}
	return "any of (" + strings.Join(parts, " OR ") + ")"
}

func (a anyAssertion) Selectors() []string {
	var out []string
	for _, m := range a.members {
		out = append(out, m.Selectors()...)
	}
	return out
}

// Check evaluates every member even after one holds so the observation
// always shows the full picture. A member's probe error only fails the
// whole check when no member holds.
func (a anyAssertion) Check(ctx context.Context, s browser.Session) (Observation, error) {
	var (
		obs      Observation
		expected = make([]string, len(a.members))
		observed = make([]string, len(a.members))
		firstErr error
	)
	for i, m := range a.members {
		o, err := m.Check(ctx, s)
		expected[i] = o.Expected
		switch {
		case err != nil:
			observed[i] = "error: " + err.Error()
			if firstErr == nil {
				firstErr = err
			}
		default:
			observed[i] = o.Observed
			obs.OK = obs.OK || o.OK
		}
	}
	obs.Expected = strings.Join(expected, " OR ")
	obs.Observed = strings.Join(observed, " | ")
	if obs.OK {
		return obs, nil
	}
	return obs, firstErr
}
