package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kuitang/selfchanger-e2e/internal/errs"
)

// Error kinds recorded on failed results.
const (
	KindNavigation       = "navigation"
	KindElementNotFound  = "element_not_found"
	KindAssertionTimeout = "assertion_timeout"
	KindSession          = "session"
	KindCancelled        = "cancelled"
	KindPanic            = "panic"
	KindStep             = "step"
)

// NavigationError means the target page did not respond or did not finish
// loading within the navigation timeout.
type NavigationError struct {
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate to %s (timeout %s): %v", e.URL, e.Timeout, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

func (e *NavigationError) Code() errs.Code { return errs.Unavailable }

// ElementNotFoundError means a step's locator matched nothing before the step timeout.
type ElementNotFoundError struct {
	Selector string
	Step     string
	Timeout  time.Duration
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("%s: no element matched %q within %s", e.Step, e.Selector, e.Timeout)
}

func (e *ElementNotFoundError) Code() errs.Code { return errs.NotFound }

// AssertionTimeoutError means a condition never held before its deadline.
// Observed is the last value seen; Diff is a unified diff of expected versus
// observed when the comparison is textual.
type AssertionTimeoutError struct {
	Condition string
	Timeout   time.Duration
	Expected  string
	Observed  string
	Diff      string
}

func (e *AssertionTimeoutError) Error() string {
	return fmt.Sprintf("expected %s within %s; last observed %s", e.Condition, e.Timeout, e.Observed)
}

func (e *AssertionTimeoutError) Code() errs.Code { return errs.DeadlineExceeded }

// KindOf classifies err into one of the Kind constants.
func KindOf(err error) string {
	var (
		navErr     *NavigationError
		missingErr *ElementNotFoundError
		timeoutErr *AssertionTimeoutError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &navErr):
		return KindNavigation
	case errors.As(err, &missingErr):
		return KindElementNotFound
	case errors.As(err, &timeoutErr):
		return KindAssertionTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errs.CodeOf(err) == errs.Unavailable:
		return KindSession
	default:
		return KindStep
	}
}
