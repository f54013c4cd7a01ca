package scenario

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/kuitang/selfchanger-e2e/internal/browser"
)

// pollUntil evaluates a against s every interval until it holds or timeout
// elapses. It always checks at least once and once more just before giving
// up. The returned observation is the last one taken; ok reports success.
// A non-nil error means the parent context was cancelled.
func pollUntil(ctx context.Context, s browser.Session, a Assertion, timeout, interval time.Duration) (Observation, bool, error) {
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(interval), 1)
	var last Observation
	check := func(c context.Context) bool {
		o, err := a.Check(c, s)
		if err != nil {
			// Probes fail transiently while a page is navigating. Record and retry.
			if o.Observed == "" {
				o.Observed = "error: " + err.Error()
			}
			o.OK = false
		}
		last = o
		return o.OK
	}

	for {
		if d := limiter.Reserve().Delay(); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-deadline.Done():
				t.Stop()
				if ctx.Err() != nil {
					return last, false, ctx.Err()
				}
				// One last look with a fresh probe budget.
				final, cancelFinal := context.WithTimeout(ctx, interval)
				ok := check(final)
				cancelFinal()
				return last, ok, nil
			}
		}
		if check(deadline) {
			return last, true, nil
		}
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
