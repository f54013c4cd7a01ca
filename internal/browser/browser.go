// Package browser is the runner's only view of the browser-automation engine.
//
// A Driver owns one browser process. Every Session it hands out is an isolated
// browser context (own cookies, storage and cache) holding a single page, so
// scenarios that run on parallel workers never observe each other's state.
//
// Session probes (Count, Visible, InputValue, Title) answer immediately from the
// current DOM; waiting and retrying is the caller's job. Actions (Fill, Click)
// may let the engine auto-wait, bounded by the context deadline.
package browser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrUnknownDriver is returned by Open for an unsupported driver name.
	ErrUnknownDriver = errors.New("browser: unknown driver")
	// ErrUnavailable means the engine or its browser binary could not be started.
	ErrUnavailable = errors.New("browser: driver unavailable")
	// ErrNoElement means a selector matched nothing at the moment of the call.
	ErrNoElement = errors.New("browser: no element matches selector")
	// ErrClosed is returned for calls on a closed session or driver.
	ErrClosed = errors.New("browser: closed")
)

// Driver launches isolated sessions against one browser process.
type Driver interface {
	Name() string
	NewSession(ctx context.Context) (Session, error)
	Close() error
}

// Session is one isolated browser context with a single page.
type Session interface {
	// Navigate loads url and returns once DOMContentLoaded fired.
	Navigate(ctx context.Context, url string) error
	Count(ctx context.Context, selector string) (int, error)
	// Visible reports whether the first match is rendered.
	Visible(ctx context.Context, selector string) (bool, error)
	InputValue(ctx context.Context, selector string) (string, error)
	Fill(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	Title(ctx context.Context) (string, error)
	URL() string
	Content(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Options configures a driver at launch.
type Options struct {
	Headless          bool
	BrowserBin        string
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
}

// DefaultOptions mirrors the runner's default timeouts.
func DefaultOptions() Options {
	return Options{
		Headless:          true,
		NavigationTimeout: 30 * time.Second,
		ActionTimeout:     5 * time.Second,
	}
}

// Driver names accepted by Open.
const (
	Playwright = "playwright"
	Rod        = "rod"
	Chromedp   = "chromedp"
)

// Open launches the named driver.
func Open(ctx context.Context, name string, opts Options) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case Playwright, "":
		return NewPlaywright(opts)
	case Rod:
		return NewRod(ctx, opts)
	case Chromedp:
		return NewChromedp(ctx, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
}

// timeoutFor returns the time left before ctx's deadline, capped by fallback.
func timeoutFor(ctx context.Context, fallback time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return fallback
	}
	left := time.Until(deadline)
	if left <= 0 {
		return time.Millisecond
	}
	if fallback > 0 && left > fallback {
		return fallback
	}
	return left
}

// millis converts d to the float milliseconds Playwright expects.
func millis(d time.Duration) float64 {
	return math.Max(1, float64(d.Milliseconds()))
}
