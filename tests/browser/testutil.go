// Package browser runs the Self Changer suite in a real Chromium against the
// fixture server. The tests skip under -short and when no browser can start.
package browser

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kuitang/selfchanger-e2e/internal/browser"
	"github.com/kuitang/selfchanger-e2e/internal/fixture"
	"github.com/kuitang/selfchanger-e2e/internal/scenario"
)

const (
	// Never introduce a larger timeout value anywhere in tests/browser.
	browserMaxTimeout = 5 * time.Second

	fixtureReplyDelay = 200 * time.Millisecond
)

var (
	driversMu sync.Mutex
	drivers   = map[string]browser.Driver{}
)

// BrowserTestEnv is a running fixture plus a launched driver.
type BrowserTestEnv struct {
	BaseURL string
	Driver  browser.Driver
}

// SetupBrowserTestEnv starts a fixture server for the test and reuses one
// browser process per driver across tests.
func SetupBrowserTestEnv(t *testing.T, driverName string, cfg fixture.Config) *BrowserTestEnv {
	t.Helper()
	if testing.Short() {
		t.Skip("browser tests skipped in -short mode")
	}

	srv := fixture.NewServer(cfg)
	if _, err := srv.Start(); err != nil {
		t.Fatalf("start fixture: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), browserMaxTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return &BrowserTestEnv{BaseURL: srv.URL(), Driver: sharedDriver(t, driverName)}
}

func sharedDriver(t *testing.T, name string) browser.Driver {
	t.Helper()
	driversMu.Lock()
	defer driversMu.Unlock()
	if d, ok := drivers[name]; ok {
		return d
	}
	opts := browser.DefaultOptions()
	opts.NavigationTimeout = browserMaxTimeout
	opts.ActionTimeout = browserMaxTimeout
	d, err := browser.Open(context.Background(), name, opts)
	if err != nil {
		t.Skipf("%s browser unavailable: %v", name, err)
	}
	drivers[name] = d
	return d
}

// Runner returns a runner against the env's fixture.
func (e *BrowserTestEnv) Runner(workers int) *scenario.Runner {
	return scenario.NewRunner(e.Driver, scenario.Options{
		BaseURL:           e.BaseURL,
		Workers:           workers,
		StepTimeout:       browserMaxTimeout,
		NavigationTimeout: browserMaxTimeout,
		PollInterval:      50 * time.Millisecond,
		LaunchRate:        20,
	})
}

func defaultFixtureConfig() fixture.Config {
	cfg := fixture.DefaultConfig()
	cfg.ReplyDelay = fixtureReplyDelay
	return cfg
}
