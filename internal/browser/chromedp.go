package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

type chromedpDriver struct {
	opts Options

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

// NewChromedp prepares an exec allocator. Each session allocated from it
// runs in its own browser process.
func NewChromedp(ctx context.Context, opts Options) (Driver, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if opts.BrowserBin != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.BrowserBin))
	}
	allocCtx, cancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	return &chromedpDriver{opts: opts, allocCtx: allocCtx, allocCancel: cancel}, nil
}

func (d *chromedpDriver) Name() string { return Chromedp }

func (d *chromedpDriver) NewSession(ctx context.Context) (Session, error) {
	d.mu.Lock()
	allocCtx := d.allocCtx
	d.mu.Unlock()
	if allocCtx == nil {
		return nil, ErrClosed
	}

	tabCtx, cancel := chromedp.NewContext(allocCtx)

	// The first Run allocates the browser and ties its lifetime to the
	// context it is given, so it must see tabCtx itself, not a child with
	// a deadline.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tabCtx) }()

	timer := time.NewTimer(timeoutFor(ctx, d.opts.NavigationTimeout))
	defer timer.Stop()
	select {
	case err := <-started:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("%w: start chromium: %v", ErrUnavailable, err)
		}
	case <-timer.C:
		cancel()
		return nil, fmt.Errorf("%w: start chromium: timed out", ErrUnavailable)
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
	return &chromedpSession{opts: d.opts, tabCtx: tabCtx, cancel: cancel}, nil
}

func (d *chromedpDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.allocCancel != nil {
		d.allocCancel()
		d.allocCancel = nil
		d.allocCtx = nil
	}
	return nil
}

type chromedpSession struct {
	opts   Options
	tabCtx context.Context
	cancel context.CancelFunc
}

// run executes actions on the tab, bounded by ctx and fallback.
func (s *chromedpSession) run(ctx context.Context, fallback time.Duration, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(s.tabCtx, timeoutFor(ctx, fallback))
	defer cancel()
	defer context.AfterFunc(ctx, cancel)()
	return chromedp.Run(runCtx, actions...)
}

func (s *chromedpSession) probe(ctx context.Context, fn string, args ...any) (probeResult, error) {
	expr, err := invokeJS(fn, args...)
	if err != nil {
		return probeResult{}, err
	}
	var out probeResult
	if err := s.run(ctx, s.opts.ActionTimeout, chromedp.Evaluate(expr, &out)); err != nil {
		return probeResult{}, err
	}
	return out, nil
}

func (s *chromedpSession) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, s.opts.NavigationTimeout, chromedp.Navigate(url))
}

func (s *chromedpSession) Count(ctx context.Context, selector string) (int, error) {
	res, err := s.probe(ctx, countJS, selector)
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (s *chromedpSession) Visible(ctx context.Context, selector string) (bool, error) {
	res, err := s.probe(ctx, visibleJS, selector)
	if err != nil {
		return false, err
	}
	return res.Visible, nil
}

func (s *chromedpSession) InputValue(ctx context.Context, selector string) (string, error) {
	res, err := s.probe(ctx, valueJS, selector)
	if err != nil {
		return "", err
	}
	if !res.Found {
		return "", fmt.Errorf("%w: %s", ErrNoElement, selector)
	}
	return res.Value, nil
}

func (s *chromedpSession) Fill(ctx context.Context, selector, text string) error {
	res, err := s.probe(ctx, fillJS, selector, text)
	if err != nil {
		return err
	}
	if !res.Found {
		return fmt.Errorf("%w: %s", ErrNoElement, selector)
	}
	return nil
}

func (s *chromedpSession) Click(ctx context.Context, selector string) error {
	n, err := s.Count(ctx, selector)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNoElement, selector)
	}
	return s.run(ctx, s.opts.ActionTimeout, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (s *chromedpSession) Title(ctx context.Context) (string, error) {
	var title string
	if err := s.run(ctx, s.opts.ActionTimeout, chromedp.Title(&title)); err != nil {
		return "", err
	}
	return title, nil
}

func (s *chromedpSession) URL() string {
	var loc string
	if err := s.run(context.Background(), 2*time.Second, chromedp.Location(&loc)); err != nil {
		return ""
	}
	return loc
}

func (s *chromedpSession) Content(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, s.opts.ActionTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

func (s *chromedpSession) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	// quality 100 selects PNG
	if err := s.run(ctx, s.opts.ActionTimeout, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *chromedpSession) Close() error {
	s.cancel()
	return nil
}
