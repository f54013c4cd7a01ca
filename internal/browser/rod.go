package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

type rodDriver struct {
	opts     Options
	launcher *launcher.Launcher

	mu      sync.Mutex
	browser *rod.Browser
}

// NewRod launches Chromium through the rod launcher and connects over CDP.
func NewRod(ctx context.Context, opts Options) (Driver, error) {
	l := launcher.New().
		Context(context.WithoutCancel(ctx)).
		Headless(opts.Headless).
		Set("no-sandbox").
		Set("disable-gpu").
		Set("disable-dev-shm-usage")
	if opts.BrowserBin != "" {
		l = l.Bin(opts.BrowserBin)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("%w: launch chromium: %v", ErrUnavailable, err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("%w: connect to chromium: %v", ErrUnavailable, err)
	}

	return &rodDriver{opts: opts, launcher: l, browser: browser}, nil
}

func (d *rodDriver) Name() string { return Rod }

// NewSession opens an incognito browser context with one blank page.
func (d *rodDriver) NewSession(ctx context.Context) (Session, error) {
	d.mu.Lock()
	browser := d.browser
	d.mu.Unlock()
	if browser == nil {
		return nil, ErrClosed
	}

	incognito, err := browser.Context(ctx).Incognito()
	if err != nil {
		return nil, fmt.Errorf("could not create incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("could not create page: %w", err)
	}
	return &rodSession{opts: d.opts, incognito: incognito, page: page}, nil
}

func (d *rodDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser == nil {
		return nil
	}
	err := d.browser.Close()
	d.browser = nil
	d.launcher.Cleanup()
	return err
}

type rodSession struct {
	opts      Options
	incognito *rod.Browser
	page      *rod.Page
}

// bound returns the page limited by ctx and the per-call fallback.
func (s *rodSession) bound(ctx context.Context) (*rod.Page, context.CancelFunc) {
	callCtx, cancel := context.WithTimeout(ctx, timeoutFor(ctx, s.opts.ActionTimeout))
	return s.page.Context(callCtx), cancel
}

func (s *rodSession) probe(ctx context.Context, fn string, args ...any) (probeResult, error) {
	p, cancel := s.bound(ctx)
	defer cancel()
	res, err := p.Eval(fn, args...)
	if err != nil {
		return probeResult{}, err
	}
	var out probeResult
	if err := res.Value.Unmarshal(&out); err != nil {
		return probeResult{}, fmt.Errorf("decode probe result: %w", err)
	}
	return out, nil
}

func (s *rodSession) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, timeoutFor(ctx, s.opts.NavigationTimeout))
	defer cancel()
	p := s.page.Context(navCtx)

	wait := p.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := p.Navigate(url); err != nil {
		return err
	}
	wait()
	return navCtx.Err()
}

func (s *rodSession) Count(ctx context.Context, selector string) (int, error) {
	res, err := s.probe(ctx, countJS, selector)
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (s *rodSession) Visible(ctx context.Context, selector string) (bool, error) {
	res, err := s.probe(ctx, visibleJS, selector)
	if err != nil {
		return false, err
	}
	return res.Visible, nil
}

func (s *rodSession) InputValue(ctx context.Context, selector string) (string, error) {
	res, err := s.probe(ctx, valueJS, selector)
	if err != nil {
		return "", err
	}
	if !res.Found {
		return "", fmt.Errorf("%w: %s", ErrNoElement, selector)
	}
	return res.Value, nil
}

func (s *rodSession) Fill(ctx context.Context, selector, text string) error {
	res, err := s.probe(ctx, fillJS, selector, text)
	if err != nil {
		return err
	}
	if !res.Found {
		return fmt.Errorf("%w: %s", ErrNoElement, selector)
	}
	return nil
}

func (s *rodSession) Click(ctx context.Context, selector string) error {
	p, cancel := s.bound(ctx)
	defer cancel()
	has, el, err := p.Has(selector)
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("%w: %s", ErrNoElement, selector)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (s *rodSession) Title(ctx context.Context) (string, error) {
	p, cancel := s.bound(ctx)
	defer cancel()
	info, err := p.Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (s *rodSession) URL() string {
	info, err := s.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (s *rodSession) Content(ctx context.Context) (string, error) {
	p, cancel := s.bound(ctx)
	defer cancel()
	return p.HTML()
}

func (s *rodSession) Screenshot(ctx context.Context) ([]byte, error) {
	p, cancel := s.bound(ctx)
	defer cancel()
	return p.Screenshot(true, nil)
}

func (s *rodSession) Close() error {
	pageErr := s.page.Close()
	if err := s.incognito.Close(); err != nil {
		return err
	}
	return pageErr
}
