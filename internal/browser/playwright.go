package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/playwright-community/playwright-go"
)

type playwrightDriver struct {
	opts Options

	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
}

// NewPlaywright starts the Playwright driver and launches Chromium.
func NewPlaywright(opts Options) (Driver, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("%w: playwright: %v", ErrUnavailable, err)
	}

	launch := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
	}
	if opts.BrowserBin != "" {
		launch.ExecutablePath = playwright.String(opts.BrowserBin)
	}
	browser, err := pw.Chromium.Launch(launch)
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("%w: launch chromium: %v", ErrUnavailable, err)
	}

	return &playwrightDriver{opts: opts, pw: pw, browser: browser}, nil
}

func (d *playwrightDriver) Name() string { return Playwright }

// NewSession creates a fresh browser context and a page inside it.
func (d *playwrightDriver) NewSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	browser := d.browser
	d.mu.Unlock()
	if browser == nil {
		return nil, ErrClosed
	}

	bctx, err := browser.NewContext()
	if err != nil {
		return nil, fmt.Errorf("could not create browser context: %w", err)
	}
	bctx.SetDefaultTimeout(millis(d.opts.ActionTimeout))
	bctx.SetDefaultNavigationTimeout(millis(d.opts.NavigationTimeout))

	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("could not create page: %w", err)
	}
	return &playwrightSession{opts: d.opts, bctx: bctx, page: page}, nil
}

func (d *playwrightDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	if d.browser != nil {
		firstErr = d.browser.Close()
		d.browser = nil
	}
	if d.pw != nil {
		if err := d.pw.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		d.pw = nil
	}
	return firstErr
}

type playwrightSession struct {
	opts Options
	bctx playwright.BrowserContext
	page playwright.Page
}

func (s *playwrightSession) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(millis(timeoutFor(ctx, s.opts.NavigationTimeout))),
	})
	return err
}

func (s *playwrightSession) Count(ctx context.Context, selector string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.page.Locator(selector).Count()
}

func (s *playwrightSession) Visible(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.page.Locator(selector).First().IsVisible()
}

func (s *playwrightSession) InputValue(ctx context.Context, selector string) (string, error) {
	if err := s.requireElement(ctx, selector); err != nil {
		return "", err
	}
	return s.page.Locator(selector).First().InputValue(playwright.LocatorInputValueOptions{
		Timeout: playwright.Float(millis(timeoutFor(ctx, s.opts.ActionTimeout))),
	})
}

func (s *playwrightSession) Fill(ctx context.Context, selector, text string) error {
	if err := s.requireElement(ctx, selector); err != nil {
		return err
	}
	return s.page.Locator(selector).First().Fill(text, playwright.LocatorFillOptions{
		Timeout: playwright.Float(millis(timeoutFor(ctx, s.opts.ActionTimeout))),
	})
}

func (s *playwrightSession) Click(ctx context.Context, selector string) error {
	if err := s.requireElement(ctx, selector); err != nil {
		return err
	}
	return s.page.Locator(selector).First().Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(millis(timeoutFor(ctx, s.opts.ActionTimeout))),
	})
}

func (s *playwrightSession) Title(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.page.Title()
}

func (s *playwrightSession) URL() string {
	return s.page.URL()
}

func (s *playwrightSession) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.page.Content()
}

func (s *playwrightSession) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
		Timeout:  playwright.Float(millis(timeoutFor(ctx, s.opts.ActionTimeout))),
	})
}

func (s *playwrightSession) Close() error {
	pageErr := s.page.Close()
	if err := s.bctx.Close(); err != nil {
		return err
	}
	return pageErr
}

func (s *playwrightSession) requireElement(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := s.page.Locator(selector).Count()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNoElement, selector)
	}
	return nil
}
