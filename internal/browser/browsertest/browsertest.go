// Package browsertest provides an in-memory browser.Driver for unit tests.
//
// Pages are static HTML parsed with goquery. Clicks run Go handlers that
// mutate the document, optionally after a delay, which is enough to model
// an app that appends messages or clears inputs asynchronously.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/kuitang/selfchanger-e2e/internal/browser"
)

// ErrConnectionRefused is returned by Navigate for paths the site does not serve.
var ErrConnectionRefused = errors.New("net::ERR_CONNECTION_REFUSED")

// Handler reacts to a click on the selector it is registered under.
type Handler func(s *Session)

// Site describes what every session of a Driver serves.
type Site struct {
	// Pages maps a URL path to the HTML served for it.
	Pages map[string]string
	// Clicks maps a selector, exactly as the scenario spells it, to its handler.
	Clicks map[string]Handler
	// NavigateDelay is slept (respecting ctx) before each navigation completes.
	NavigateDelay time.Duration
}

// Driver hands out isolated sessions over a shared Site.
type Driver struct {
	site *Site

	mu         sync.Mutex
	open       int
	maxOpen    int
	created    int
	closed     bool
	SessionErr error // when set, NewSession fails with it
}

// NewDriver returns a Driver serving site.
func NewDriver(site *Site) *Driver {
	return &Driver{site: site}
}

func (d *Driver) Name() string { return "fake" }

func (d *Driver) NewSession(ctx context.Context) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, browser.ErrClosed
	}
	if d.SessionErr != nil {
		return nil, d.SessionErr
	}
	d.open++
	d.created++
	d.maxOpen = max(d.maxOpen, d.open)
	return &Session{driver: d, site: d.site}, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Stats reports sessions currently open, the peak concurrency and the total created.
func (d *Driver) Stats() (open, peak, created int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open, d.maxOpen, d.created
}

func (d *Driver) release() {
	d.mu.Lock()
	d.open--
	d.mu.Unlock()
}

// Session is one fake browser context with a single page.
type Session struct {
	driver *Driver
	site   *Site

	mu     sync.Mutex
	doc    *goquery.Document
	url    string
	timers []*time.Timer
	closed bool
}

func (s *Session) Navigate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	html, ok := s.site.Pages[path]
	if !ok {
		return fmt.Errorf("%w at %s", ErrConnectionRefused, rawURL)
	}
	if s.site.NavigateDelay > 0 {
		select {
		case <-time.After(s.site.NavigateDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return browser.ErrClosed
	}
	s.stopTimersLocked()
	s.doc = doc
	s.url = rawURL
	return nil
}

func (s *Session) Count(ctx context.Context, selector string) (int, error) {
	var n int
	err := s.read(ctx, func(doc *goquery.Document) error {
		n = doc.Find(selector).Length()
		return nil
	})
	return n, err
}

func (s *Session) Visible(ctx context.Context, selector string) (bool, error) {
	var visible bool
	err := s.read(ctx, func(doc *goquery.Document) error {
		visible = IsRendered(doc.Find(selector).First())
		return nil
	})
	return visible, err
}

func (s *Session) InputValue(ctx context.Context, selector string) (string, error) {
	var value string
	err := s.read(ctx, func(doc *goquery.Document) error {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			return fmt.Errorf("%w: %s", browser.ErrNoElement, selector)
		}
		value, _ = sel.Attr("value")
		return nil
	})
	return value, err
}

func (s *Session) Fill(ctx context.Context, selector, text string) error {
	return s.read(ctx, func(doc *goquery.Document) error {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			return fmt.Errorf("%w: %s", browser.ErrNoElement, selector)
		}
		sel.SetAttr("value", text)
		return nil
	})
}

func (s *Session) Click(ctx context.Context, selector string) error {
	err := s.read(ctx, func(doc *goquery.Document) error {
		if doc.Find(selector).Length() == 0 {
			return fmt.Errorf("%w: %s", browser.ErrNoElement, selector)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if h, ok := s.site.Clicks[selector]; ok {
		h(s)
	}
	return nil
}

func (s *Session) Title(ctx context.Context) (string, error) {
	var title string
	err := s.read(ctx, func(doc *goquery.Document) error {
		title = strings.TrimSpace(doc.Find("title").First().Text())
		return nil
	})
	return title, err
}

func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *Session) Content(ctx context.Context) (string, error) {
	var html string
	err := s.read(ctx, func(doc *goquery.Document) error {
		var err error
		html, err = doc.Html()
		return err
	})
	return html, err
}

// pngMagic is enough of a PNG for artifact plumbing tests.
var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]byte(nil), pngMagic...), nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopTimersLocked()
	s.mu.Unlock()
	s.driver.release()
	return nil
}

// Mutate runs fn against the live document immediately.
func (s *Session) Mutate(fn func(doc *goquery.Document)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc != nil && !s.closed {
		fn(s.doc)
	}
}

// Later runs fn against the document after d, unless the page navigates or closes first.
func (s *Session) Later(d time.Duration, fn func(doc *goquery.Document)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	doc := s.doc
	s.timers = append(s.timers, time.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.doc != doc || doc == nil {
			return
		}
		fn(doc)
	}))
}

func (s *Session) read(ctx context.Context, fn func(doc *goquery.Document) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return browser.ErrClosed
	}
	if s.doc == nil {
		return errors.New("browsertest: no page loaded")
	}
	return fn(s.doc)
}

func (s *Session) stopTimersLocked() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

// IsRendered approximates computed visibility for static markup: the node
// and all its ancestors must lack the hidden attribute, display:none and
// visibility:hidden.
func IsRendered(sel *goquery.Selection) bool {
	if sel.Length() == 0 {
		return false
	}
	for node := sel; node.Length() > 0; node = node.Parent() {
		if _, hidden := node.Attr("hidden"); hidden {
			return false
		}
		style, _ := node.Attr("style")
		style = strings.ReplaceAll(strings.ToLower(style), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return false
		}
	}
	return true
}
