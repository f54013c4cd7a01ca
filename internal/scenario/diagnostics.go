package scenario

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/kuitang/selfchanger-e2e/internal/browser"
	"github.com/kuitang/selfchanger-e2e/internal/obs"
)

// ArtifactSink stores failure artifacts and returns where each one went.
type ArtifactSink interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

const captureTimeout = 5 * time.Second

// capture reads the session's current page. It runs on a context detached
// from cancellation so a scenario that failed on its deadline still gets a
// snapshot.
func (r *Runner) capture(ctx context.Context, s browser.Session, sc Scenario, runID string) *Diagnostics {
	log := obs.From(ctx)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), captureTimeout)
	defer cancel()

	d := &Diagnostics{URL: s.URL()}
	if title, err := s.Title(cctx); err == nil {
		d.Title = title
	}
	dom, err := s.Content(cctx)
	if err != nil {
		d.CaptureError = err.Error()
		log.Warn("failure snapshot unavailable", "error", err)
		return d
	}
	d.DOM = dom
	d.Selectors = countSelectors(dom, selectorsOf(sc))

	if r.opts.Artifacts == nil {
		return d
	}
	prefix := path.Join(runID, slug(sc.Name))
	if loc, err := r.opts.Artifacts.Put(cctx, prefix+"/dom.html", "text/html; charset=utf-8", []byte(dom)); err != nil {
		log.Warn("failed to store DOM snapshot", "error", err)
	} else {
		d.Artifacts = append(d.Artifacts, loc)
	}
	if !r.opts.Screenshots {
		return d
	}
	png, err := s.Screenshot(cctx)
	if err != nil {
		log.Warn("screenshot failed", "error", err)
		return d
	}
	if loc, err := r.opts.Artifacts.Put(cctx, prefix+"/screenshot.png", "image/png", png); err != nil {
		log.Warn("failed to store screenshot", "error", err)
	} else {
		d.Artifacts = append(d.Artifacts, loc)
	}
	return d
}

// countSelectors counts matches of each selector in a serialized document.
func countSelectors(dom string, selectors []string) map[string]int {
	if len(selectors) == 0 {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(dom))
	if err != nil {
		return nil
	}
	out := make(map[string]int, len(selectors))
	for _, sel := range selectors {
		out[sel] = doc.Find(sel).Length()
	}
	return out
}

// observationDiff renders a unified diff of expected and observed values
// when both are present and differ.
func observationDiff(expected, observed string) string {
	if expected == "" || observed == "" || expected == observed {
		return ""
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(splitAlternatives(expected)),
		B:        difflib.SplitLines(splitAlternatives(observed)),
		FromFile: "expected",
		ToFile:   "observed",
		Context:  1,
	})
	if err != nil {
		return ""
	}
	return diff
}

// splitAlternatives puts each branch of a race observation on its own line.
func splitAlternatives(s string) string {
	s = strings.ReplaceAll(s, " OR ", "\n")
	s = strings.ReplaceAll(s, " | ", "\n")
	return s + "\n"
}

func slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return fmt.Sprintf("scenario-%x", len(name))
	}
	return out
}
