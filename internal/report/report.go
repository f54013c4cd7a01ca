// Package report renders a run's result set as JSON, Markdown and HTML.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"

	"github.com/kuitang/selfchanger-e2e/internal/errs"
	"github.com/kuitang/selfchanger-e2e/internal/scenario"
)

// DOMExcerptChars bounds the DOM snapshot quoted in Markdown and HTML.
// The JSON report always carries the full snapshot.
const DOMExcerptChars = 4000

// Files written by WriteAll.
const (
	JSONFile     = "report.json"
	MarkdownFile = "report.md"
	HTMLFile     = "report.html"
)

// WriteJSON encodes the report, indented.
func WriteJSON(w io.Writer, r *scenario.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(r)
}

// RenderMarkdown summarizes the run: a table of every scenario, then one
// section per failure with its error, diff and page state.
func RenderMarkdown(r *scenario.Report) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Self Changer E2E run `%s`\n\n", r.RunID)
	fmt.Fprintf(&b, "- Target: %s\n", r.BaseURL)
	fmt.Fprintf(&b, "- Driver: %s\n", r.Driver)
	fmt.Fprintf(&b, "- Started: %s\n", r.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Duration: %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(&b, "- Result: **%d passed, %d failed**\n\n", r.Passed, r.Failed)

	b.WriteString("| Scenario | Status | Duration | Failed step |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, res := range r.Results {
		step := "-"
		if !res.Passed() && res.FailedStep >= 0 {
			step = fmt.Sprintf("%d", res.FailedStep)
		}
		fmt.Fprintf(&b, "| %s | %s | %.0fms | %s |\n", cell(res.Name), statusLabel(res.Status), res.DurationMS, step)
	}

	for _, res := range r.Failures() {
		fmt.Fprintf(&b, "\n## %s\n\n", res.Name)
		if res.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", res.Description)
		}
		if res.FailedStep >= 0 && res.FailedStep < len(res.Steps) {
			fmt.Fprintf(&b, "Failed at step %d: `%s`\n\n", res.FailedStep, res.Steps[res.FailedStep].Description)
		}
		fmt.Fprintf(&b, "**%s**: %s\n", res.ErrorKind, res.Error)
		if res.Diff != "" {
			diff := strings.TrimRight(res.Diff, "\n")
			fence := codeFence(diff)
			fmt.Fprintf(&b, "\n%sdiff\n%s\n%s\n", fence, diff, fence)
		}
		writeDiagnostics(&b, res.Diagnostics)
	}
	return b.Bytes()
}

func writeDiagnostics(b *bytes.Buffer, d *scenario.Diagnostics) {
	if d == nil {
		return
	}
	b.WriteString("\n")
	if d.URL != "" {
		fmt.Fprintf(b, "- URL: %s\n", d.URL)
	}
	if d.Title != "" {
		fmt.Fprintf(b, "- Title: %s\n", d.Title)
	}
	if d.CaptureError != "" {
		fmt.Fprintf(b, "- Capture error: %s\n", d.CaptureError)
	}
	for _, a := range d.Artifacts {
		fmt.Fprintf(b, "- Artifact: %s\n", a)
	}
	if len(d.Selectors) > 0 {
		b.WriteString("\n| Selector | Matches |\n|---|---|\n")
		sels := make([]string, 0, len(d.Selectors))
		for sel := range d.Selectors {
			sels = append(sels, sel)
		}
		sort.Strings(sels)
		for _, sel := range sels {
			fmt.Fprintf(b, "| `%s` | %d |\n", cell(sel), d.Selectors[sel])
		}
	}
	if d.DOM != "" {
		dom := excerpt(d.DOM, DOMExcerptChars)
		fence := codeFence(dom)
		fmt.Fprintf(b, "\n%shtml\n%s\n%s\n", fence, dom, fence)
	}
}

// RenderHTML renders the Markdown summary as a standalone, sanitized page.
func RenderHTML(r *scenario.Report) ([]byte, error) {
	body := renderMarkdown(RenderMarkdown(r))
	var out bytes.Buffer
	err := pageTemplate.Execute(&out, struct {
		RunID string
		OK    bool
		Body  template.HTML
	}{r.RunID, r.OK(), template.HTML(body)})
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "render html report", err)
	}
	return out.Bytes(), nil
}

// WriteAll writes the JSON, Markdown and HTML reports into dir and returns their paths.
func WriteAll(dir string, r *scenario.Report) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.Unavailable, "create report directory", err)
	}
	var js bytes.Buffer
	if err := WriteJSON(&js, r); err != nil {
		return nil, errs.Wrap(errs.Internal, "encode json report", err)
	}
	page, err := RenderHTML(r)
	if err != nil {
		return nil, err
	}
	files := []struct {
		name string
		data []byte
	}{
		{JSONFile, js.Bytes()},
		{MarkdownFile, RenderMarkdown(r)},
		{HTMLFile, page},
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		p := filepath.Join(dir, f.name)
		if err := os.WriteFile(p, f.data, 0o644); err != nil {
			return paths, errs.Wrap(errs.Unavailable, "write "+f.name, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func renderMarkdown(md []byte) []byte {
	extensions := parser.CommonExtensions | parser.AutoHeadingIDs | parser.NoEmptyLineBeforeBlock
	p := parser.NewWithExtensions(extensions)
	doc := p.Parse(md)

	renderer := html.NewRenderer(html.RendererOptions{
		Flags: html.CommonFlags | html.HrefTargetBlank,
	})
	htmlContent := markdown.Render(doc, renderer)

	policy := bluemonday.UGCPolicy()
	policy.AllowElements("pre", "code")
	policy.AllowAttrs("class").OnElements("code", "pre")
	return policy.SanitizeBytes(htmlContent)
}

func statusLabel(s scenario.Status) string {
	switch s {
	case scenario.StatusPassed:
		return "✅ passed"
	case scenario.StatusFailed:
		return "❌ failed"
	default:
		return string(s)
	}
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

// excerpt cuts s to at most maxChars runes.
func excerpt(s string, maxChars int) string {
	if utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxChars]) + fmt.Sprintf("\n<!-- %d more characters -->", len(runes)-maxChars)
}

// codeFence returns a backtick fence longer than any backtick run in s.
func codeFence(s string) string {
	longest, run := 0, 0
	for _, r := range s {
		if r != '`' {
			run = 0
			continue
		}
		run++
		longest = max(longest, run)
	}
	return strings.Repeat("`", max(3, longest+1))
}

var pageTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>E2E run {{.RunID}}{{if .OK}} passed{{else}} failed{{end}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 960px; margin: 2rem auto; padding: 0 1rem; }
table { border-collapse: collapse; }
th, td { border: 1px solid #d1d5db; padding: 0.25rem 0.5rem; text-align: left; }
pre { background: #f3f4f6; padding: 0.75rem; overflow-x: auto; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))
