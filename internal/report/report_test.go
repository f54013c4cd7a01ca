package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/selfchanger-e2e/internal/scenario"
)

func sampleReport() *scenario.Report {
	start := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	return &scenario.Report{
		RunID:      "run-123",
		Driver:     "playwright",
		BaseURL:    "http://localhost:3000",
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Passed:     1,
		Failed:     1,
		Results: []scenario.Result{
			{Name: "page loads", Status: scenario.StatusPassed, DurationMS: 420, FailedStep: -1},
			{
				Name:       "send message",
				Status:     scenario.StatusFailed,
				DurationMS: 5100,
				FailedStep: 1,
				Steps: []scenario.StepResult{
					{Index: 0, Description: "navigate /", Status: scenario.StatusPassed},
					{Index: 1, Description: `expect .message-item count to be 2`, Status: scenario.StatusFailed},
				},
				ErrorKind: scenario.KindAssertionTimeout,
				Error:     "timed out after 5s",
				Diff:      "--- expected\n+++ observed\n@@ -1 +1 @@\n-count=2\n+count=1\n",
				Diagnostics: &scenario.Diagnostics{
					URL:       "http://localhost:3000/",
					Title:     "Self Changer",
					DOM:       `<html><body><script>alert(1)</script><div class="message-item">hi</div></body></html>`,
					Selectors: map[string]int{".message-item": 1, ".input-field": 1},
					Artifacts: []string{"artifacts/run-123/send-message/dom.html"},
				},
			},
		},
	}
}

func TestRenderMarkdown(t *testing.T) {
	t.Parallel()
	md := string(RenderMarkdown(sampleReport()))

	assert.Contains(t, md, "run `run-123`")
	assert.Contains(t, md, "**1 passed, 1 failed**")
	assert.Contains(t, md, "| page loads | ✅ passed | 420ms | - |")
	assert.Contains(t, md, "| send message | ❌ failed | 5100ms | 1 |")
	assert.Contains(t, md, "## send message")
	assert.Contains(t, md, "Failed at step 1: `expect .message-item count to be 2`")
	assert.Contains(t, md, "```diff\n--- expected")
	assert.Contains(t, md, "| `.message-item` | 1 |")
	assert.Contains(t, md, "- Artifact: artifacts/run-123/send-message/dom.html")
	assert.NotContains(t, md, "## page loads")
}

func TestRenderHTML_SanitizesPageContent(t *testing.T) {
	t.Parallel()
	r := sampleReport()
	r.Results[0].Name = `<img src=x onerror=alert(1)>`
	page, err := RenderHTML(r)
	require.NoError(t, err)
	out := string(page)

	assert.True(t, strings.HasPrefix(out, "<!DOCTYPE html>"))
	assert.Contains(t, out, "E2E run run-123 failed")
	assert.Contains(t, out, "<table>")
	assert.NotContains(t, out, "<script>")
	assert.NotContains(t, out, "onerror")
}

func TestWriteAll(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "nested", "report")
	paths, err := WriteAll(dir, sampleReport())
	require.NoError(t, err)
	require.Len(t, paths, 3)

	data, err := os.ReadFile(filepath.Join(dir, JSONFile))
	require.NoError(t, err)
	var decoded scenario.Report
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "run-123", decoded.RunID)
	assert.Equal(t, sampleReport().Results[1].Diagnostics.DOM, decoded.Results[1].Diagnostics.DOM)

	for _, name := range []string{MarkdownFile, HTMLFile} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}
}

func TestWriteJSON_DoesNotEscapeHTML(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sampleReport()))
	assert.Contains(t, buf.String(), `<div class=\"message-item\">`)
}

func testExcerpt_Bounded(t *rapid.T) {
	s := rapid.StringOf(rapid.SampledFrom([]rune("ab<>こ\n"))).Draw(t, "dom")
	maxChars := rapid.IntRange(1, 40).Draw(t, "max")
	got := excerpt(s, maxChars)
	runes := []rune(s)
	if len(runes) <= maxChars {
		if got != s {
			t.Fatalf("short excerpt mismatch: got=%q want=%q", got, s)
		}
		return
	}
	if !strings.HasPrefix(got, string(runes[:maxChars])) || !strings.HasSuffix(got, " more characters -->") {
		t.Fatalf("long excerpt mismatch: got=%q", got)
	}
}

func TestExcerpt_Bounded(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testExcerpt_Bounded)
}

func testCodeFence_LongerThanContent(t *rapid.T) {
	s := rapid.StringOf(rapid.SampledFrom([]rune("a`\n"))).Draw(t, "content")
	fence := codeFence(s)
	if len(fence) < 3 || strings.Contains(s, fence) {
		t.Fatalf("fence %q does not fence %q", fence, s)
	}
}

func TestCodeFence_LongerThanContent(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testCodeFence_LongerThanContent)
}
