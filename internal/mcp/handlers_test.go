package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"pgregory.net/rapid"

	"github.com/kuitang/selfchanger-e2e/internal/browser/browsertest"
	"github.com/kuitang/selfchanger-e2e/internal/errs"
	"github.com/kuitang/selfchanger-e2e/internal/fixture/fixturetest"
	"github.com/kuitang/selfchanger-e2e/internal/runs"
	"github.com/kuitang/selfchanger-e2e/internal/scenario"
	"github.com/kuitang/selfchanger-e2e/internal/selfchanger"
)

func toolResultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil || len(result.Content) == 0 {
		t.Fatalf("missing tool result content: %#v", result)
	}
	text, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content type: %T", result.Content[0])
	}
	return text.Text
}

func parseToolErrorPayload(t *testing.T, result *mcp.CallToolResult) toolErrorPayload {
	t.Helper()
	if !result.IsError {
		t.Fatalf("expected error result, got %q", toolResultText(t, result))
	}
	var payload toolErrorPayload
	if err := json.Unmarshal([]byte(toolResultText(t, result)), &payload); err != nil {
		t.Fatalf("invalid tool error payload JSON: %v", err)
	}
	return payload
}

func newTestHandler(t *testing.T, site fixturetest.Options) *Handler {
	t.Helper()
	d := browsertest.NewDriver(fixturetest.Site(site))
	t.Cleanup(func() { d.Close() })
	svc, err := runs.NewService(runs.Deps{
		Driver:    d,
		Scenarios: selfchanger.Suite(),
		Options: scenario.Options{
			BaseURL:           "http://selfchanger.test",
			Workers:           2,
			StepTimeout:       150 * time.Millisecond,
			NavigationTimeout: time.Second,
			PollInterval:      5 * time.Millisecond,
			LaunchRate:        1000,
		},
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return NewHandler(svc)
}

func TestScenarioList(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, fixturetest.Options{})
	result, err := h.HandleToolCall(context.Background(), ToolScenarioList, nil)
	if err != nil || result.IsError {
		t.Fatalf("scenario_list failed: err=%v result=%v", err, result)
	}
	var out struct {
		Scenarios []scenarioView `json:"scenarios"`
	}
	if err := json.Unmarshal([]byte(toolResultText(t, result)), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Scenarios) != 4 || out.Scenarios[0].Name != selfchanger.PageLoads {
		t.Fatalf("scenario list mismatch: %+v", out.Scenarios)
	}
	if got := out.Scenarios[0].Steps[0]; got != "navigate /" {
		t.Fatalf("first step mismatch: got=%q want=%q", got, "navigate /")
	}
}

func TestScenarioRun_ReturnsResultSet(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, fixturetest.Options{Title: "Chat"})
	result, err := h.HandleToolCall(context.Background(), ToolScenarioRun, map[string]any{
		"names": []any{selfchanger.PageLoads, selfchanger.RefreshMessages},
	})
	if err != nil || result.IsError {
		t.Fatalf("scenario_run failed: err=%v text=%s", err, toolResultText(t, result))
	}
	var out runs.Outcome
	if err := json.Unmarshal([]byte(toolResultText(t, result)), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Report.Results) != 2 {
		t.Fatalf("result count mismatch: got=%d want=2", len(out.Report.Results))
	}
	first := out.Report.Results[0]
	if first.Name != selfchanger.PageLoads || first.Status != scenario.StatusFailed || first.ErrorKind != scenario.KindAssertionTimeout {
		t.Fatalf("page loads outcome mismatch: %+v", first)
	}
	if out.Report.Results[1].Status != scenario.StatusPassed {
		t.Fatalf("refresh should pass independently: %+v", out.Report.Results[1])
	}
}

func TestScenarioRun_ArgumentErrors(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, fixturetest.Options{})
	cases := []struct {
		name string
		args map[string]any
		code errs.Code
	}{
		{"unknown field", map[string]any{"scenario": "x"}, errs.InvalidArgument},
		{"bad base url", map[string]any{"base_url": "ftp://x"}, errs.InvalidArgument},
		{"relative base url", map[string]any{"base_url": "/chat"}, errs.InvalidArgument},
		{"unknown scenario", map[string]any{"names": []any{"nope"}}, errs.NotFound},
		{"bad filter", map[string]any{"filter": "("}, errs.InvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := h.HandleToolCall(context.Background(), ToolScenarioRun, tc.args)
			if err != nil {
				t.Fatalf("HandleToolCall: %v", err)
			}
			if got := parseToolErrorPayload(t, result); got.Code != string(tc.code) {
				t.Fatalf("code mismatch: got=%q want=%q", got.Code, tc.code)
			}
		})
	}
}

func TestRunHistory_DisabledAndLimits(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, fixturetest.Options{})

	result, _ := h.HandleToolCall(context.Background(), ToolRunHistory, nil)
	if got := parseToolErrorPayload(t, result); got.Code != string(errs.FailedPrecondition) {
		t.Fatalf("code mismatch: got=%q want=%q", got.Code, errs.FailedPrecondition)
	}
	result, _ = h.HandleToolCall(context.Background(), ToolRunHistory, map[string]any{"limit": 1000})
	if got := parseToolErrorPayload(t, result); got.Code != string(errs.InvalidArgument) {
		t.Fatalf("code mismatch: got=%q want=%q", got.Code, errs.InvalidArgument)
	}
}

func TestHandleToolCall_UnknownTool(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, fixturetest.Options{})
	result, _ := h.HandleToolCall(context.Background(), "note_view", nil)
	payload := parseToolErrorPayload(t, result)
	if payload.Code != string(errs.NotFound) || !strings.Contains(payload.Message, "note_view") {
		t.Fatalf("unknown tool payload mismatch: %+v", payload)
	}
}

func testDecodeToolArgs_UnknownFieldsRejected(t *rapid.T) {
	field := rapid.StringMatching(`[a-z]{1,10}`).Filter(func(s string) bool { return s != "names" }).Draw(t, "field")
	var decoded struct {
		Names []string `json:"names"`
	}
	err := decodeToolArgs(map[string]any{field: "unexpected"}, &decoded)
	if got := errs.CodeOf(err); got != errs.InvalidArgument {
		t.Fatalf("unexpected error code: got=%q want=%q", got, errs.InvalidArgument)
	}
}

func TestDecodeToolArgs_UnknownFieldsRejected(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testDecodeToolArgs_UnknownFieldsRejected)
}

func TestDecodeToolArgs_NilMapBehavesAsEmptyObject(t *testing.T) {
	t.Parallel()
	var decoded struct {
		Optional string `json:"optional,omitempty"`
	}
	if err := decodeToolArgs(nil, &decoded); err != nil {
		t.Fatalf("decodeToolArgs(nil) failed: %v", err)
	}
}
