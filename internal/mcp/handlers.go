package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kuitang/selfchanger-e2e/internal/errs"
	"github.com/kuitang/selfchanger-e2e/internal/history"
	"github.com/kuitang/selfchanger-e2e/internal/obs"
	"github.com/kuitang/selfchanger-e2e/internal/runs"
	"github.com/kuitang/selfchanger-e2e/internal/scenario"
)

const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 100
)

// Runs is what the tools need from the run service.
type Runs interface {
	Scenarios() []scenario.Scenario
	Select(names []string, pattern string) ([]scenario.Scenario, error)
	Run(ctx context.Context, scenarios []scenario.Scenario, baseURL string) (*runs.Outcome, error)
	Recent(ctx context.Context, limit int) ([]history.Run, []history.Flake, error)
}

// Handler implements MCP tool call handling.
type Handler struct {
	runs Runs
}

// NewHandler creates a handler backed by svc.
func NewHandler(svc Runs) *Handler {
	return &Handler{runs: svc}
}

func (h *Handler) createToolHandler(name string) func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
		result, err := h.HandleToolCall(ctx, name, args)
		return result, nil, err
	}
}

// HandleToolCall routes tool calls. Tool-level failures come back as
// IsError results carrying a JSON {code, message} payload.
func (h *Handler) HandleToolCall(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error) {
	var (
		result *mcp.CallToolResult
		err    error
	)
	switch name {
	case ToolScenarioList:
		result, err = h.handleScenarioList(arguments)
	case ToolScenarioRun:
		result, err = h.handleScenarioRun(ctx, arguments)
	case ToolRunHistory:
		result, err = h.handleRunHistory(ctx, arguments)
	default:
		err = errs.New(errs.NotFound, fmt.Sprintf("unknown tool: %s", name))
	}
	if err != nil {
		obs.From(ctx).Warn("mcp_tool_failed", "tool", name, "code", errs.CodeOf(err), "error", err)
		return newToolResultErrorFromErr(err), nil
	}
	return result, nil
}

type toolErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newToolResultText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

func newToolResultErrorFromErr(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: marshalToolJSON(toolErrorPayload{
				Code:    string(errs.CodeOf(err)),
				Message: errs.MessageOf(err),
			})},
		},
		IsError: true,
	}
}

func marshalToolJSON(value any) string {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal response","detail":%q}`, err.Error())
	}
	return string(data)
}

// decodeToolArgs decodes args into dst, rejecting unknown fields.
func decodeToolArgs(args map[string]any, dst any) error {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, "arguments are not valid JSON", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.Wrap(errs.InvalidArgument, "invalid arguments", err)
	}
	return nil
}

type scenarioView struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Steps       []string `json:"steps"`
}

func (h *Handler) handleScenarioList(args map[string]any) (*mcp.CallToolResult, error) {
	var in struct{}
	if err := decodeToolArgs(args, &in); err != nil {
		return nil, err
	}
	suite := h.runs.Scenarios()
	views := make([]scenarioView, 0, len(suite))
	for _, sc := range suite {
		v := scenarioView{Name: sc.Name, Description: sc.Description, Steps: make([]string, 0, len(sc.Steps))}
		for _, st := range sc.Steps {
			v.Steps = append(v.Steps, st.Describe())
		}
		views = append(views, v)
	}
	return newToolResultText(marshalToolJSON(map[string]any{"scenarios": views})), nil
}

func (h *Handler) handleScenarioRun(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	var in struct {
		Names   []string `json:"names"`
		Filter  string   `json:"filter"`
		BaseURL string   `json:"base_url"`
	}
	if err := decodeToolArgs(args, &in); err != nil {
		return nil, err
	}
	if err := validateBaseURL(in.BaseURL); err != nil {
		return nil, err
	}
	picked, err := h.runs.Select(in.Names, in.Filter)
	if err != nil {
		return nil, err
	}
	out, err := h.runs.Run(ctx, picked, in.BaseURL)
	if out == nil {
		return nil, err
	}
	if err != nil {
		// The run happened; only filing failed.
		obs.From(ctx).Warn("mcp_run_filing_failed", "run_id", out.Report.RunID, "error", err)
	}
	return newToolResultText(marshalToolJSON(out)), nil
}

func (h *Handler) handleRunHistory(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	var in struct {
		Limit int `json:"limit"`
	}
	if err := decodeToolArgs(args, &in); err != nil {
		return nil, err
	}
	if in.Limit == 0 {
		in.Limit = defaultHistoryLimit
	}
	if in.Limit < 0 || in.Limit > maxHistoryLimit {
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit))
	}
	recent, flakes, err := h.runs.Recent(ctx, in.Limit)
	if err != nil {
		return nil, err
	}
	return newToolResultText(marshalToolJSON(map[string]any{
		"runs":   recent,
		"flakes": flakes,
	})), nil
}

func validateBaseURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errs.New(errs.InvalidArgument, fmt.Sprintf("base_url must be an absolute http(s) URL, got %q", raw))
	}
	return nil
}
