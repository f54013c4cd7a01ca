package mcp

import "github.com/modelcontextprotocol/go-sdk/mcp"

// Tool names.
const (
	ToolScenarioList = "scenario_list"
	ToolScenarioRun  = "scenario_run"
	ToolRunHistory   = "run_history"
)

// ToolDefinitions returns the scenario runner's MCP tools.
func ToolDefinitions() []*mcp.Tool {
	return []*mcp.Tool{
		{
			Name:        ToolScenarioList,
			Description: "List the end-to-end scenarios this runner knows for the Self Changer chat page. Each entry has the scenario name, a description and its steps in order (navigate, fill, click, wait, expect, settle). Use the names with scenario_run.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        ToolScenarioRun,
			Description: "Run scenarios in fresh, isolated browser sessions and return the result set as JSON. Every selected scenario runs even if others fail. A failed scenario reports the failing step index, an error kind (navigation, element_not_found, assertion_timeout, session, cancelled), an expected/observed diff for assertion timeouts, and the page's DOM and selector match counts at failure time. Omit names and filter to run the whole suite.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"names": map[string]any{
						"type":        "array",
						"description": "Exact scenario names to run, in order. Empty runs all.",
						"items":       map[string]any{"type": "string"},
					},
					"filter": map[string]any{
						"type":        "string",
						"description": "Optional regular expression; only scenarios whose name matches run.",
					},
					"base_url": map[string]any{
						"type":        "string",
						"description": "Optional http(s) URL of the page under test. Defaults to the configured target.",
					},
				},
			},
		},
		{
			Name:        ToolRunHistory,
			Description: "Show recent recorded runs (newest first) and the scenarios that both passed and failed within the recent window. Requires run history to be enabled on the server.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit": map[string]any{
						"type":        "integer",
						"description": "How many runs to return (default 10, max 100).",
						"minimum":     1,
						"maximum":     100,
					},
				},
			},
		},
	}
}
