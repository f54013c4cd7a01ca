package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const triagePromptName = "triage_failures"

const triagePromptText = "Run scenario_run for the whole suite. For each failed scenario, read steps[failed_step] and error_kind first. " +
	"assertion_timeout means the page answered but never reached the expected state: compare the diff's expected and observed lines. " +
	"element_not_found means a contract class is missing: check diagnostics.selectors for the selector's match count and diagnostics.dom for a renamed class. " +
	"navigation means the page itself did not load. Then call run_history; a scenario listed under flakes is intermittent, so rerun it with scenario_run before reporting a regression."

func registerPrompts(mcpServer *mcp.Server) {
	for _, prompt := range PromptDefinitions() {
		mcpServer.AddPrompt(prompt, triagePromptHandler)
	}
}

// PromptDefinitions returns the MCP prompts.
func PromptDefinitions() []*mcp.Prompt {
	return []*mcp.Prompt{
		{
			Name:        triagePromptName,
			Title:       "Triage E2E failures",
			Description: "Run the suite and explain each failure from its step, diff and page snapshot.",
		},
	}
}

func triagePromptHandler(_ context.Context, _ *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{
		Description: "Run the suite and explain each failure from its step, diff and page snapshot.",
		Messages: []*mcp.PromptMessage{
			{
				Role:    mcp.Role("user"),
				Content: &mcp.TextContent{Text: triagePromptText},
			},
		},
	}, nil
}
