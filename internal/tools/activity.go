package tools

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/history"
)

// ActivityTool exposes the outcome ledger: which investigations finished,
// with which tool, status, and model.
type ActivityTool struct {
	ledger *history.Ledger
}

// NewActivityTool creates an ActivityTool over the ledger.
func NewActivityTool(ledger *history.Ledger) *ActivityTool {
	return &ActivityTool{ledger: ledger}
}

// Definition returns the MCP tool definition for registration.
func (t *ActivityTool) Definition() mcp.Tool {
	return mcp.NewTool("zen_activity",
		mcp.WithDescription(
			"List recently completed investigations: tool, step count, outcome status, model used, "+
				"and issue counts. Useful for resuming work or auditing what ran.",
		),
		mcp.WithString("tool",
			mcp.Description("Filter to one tool's outcomes (e.g. 'debug'). Empty returns all tools."),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of records to return. Defaults to 20."),
		),
	)
}

// Handle processes the zen_activity tool call.
func (t *ActivityTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toolFilter := req.GetString("tool", "")
	limit := int(req.GetFloat("limit", 20))

	records, err := t.ledger.Recent(toolFilter, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	counts, err := t.ledger.CountByStatus()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	payload := struct {
		Outcomes      []history.Record `json:"outcomes"`
		CountByStatus map[string]int   `json:"count_by_status"`
	}{Outcomes: records, CountByStatus: counts}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
