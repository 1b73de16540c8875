// Package resources implements MCP resource handlers.
//
// Resources provide read-only data that the host can consume for context.
// They use URI-based addressing (zen://...) following MCP conventions.
package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/history"
)

// Handler manages zen resource endpoints.
type Handler struct {
	ledger *history.Ledger
}

// NewHandler creates a resource Handler with its dependencies.
func NewHandler(ledger *history.Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// ActivityResource returns the MCP resource definition for recent
// investigation outcomes.
func (h *Handler) ActivityResource() mcp.Resource {
	return mcp.NewResource(
		"zen://activity/recent",
		"Recent Investigations",
		mcp.WithResourceDescription("Recently completed investigations: tool, steps, status, model"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleActivity returns the recent outcome records as JSON.
func (h *Handler) HandleActivity(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	records, err := h.ledger.Recent("", 50)
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}
	counts, err := h.ledger.CountByStatus()
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}

	payload := struct {
		Outcomes      []history.Record `json:"outcomes"`
		CountByStatus map[string]int   `json:"count_by_status"`
	}{Outcomes: records, CountByStatus: counts}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling activity: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// errorResource returns a resource with an error message.
func errorResource(uri, message string) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     fmt.Sprintf("Error: %s", message),
		},
	}
}
