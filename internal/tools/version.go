package tools

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/providers"
)

// VersionTool reports the server version and which providers are active.
type VersionTool struct {
	version  string
	registry *providers.Registry
}

// NewVersionTool creates a VersionTool.
func NewVersionTool(version string, registry *providers.Registry) *VersionTool {
	return &VersionTool{version: version, registry: registry}
}

// Definition returns the MCP tool definition for registration.
func (t *VersionTool) Definition() mcp.Tool {
	return mcp.NewTool("zen_version",
		mcp.WithDescription("Report the server version, runtime, and configured model providers."),
	)
}

// Handle processes the zen_version tool call.
func (t *VersionTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "zen %s (%s, %s/%s)\n", t.version, runtime.Version(), runtime.GOOS, runtime.GOARCH)

	kinds := t.registry.AvailableKinds()
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	if len(kinds) == 0 {
		b.WriteString("providers: none configured\n")
	} else {
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = string(k)
		}
		fmt.Fprintf(&b, "providers: %s\n", strings.Join(names, ", "))
	}
	return mcp.NewToolResultText(b.String()), nil
}
