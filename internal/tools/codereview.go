package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/workflow"
)

// CodeReviewTool drives a structured multi-pass code review: coverage
// first, severity-ranked issues at the end.
type CodeReviewTool struct {
	engine *workflow.Engine
}

// NewCodeReviewTool creates a CodeReviewTool over the shared engine.
func NewCodeReviewTool(engine *workflow.Engine) *CodeReviewTool {
	return &CodeReviewTool{engine: engine}
}

func (t *CodeReviewTool) Name() string { return "codereview" }

// Definition returns the MCP tool definition for registration.
func (t *CodeReviewTool) Definition() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription(
			"Step-by-step code review. Walk the code between steps, report what you examined " +
				"and every issue found as 'severity: description' lines. The final step embeds the " +
				"relevant files and asks an expert model for a second opinion on the full issue list.",
		),
		mcp.WithString("review_type",
			mcp.Description("Review focus: full | security | performance | quick. Defaults to full."),
			mcp.Enum("full", "security", "performance", "quick"),
		),
	}, stepSchemaOptions()...)
	return mcp.NewTool(t.Name(), opts...)
}

// Handle processes one review step.
func (t *CodeReviewTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payload, continuation := stepPayloadFromRequest(req)
	out, err := t.engine.AdvanceStep(ctx, t, continuation, payload)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return renderOutcome(statusVocab{
		InProgress: "pause_for_code_review",
		SkipExpert: "review_complete",
		WithExpert: "calling_expert_analysis",
	}, out)
}

// NextSteps tells the caller what to examine in the next pass.
func (t *CodeReviewTool) NextSteps(s *workflow.SessionState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Continue the review. You have examined %d file(s) and recorded %d issue(s). ",
		len(s.FilesChecked), len(s.IssuesFound))
	b.WriteString("Read the remaining code paths before the next step: error handling, concurrency, " +
		"input validation, and resource lifetimes. Record every issue with a severity.")
	return b.String()
}

// ExpertPrompt builds the terminal expert-review prompts.
func (t *CodeReviewTool) ExpertPrompt(s *workflow.SessionState) (string, string) {
	system := "You are a principal engineer performing the final pass of a code review. " +
		"Given the reviewer's notes and the embedded files, confirm the reported issues, " +
		"flag anything the reviewer missed, and rank everything by severity. " +
		"Do not pad with praise."

	var b strings.Builder
	fmt.Fprintf(&b, "Review notes after %d step(s):\n\n%s\n", s.StepNumber, s.Findings)
	if len(s.IssuesFound) > 0 {
		b.WriteString("\nReported issues:\n")
		for _, iss := range s.IssuesFound {
			fmt.Fprintf(&b, "- [%s] %s\n", iss.Severity, iss.Description)
		}
	}
	b.WriteString("\nValidate the issue list against the embedded code, add anything missed, and give a final verdict.")
	return system, b.String()
}
