package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/workflow"
)

// DebugTool drives a step-by-step root-cause investigation. The caller
// investigates between steps; the final step hands the accumulated
// findings to an expert model unless confidence reached certain.
type DebugTool struct {
	engine *workflow.Engine
}

// NewDebugTool creates a DebugTool over the shared engine.
func NewDebugTool(engine *workflow.Engine) *DebugTool {
	return &DebugTool{engine: engine}
}

func (t *DebugTool) Name() string { return "debug" }

// Definition returns the MCP tool definition for registration.
func (t *DebugTool) Definition() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription(
			"Systematic root-cause debugging through forced step-by-step investigation. " +
				"Call once per step: describe what you examined, report findings, name the files " +
				"and methods involved, and rate your confidence. Between steps, actually read the " +
				"code. The final step submits everything to an expert model for validation — " +
				"unless confidence is 'certain', which skips validation entirely.",
		),
	}, stepSchemaOptions()...)
	return mcp.NewTool(t.Name(), opts...)
}

// Handle processes one debug step.
func (t *DebugTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payload, continuation := stepPayloadFromRequest(req)
	out, err := t.engine.AdvanceStep(ctx, t, continuation, payload)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return renderOutcome(statusVocab{
		InProgress: "pause_for_investigation",
		SkipExpert: "certain_confidence_proceed_with_fix",
		WithExpert: "calling_expert_analysis",
	}, out)
}

// NextSteps tells the caller what the next investigation step must do.
func (t *DebugTool) NextSteps(s *workflow.SessionState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "STOP. Do not call debug again yet. Investigate the hypothesis from step %d first: ", s.StepNumber)
	b.WriteString("read the implicated code, trace the failing path, and gather concrete evidence. ")
	if len(s.RelevantContext) > 0 {
		fmt.Fprintf(&b, "Focus on: %s. ", strings.Join(s.RelevantContext, ", "))
	}
	b.WriteString("Then call debug with your updated findings and confidence.")
	return b.String()
}

// ExpertPrompt builds the terminal expert-validation prompts.
func (t *DebugTool) ExpertPrompt(s *workflow.SessionState) (string, string) {
	system := "You are a senior engineer validating a root-cause analysis. " +
		"Confirm or refute the hypothesis against the evidence and embedded code. " +
		"If the evidence does not support the conclusion, say so and point at what to check next. " +
		"Be specific; do not restate the findings back."

	var b strings.Builder
	fmt.Fprintf(&b, "A %d-step debugging investigation reached the following conclusion ", s.StepNumber)
	fmt.Fprintf(&b, "(confidence: %s):\n\n%s\n", s.Confidence, s.Findings)
	if len(s.RelevantContext) > 0 {
		fmt.Fprintf(&b, "\nImplicated methods/functions:\n- %s\n", strings.Join(s.RelevantContext, "\n- "))
	}
	for _, iss := range s.IssuesFound {
		fmt.Fprintf(&b, "\nIssue (%s): %s", iss.Severity, iss.Description)
	}
	b.WriteString("\n\nValidate the root cause and assess whether the proposed understanding is complete.")
	return system, b.String()
}
