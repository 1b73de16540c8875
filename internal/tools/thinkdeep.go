package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/workflow"
)

// ThinkDeepTool drives extended multi-step reasoning about a design or
// architecture question, ending with an expert challenge of the
// accumulated position.
type ThinkDeepTool struct {
	engine *workflow.Engine
}

// NewThinkDeepTool creates a ThinkDeepTool over the shared engine.
func NewThinkDeepTool(engine *workflow.Engine) *ThinkDeepTool {
	return &ThinkDeepTool{engine: engine}
}

func (t *ThinkDeepTool) Name() string { return "thinkdeep" }

// Definition returns the MCP tool definition for registration.
func (t *ThinkDeepTool) Definition() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription(
			"Extended reasoning for hard design and architecture questions. Work the problem in " +
				"steps: state a position, examine alternatives and failure modes between steps, and " +
				"revise. The final step has an expert model stress-test the accumulated reasoning.",
		),
		mcp.WithString("problem_context",
			mcp.Description("Background and constraints for the question, supplied on the first step."),
		),
	}, stepSchemaOptions()...)
	return mcp.NewTool(t.Name(), opts...)
}

// Handle processes one reasoning step.
func (t *ThinkDeepTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payload, continuation := stepPayloadFromRequest(req)
	if pc := req.GetString("problem_context", ""); pc != "" && payload.StepNumber == 1 {
		payload.Findings = pc + "\n\n" + payload.Findings
	}
	out, err := t.engine.AdvanceStep(ctx, t, continuation, payload)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return renderOutcome(statusVocab{
		InProgress: "pause_for_thinkdeep",
		SkipExpert: "reasoning_complete",
		WithExpert: "calling_expert_analysis",
	}, out)
}

// NextSteps pushes the caller to attack their own position.
func (t *ThinkDeepTool) NextSteps(s *workflow.SessionState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Before step %d: argue against your current position. ", s.StepNumber+1)
	b.WriteString("What would make it wrong? Which constraint is doing the most work, and is it real? " +
		"Examine at least one alternative seriously before returning.")
	return b.String()
}

// ExpertPrompt builds the terminal stress-test prompts.
func (t *ThinkDeepTool) ExpertPrompt(s *workflow.SessionState) (string, string) {
	system := "You are a skeptical senior architect. Stress-test the reasoning you are given: " +
		"find unstated assumptions, failure modes, and stronger alternatives. " +
		"Agree only where the argument actually holds."

	var b strings.Builder
	fmt.Fprintf(&b, "Position reached after %d reasoning step(s) (confidence: %s):\n\n%s\n",
		s.StepNumber, s.Confidence, s.Findings)
	if len(s.RelevantContext) > 0 {
		fmt.Fprintf(&b, "\nKey elements considered:\n- %s\n", strings.Join(s.RelevantContext, "\n- "))
	}
	b.WriteString("\nChallenge this position and state where it is solid and where it is not.")
	return system, b.String()
}
