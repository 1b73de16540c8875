package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/workflow"
)

// ConsensusTool gathers stance-steered verdicts from multiple models, one
// per step, and synthesizes them on the final step. Unlike the other
// workflow tools there is no single expert call at the end: the expert
// work is distributed across the steps.
type ConsensusTool struct {
	engine *workflow.Engine
}

// NewConsensusTool creates a ConsensusTool over the shared engine.
func NewConsensusTool(engine *workflow.Engine) *ConsensusTool {
	return &ConsensusTool{engine: engine}
}

func (t *ConsensusTool) Name() string { return "consensus" }

// Definition returns the MCP tool definition for registration.
func (t *ConsensusTool) Definition() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription(
			"Multi-model consensus on a proposal or decision. Each step consults exactly one " +
				"model, optionally steered by a stance ('for', 'against', 'neutral'); name the model " +
				"in the 'model' field. The final step synthesizes all gathered verdicts. A failed " +
				"consultation is recorded and the run continues.",
		),
		mcp.WithString("model_stance",
			mcp.Description("Stance to steer this step's model: for | against | neutral. Defaults to neutral."),
			mcp.Enum("for", "against", "neutral"),
		),
	}, stepSchemaOptions()...)
	return mcp.NewTool(t.Name(), opts...)
}

// Handle processes one consensus step.
func (t *ConsensusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payload, continuation := stepPayloadFromRequest(req)
	if payload.ModelStance == "" {
		payload.ModelStance = "neutral"
	}
	out, err := t.engine.AdvanceStep(ctx, t, continuation, payload)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return renderOutcome(statusVocab{
		InProgress: "consultation_complete_continue",
		SkipExpert: "consensus_complete",
		WithExpert: "consensus_complete",
	}, out)
}

// NextSteps tells the caller to line up the next model.
func (t *ConsensusTool) NextSteps(s *workflow.SessionState) string {
	return fmt.Sprintf("Verdict %d recorded. Call consensus again with the next model to consult "+
		"(set 'model' and optionally 'model_stance'), or mark the final step to synthesize all %d verdict(s).",
		len(s.AccumulatedResponses), len(s.AccumulatedResponses))
}

// ExpertPrompt exists to satisfy the workflow front-end contract; the
// engine routes consensus terminals through Synthesize instead.
func (t *ConsensusTool) ExpertPrompt(s *workflow.SessionState) (string, string) {
	return "", s.Findings
}

// ConsultPrompt builds the prompts for a single stance-steered verdict.
func (t *ConsensusTool) ConsultPrompt(s *workflow.SessionState, p workflow.StepPayload) (string, string) {
	var system strings.Builder
	system.WriteString("You are evaluating a proposal. Give a direct verdict with concrete reasons. ")
	switch p.ModelStance {
	case "for":
		system.WriteString("Take a supportive stance: surface the strongest case in favor, but do not invent merits.")
	case "against":
		system.WriteString("Take a critical stance: surface the strongest case against, but do not invent flaws.")
	default:
		system.WriteString("Take a neutral stance: weigh both sides on the evidence alone.")
	}

	var user strings.Builder
	user.WriteString("Proposal under evaluation:\n\n")
	user.WriteString(s.Findings)
	if p.Step != "" {
		fmt.Fprintf(&user, "\n\nThis consultation focuses on: %s", p.Step)
	}
	user.WriteString("\n\nGive your verdict.")
	return system.String(), user.String()
}

// Synthesize renders the terminal synthesis from the accumulated verdicts.
func (t *ConsensusTool) Synthesize(s *workflow.SessionState) string {
	var b strings.Builder
	succeeded := 0
	for _, v := range s.AccumulatedResponses {
		if v.Error == "" {
			succeeded++
		}
	}
	fmt.Fprintf(&b, "Consensus across %d consultation(s) (%d succeeded):\n",
		len(s.AccumulatedResponses), succeeded)
	for i, v := range s.AccumulatedResponses {
		fmt.Fprintf(&b, "\n--- verdict %d: %s (stance: %s) ---\n", i+1, v.Model, v.Stance)
		if v.Error != "" {
			fmt.Fprintf(&b, "consultation failed: %s\n", v.Error)
			continue
		}
		b.WriteString(v.Response)
		b.WriteString("\n")
	}
	b.WriteString("\nFinal assessment from the orchestrating session:\n")
	b.WriteString(s.Findings)
	return b.String()
}
