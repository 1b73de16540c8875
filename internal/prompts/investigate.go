// Package prompts implements MCP prompt handlers.
//
// MCP prompts are user-triggered workflows (like slash commands) that
// instruct the AI to execute a specific sequence. Unlike tools (which
// the AI calls), prompts are initiated by the user.
package prompts

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// InvestigatePrompt handles the zen-investigate MCP prompt. It guides the
// AI into the right workflow tool for the user's problem.
type InvestigatePrompt struct{}

// NewInvestigatePrompt creates an InvestigatePrompt.
func NewInvestigatePrompt() *InvestigatePrompt {
	return &InvestigatePrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *InvestigatePrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("zen-investigate",
		mcp.WithPromptDescription(
			"Start a structured investigation. Picks the right workflow tool "+
				"(debug, codereview, thinkdeep, or consensus) for the problem and "+
				"drives it step by step.",
		),
		mcp.WithArgument("problem",
			mcp.ArgumentDescription("What to investigate: a bug, code to review, a design question, or a decision"),
		),
		mcp.WithArgument("model",
			mcp.ArgumentDescription("Model for expert validation: canonical name, alias, or 'auto'. Default: auto"),
		),
	)
}

// Handle processes the zen-investigate prompt request.
func (p *InvestigatePrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	problem := "the problem I describe next"
	model := "auto"
	if args := req.Params.Arguments; args != nil {
		if v, ok := args["problem"]; ok && v != "" {
			problem = v
		}
		if v, ok := args["model"]; ok && v != "" {
			model = v
		}
	}

	return &mcp.GetPromptResult{
		Description: "Start a structured investigation",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(fmt.Sprintf(
					"I want a structured investigation of: %s\n\n"+
						"Please:\n"+
						"1. Pick the workflow tool that fits: `debug` for a failing behavior, "+
						"`codereview` for reviewing code, `thinkdeep` for a design/architecture "+
						"question, `consensus` for a decision that needs multiple model opinions\n"+
						"2. Call it with step_number=1, an honest total_steps estimate, and model='%s'\n"+
						"3. Between steps, actually do the investigation the tool's response asks for "+
						"before calling it again with the same continuation_id\n"+
						"4. On the final step set next_step_required=false and report the validated conclusion to me",
					problem, model,
				)),
			},
		},
	}, nil
}
