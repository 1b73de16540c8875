// Package tools implements the MCP tool handlers.
//
// Each investigation tool is a thin front-end over the workflow engine:
// it declares its MCP schema, extracts the step payload from the request,
// and renders the engine's outcome in its own vocabulary. No sequencing
// logic lives here.
package tools

import (
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/workflow"
)

// stepPayloadFromRequest extracts the engine payload and the continuation
// id from a tool call. List-valued fields arrive as newline- or
// comma-separated strings; issues as "severity: description" lines.
func stepPayloadFromRequest(req mcp.CallToolRequest) (workflow.StepPayload, string) {
	p := workflow.StepPayload{
		Step:              req.GetString("step", ""),
		StepNumber:        int(req.GetFloat("step_number", 0)),
		TotalSteps:        int(req.GetFloat("total_steps", 0)),
		NextStepRequired:  boolArg(req, "next_step_required", false),
		Findings:          req.GetString("findings", ""),
		FilesChecked:      listArg(req.GetString("files_checked", "")),
		RelevantFiles:     listArg(req.GetString("relevant_files", "")),
		RelevantContext:   listArg(req.GetString("relevant_context", "")),
		IssuesFound:       issuesArg(req.GetString("issues_found", "")),
		Confidence:        workflow.Confidence(req.GetString("confidence", "")),
		BacktrackFromStep: int(req.GetFloat("backtrack_from_step", 0)),
		Model:             req.GetString("model", ""),
		ModelStance:       req.GetString("model_stance", ""),
	}
	return p, req.GetString("continuation_id", "")
}

// boolArg extracts a boolean argument from a tool request.
func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

// listArg splits a list-valued string argument on newlines and commas.
func listArg(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, line := range strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == ',' }) {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// issuesArg parses "severity: description" lines. Lines without a
// severity prefix become issues with an empty severity.
func issuesArg(s string) []workflow.Issue {
	var out []workflow.Issue
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sev, desc, ok := strings.Cut(line, ":")
		if ok && isSeverity(strings.TrimSpace(sev)) {
			out = append(out, workflow.Issue{
				Severity:    strings.TrimSpace(sev),
				Description: strings.TrimSpace(desc),
			})
			continue
		}
		out = append(out, workflow.Issue{Description: line})
	}
	return out
}

func isSeverity(s string) bool {
	switch strings.ToLower(s) {
	case "critical", "high", "medium", "low", "info":
		return true
	}
	return false
}

// stepEnvelope is the JSON shape every workflow tool responds with. The
// status string carries tool-specific vocabulary supplied by the caller.
type stepEnvelope struct {
	Status           string                  `json:"status"`
	StepNumber       int                     `json:"step_number"`
	TotalSteps       int                     `json:"total_steps"`
	NextStepRequired bool                    `json:"next_step_required"`
	ContinuationID   string                  `json:"continuation_id"`
	FileContext      any                     `json:"file_context,omitempty"`
	NextSteps        string                  `json:"next_steps,omitempty"`
	ExpertAnalysis   string                  `json:"expert_analysis,omitempty"`
	ExpertError      string                  `json:"expert_analysis_error,omitempty"`
	ModelUsed        string                  `json:"model_used,omitempty"`
	ToolStatus       workflow.ToolStatus     `json:"tool_status"`
	Summary          *workflow.Summary       `json:"summary,omitempty"`
	Verdicts         []workflow.ModelVerdict `json:"verdicts,omitempty"`
	StorageWarning   string                  `json:"storage_warning,omitempty"`
}

// statusVocab maps the engine's closed outcome set onto a tool's own
// status strings.
type statusVocab struct {
	InProgress string
	SkipExpert string
	WithExpert string
}

func (v statusVocab) render(s workflow.Status) string {
	switch s {
	case workflow.StatusCompleteSkipExpert:
		return v.SkipExpert
	case workflow.StatusCompleteWithExpert:
		return v.WithExpert
	default:
		return v.InProgress
	}
}

// renderOutcome shapes an engine outcome into the MCP result envelope.
func renderOutcome(vocab statusVocab, out *workflow.Outcome) (*mcp.CallToolResult, error) {
	env := stepEnvelope{
		Status:           vocab.render(out.Status),
		StepNumber:       out.StepNumber,
		TotalSteps:       out.TotalSteps,
		NextStepRequired: out.NextStepRequired,
		ContinuationID:   out.ContinuationID,
		FileContext:      out.FileContext,
		NextSteps:        out.NextSteps,
		ExpertAnalysis:   out.ExpertAnalysis,
		ExpertError:      out.ExpertError,
		ModelUsed:        out.ModelUsed,
		ToolStatus:       out.ToolStatus,
		Summary:          out.Summary,
		Verdicts:         out.Verdicts,
		StorageWarning:   out.StorageWarning,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

// Shared schema options for every step-driven tool. Declared once so the
// tools stay in lockstep on field names.
func stepSchemaOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("step",
			mcp.Required(),
			mcp.Description("What this investigation step examines and why."),
		),
		mcp.WithNumber("step_number",
			mcp.Required(),
			mcp.Description("1-based index of this step. Must be the previous step + 1 unless backtrack_from_step is set."),
		),
		mcp.WithNumber("total_steps",
			mcp.Required(),
			mcp.Description("Current estimate of the total number of steps. May be revised between steps."),
		),
		mcp.WithBoolean("next_step_required",
			mcp.Required(),
			mcp.Description("false marks this as the final step of the investigation."),
		),
		mcp.WithString("findings",
			mcp.Required(),
			mcp.Description("Cumulative narrative of everything learned so far. Each step replaces the previous narrative."),
		),
		mcp.WithString("continuation_id",
			mcp.Description("Thread id from a previous step's response. Omit to start a new investigation."),
		),
		mcp.WithString("files_checked",
			mcp.Description("Files examined during this step, one per line (including ruled-out ones)."),
		),
		mcp.WithString("relevant_files",
			mcp.Description("Files directly relevant to the findings, one per line."),
		),
		mcp.WithString("relevant_context",
			mcp.Description("Methods or functions central to the findings, one per line (e.g. 'Class.method')."),
		),
		mcp.WithString("issues_found",
			mcp.Description("Issues discovered, one per line as 'severity: description' (severity: critical|high|medium|low|info)."),
		),
		mcp.WithString("confidence",
			mcp.Description("Self-assessed confidence in the findings. 'certain' skips external validation entirely."),
			mcp.Enum("exploring", "low", "medium", "high", "very_high", "certain"),
		),
		mcp.WithNumber("backtrack_from_step",
			mcp.Description("Step number to revise from. Marks that step and everything after it as superseded."),
		),
		mcp.WithString("model",
			mcp.Description("Model for the expert-analysis pass: canonical name, alias, provider-qualified id, or 'auto'."),
		),
	}
}
