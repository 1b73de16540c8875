package workflow

import (
	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/budget"
	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/filecontext"
)

// Status is the closed set of step outcomes. Tools may render their own
// status strings, but every response maps onto exactly one of these.
type Status string

const (
	StatusInProgress         Status = "in_progress"
	StatusCompleteSkipExpert Status = "complete_skip_expert"
	StatusCompleteWithExpert Status = "complete_with_expert"
)

// ToolStatus is the compact progress block included in every result.
type ToolStatus struct {
	FilesChecked         int            `json:"files_checked"`
	RelevantContextCount int            `json:"relevant_context_count"`
	IssuesBySeverity     map[string]int `json:"issues_by_severity,omitempty"`
	Confidence           Confidence     `json:"confidence"`
}

// Summary is the terminal synthesis of a session's own accumulated state.
type Summary struct {
	RelevantContext []string `json:"relevant_context,omitempty"`
	IssuesFound     []Issue  `json:"issues_found,omitempty"`
	Narrative       string   `json:"narrative"`
}

// Outcome is the engine's step result. The tool front-end shapes it into
// its transport envelope; fields here carry no tool-specific vocabulary.
type Outcome struct {
	Status           Status
	StepNumber       int
	TotalSteps       int
	NextStepRequired bool
	ContinuationID   string

	FileContext *filecontext.FileContext
	Allocation  *budget.Allocation

	// NextSteps is tool-defined guidance for the next call.
	NextSteps string

	// ExpertAnalysis is the external model's synthesis on a
	// complete_with_expert outcome. ExpertError carries a provider
	// failure as part of the result rather than failing the call, so a
	// partially successful run still returns a usable, annotated result.
	ExpertAnalysis string
	ExpertError    string
	ModelUsed      string

	ToolStatus ToolStatus
	Summary    *Summary

	// Verdicts carries consensus consultations accumulated so far.
	Verdicts []ModelVerdict

	// StorageWarning is set when a disk write failed; the in-memory
	// state is still correct but durability is degraded.
	StorageWarning string
}
