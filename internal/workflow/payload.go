package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation marks malformed step sequencing or missing required
// fields. Rejected before any mutation; thread state is left untouched.
var ErrValidation = errors.New("validation")

// Issue is one finding with a severity ranking.
type Issue struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// StepPayload is the engine-consumed portion of a step call, carried over
// whatever transport the protocol front-end uses.
type StepPayload struct {
	// Step is the caller's description of what this step investigates.
	Step string
	// StepNumber is the 1-based position; must be previous+1 unless
	// BacktrackFromStep is set.
	StepNumber int
	// TotalSteps is the caller's current estimate. Advisory — it may be
	// revised between steps, but never below StepNumber.
	TotalSteps int
	// NextStepRequired false marks the terminal step.
	NextStepRequired bool
	// Findings is the cumulative narrative; each step replaces the last.
	Findings string

	FilesChecked    []string
	RelevantFiles   []string
	RelevantContext []string
	IssuesFound     []Issue
	Confidence      Confidence
	// BacktrackFromStep, when > 0, marks steps at and after that number
	// as superseded and permits a step-number jump.
	BacktrackFromStep int
	// Model names the model for the expert-analysis pass (or, for
	// consensus tools, the model consulted at this step).
	Model string
	// ModelStance is consensus-specific: for | against | neutral.
	ModelStance string
}

// Validate checks the payload's own fields, independent of any thread
// state. It runs before a thread is resolved or created so a malformed
// payload never leaves an empty thread behind.
func (p *StepPayload) Validate() error {
	if strings.TrimSpace(p.Step) == "" {
		return fmt.Errorf("%w: 'step' is required", ErrValidation)
	}
	if strings.TrimSpace(p.Findings) == "" {
		return fmt.Errorf("%w: 'findings' is required", ErrValidation)
	}
	if p.StepNumber < 1 {
		return fmt.Errorf("%w: step_number %d must be >= 1", ErrValidation, p.StepNumber)
	}
	if p.TotalSteps < p.StepNumber {
		return fmt.Errorf("%w: total_steps %d must be >= step_number %d", ErrValidation, p.TotalSteps, p.StepNumber)
	}

	if p.Confidence != "" {
		conf, err := ParseConfidence(string(p.Confidence))
		if err != nil {
			return err
		}
		p.Confidence = conf
	}
	return nil
}

// CheckSequence validates step ordering against the thread's step ledger.
// lastStep is the step number of the previous call (0 for a fresh thread);
// highestStep is the highest step number the thread has ever seen.
// Sequencing resumes from lastStep, so after a backtracked redo of step N
// the natural next call is N+1 even when the thread once reached further.
func (p *StepPayload) CheckSequence(lastStep, highestStep int) error {
	if p.BacktrackFromStep > 0 {
		if p.BacktrackFromStep > highestStep {
			return fmt.Errorf("%w: backtrack_from_step %d exceeds highest step %d seen in this thread",
				ErrValidation, p.BacktrackFromStep, highestStep)
		}
		return nil
	}

	if p.StepNumber != lastStep+1 {
		return fmt.Errorf("%w: step_number %d, expected %d (previous + 1)",
			ErrValidation, p.StepNumber, lastStep+1)
	}
	return nil
}
