// Package workflow implements the generic step-by-step state machine that
// every investigation tool configures and drives.
//
// A tool supplies its identifier, next-step guidance, and an expert-prompt
// builder; the engine supplies step sequencing, persistence, confidence
// gating, backtracking, and file-context decisions. Tools never thread
// status strings through internal logic — the engine works on a closed set
// of outcomes and tools render their own vocabulary at the boundary.
package workflow

import "fmt"

// Confidence is the caller's self-assessed progress. It is advisory
// ordering for UI purposes only — the engine never rejects a decrease —
// but the terminal value short-circuits expert analysis.
type Confidence string

const (
	ConfidenceExploring Confidence = "exploring"
	ConfidenceLow       Confidence = "low"
	ConfidenceMedium    Confidence = "medium"
	ConfidenceHigh      Confidence = "high"
	ConfidenceVeryHigh  Confidence = "very_high"
	ConfidenceCertain   Confidence = "certain"
)

// confidenceRank orders the enum for display and comparisons.
var confidenceRank = map[Confidence]int{
	ConfidenceExploring: 0,
	ConfidenceLow:       1,
	ConfidenceMedium:    2,
	ConfidenceHigh:      3,
	ConfidenceVeryHigh:  4,
	ConfidenceCertain:   5,
}

// ParseConfidence normalizes a payload value. Empty defaults to exploring.
// Tool-specific terminal vocabulary ("complete") maps onto the single
// canonical terminal value here, at the boundary, rather than living as a
// near-duplicate enum member.
func ParseConfidence(s string) (Confidence, error) {
	switch s {
	case "":
		return ConfidenceExploring, nil
	case "complete":
		return ConfidenceCertain, nil
	}
	c := Confidence(s)
	if _, ok := confidenceRank[c]; !ok {
		return "", fmt.Errorf("%w: unknown confidence %q", ErrValidation, s)
	}
	return c, nil
}

// Terminal reports whether this confidence short-circuits expert analysis.
func (c Confidence) Terminal() bool { return c == ConfidenceCertain }

// Rank returns the display ordering of the confidence value.
func (c Confidence) Rank() int { return confidenceRank[c] }
