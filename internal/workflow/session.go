package workflow

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/threads"
)

// ModelVerdict is one consulted model's contribution to a consensus run.
type ModelVerdict struct {
	Model    string `json:"model"`
	Stance   string `json:"stance,omitempty"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SessionState is the derived, merged view of a workflow session. It is
// not persisted separately: it is reconstructed from a thread's turns plus
// the thread's step ledger, so a fresh process can resume any session its
// disk tier knows about.
type SessionState struct {
	StepNumber       int
	TotalSteps       int
	NextStepRequired bool
	// Findings is replaced (not appended) each step.
	Findings   string
	Confidence Confidence

	// Live views over the non-superseded steps, recomputed on every
	// merge. Sets union in first-seen order; issues append in step order.
	FilesChecked    []string
	RelevantFiles   []string
	RelevantContext []string
	IssuesFound     []Issue

	// Superseded marks step numbers discarded by backtracking. Their
	// turns remain in the physical log for audit; the final summary and
	// next-step guidance no longer reference them.
	Superseded map[int]bool

	// contributions keeps each step's own reported sets and issues so
	// the live views can be rebuilt when backtracking supersedes steps.
	contributions map[int]stepContribution

	// AccumulatedResponses collects per-step model verdicts for
	// consensus-style tools.
	AccumulatedResponses []ModelVerdict
}

type stepContribution struct {
	filesChecked    []string
	relevantFiles   []string
	relevantContext []string
	issues          []Issue
}

// NewSessionState returns an empty session.
func NewSessionState() *SessionState {
	return &SessionState{
		Superseded:    make(map[int]bool),
		contributions: make(map[int]stepContribution),
	}
}

// Merge folds a validated payload into the session. The semantics are
// explicit per field: findings replace, the tracked sets union, issues
// append, counters and confidence take the payload's values. Superseded
// steps contribute nothing to the live views.
func (s *SessionState) Merge(p StepPayload) {
	if p.BacktrackFromStep > 0 {
		// Steps at and after the backtrack point are superseded; the
		// narrative direction continues from the step before it.
		for n := p.BacktrackFromStep; n <= s.StepNumber; n++ {
			s.Superseded[n] = true
		}
	}
	// The executing step is live, whether a forward step, a backtracked
	// redo, or a re-walk over ground a backtrack discarded.
	delete(s.Superseded, p.StepNumber)

	s.StepNumber = p.StepNumber
	s.TotalSteps = p.TotalSteps
	s.NextStepRequired = p.NextStepRequired
	s.Findings = p.Findings
	if p.Confidence != "" {
		s.Confidence = p.Confidence
	}

	s.contributions[p.StepNumber] = stepContribution{
		filesChecked:    p.FilesChecked,
		relevantFiles:   p.RelevantFiles,
		relevantContext: p.RelevantContext,
		issues:          p.IssuesFound,
	}
	s.rebuildViews()
}

// rebuildViews recomputes the live sets and issue list from the
// non-superseded step contributions, in step order.
func (s *SessionState) rebuildViews() {
	steps := make([]int, 0, len(s.contributions))
	for n := range s.contributions {
		steps = append(steps, n)
	}
	sort.Ints(steps)

	s.FilesChecked = nil
	s.RelevantFiles = nil
	s.RelevantContext = nil
	s.IssuesFound = nil
	for _, n := range steps {
		if s.Superseded[n] {
			continue
		}
		c := s.contributions[n]
		s.FilesChecked = unionOrdered(s.FilesChecked, c.filesChecked)
		s.RelevantFiles = unionOrdered(s.RelevantFiles, c.relevantFiles)
		s.RelevantContext = unionOrdered(s.RelevantContext, c.relevantContext)
		s.IssuesFound = append(s.IssuesFound, c.issues...)
	}
}

// AddVerdict appends a consensus consultation result.
func (s *SessionState) AddVerdict(v ModelVerdict) {
	s.AccumulatedResponses = append(s.AccumulatedResponses, v)
}

// IssuesBySeverity aggregates issue counts for the status block.
func (s *SessionState) IssuesBySeverity() map[string]int {
	if len(s.IssuesFound) == 0 {
		return nil
	}
	out := make(map[string]int)
	for _, iss := range s.IssuesFound {
		sev := iss.Severity
		if sev == "" {
			sev = "unspecified"
		}
		out[sev]++
	}
	return out
}

// --- Turn rendering and session reconstruction ---
//
// Each step is persisted as a human-readable turn. The format doubles as
// the session's recovery record: replaying step turns in order rebuilds
// the merged state after a process restart.

const (
	stepLinePrefix      = "step "
	confidenceLine      = "confidence: "
	filesCheckedLine    = "files_checked: "
	relevantFilesLine   = "relevant_files: "
	relevantContextLine = "relevant_context: "
	issueLinePrefix     = "issue: "
	backtrackLine       = "backtrack_from: "
	stanceLine          = "stance: "
	findingsLine        = "findings:"

	// embeddedMarker separates the step record from file content embedded
	// into the same turn. The content below it is part of the durable
	// history handed to models but never part of the replayed findings.
	embeddedMarker = "=== embedded files ==="
)

// RenderStepTurn serializes a payload as the content of its thread turn.
func RenderStepTurn(p StepPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%d/%d", stepLinePrefix, p.StepNumber, p.TotalSteps)
	if !p.NextStepRequired {
		b.WriteString(" (final)")
	}
	b.WriteString("\n")
	if p.Confidence != "" {
		fmt.Fprintf(&b, "%s%s\n", confidenceLine, p.Confidence)
	}
	if p.BacktrackFromStep > 0 {
		fmt.Fprintf(&b, "%s%d\n", backtrackLine, p.BacktrackFromStep)
	}
	if len(p.FilesChecked) > 0 {
		fmt.Fprintf(&b, "%s%s\n", filesCheckedLine, strings.Join(p.FilesChecked, ", "))
	}
	if len(p.RelevantFiles) > 0 {
		fmt.Fprintf(&b, "%s%s\n", relevantFilesLine, strings.Join(p.RelevantFiles, ", "))
	}
	if len(p.RelevantContext) > 0 {
		fmt.Fprintf(&b, "%s%s\n", relevantContextLine, strings.Join(p.RelevantContext, ", "))
	}
	for _, iss := range p.IssuesFound {
		fmt.Fprintf(&b, "%s%s: %s\n", issueLinePrefix, iss.Severity, strings.ReplaceAll(iss.Description, "\n", " "))
	}
	if p.ModelStance != "" {
		fmt.Fprintf(&b, "%s%s\n", stanceLine, p.ModelStance)
	}
	fmt.Fprintf(&b, "%s\n%s", findingsLine, p.Findings)
	return b.String()
}

// RebuildSession reconstructs the merged session state by replaying the
// step turns of a thread in append order. Turns that do not parse as step
// records (expert responses, consensus verdicts) are skipped.
func RebuildSession(t *threads.Thread) *SessionState {
	s := NewSessionState()
	for _, turn := range t.Turns {
		if turn.Role != threads.RoleUser {
			continue
		}
		p, ok := parseStepTurn(turn.Content)
		if !ok {
			continue
		}
		s.Merge(p)
	}
	return s
}

// parseStepTurn is the inverse of RenderStepTurn, tolerant of the lossy
// transcript round-trip.
func parseStepTurn(content string) (StepPayload, bool) {
	var p StepPayload
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], stepLinePrefix) {
		return p, false
	}

	head := strings.TrimPrefix(lines[0], stepLinePrefix)
	if strings.HasSuffix(head, " (final)") {
		head = strings.TrimSuffix(head, " (final)")
	} else {
		p.NextStepRequired = true
	}
	num, total, ok := strings.Cut(head, "/")
	if !ok {
		return p, false
	}
	var err error
	if p.StepNumber, err = strconv.Atoi(num); err != nil {
		return p, false
	}
	if p.TotalSteps, err = strconv.Atoi(total); err != nil {
		return p, false
	}

	inFindings := false
	var findings []string
	for _, line := range lines[1:] {
		if inFindings {
			if line == embeddedMarker {
				break
			}
			findings = append(findings, line)
			continue
		}
		switch {
		case line == findingsLine:
			inFindings = true
		case strings.HasPrefix(line, confidenceLine):
			p.Confidence = Confidence(strings.TrimPrefix(line, confidenceLine))
		case strings.HasPrefix(line, backtrackLine):
			p.BacktrackFromStep, _ = strconv.Atoi(strings.TrimPrefix(line, backtrackLine))
		case strings.HasPrefix(line, filesCheckedLine):
			p.FilesChecked = splitList(strings.TrimPrefix(line, filesCheckedLine))
		case strings.HasPrefix(line, relevantFilesLine):
			p.RelevantFiles = splitList(strings.TrimPrefix(line, relevantFilesLine))
		case strings.HasPrefix(line, relevantContextLine):
			p.RelevantContext = splitList(strings.TrimPrefix(line, relevantContextLine))
		case strings.HasPrefix(line, stanceLine):
			p.ModelStance = strings.TrimPrefix(line, stanceLine)
		case strings.HasPrefix(line, issueLinePrefix):
			sev, desc, ok := strings.Cut(strings.TrimPrefix(line, issueLinePrefix), ": ")
			if ok {
				p.IssuesFound = append(p.IssuesFound, Issue{Severity: sev, Description: desc})
			}
		}
	}
	p.Step = fmt.Sprintf("step %d (replayed)", p.StepNumber)
	p.Findings = strings.Join(findings, "\n")
	return p, true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ", ") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// unionOrdered merges b into a, preserving first-seen order.
func unionOrdered(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, v := range a {
		seen[v] = true
	}
	for _, v := range b {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		a = append(a, v)
	}
	return a
}
