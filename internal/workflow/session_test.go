package workflow

import (
	"errors"
	"reflect"
	"testing"

	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/threads"
)

func TestParseConfidence(t *testing.T) {
	cases := []struct {
		in   string
		want Confidence
		err  bool
	}{
		{"", ConfidenceExploring, false},
		{"exploring", ConfidenceExploring, false},
		{"medium", ConfidenceMedium, false},
		{"very_high", ConfidenceVeryHigh, false},
		{"certain", ConfidenceCertain, false},
		{"complete", ConfidenceCertain, false},
		{"sure", "", true},
	}
	for _, tc := range cases {
		got, err := ParseConfidence(tc.in)
		if tc.err {
			if !errors.Is(err, ErrValidation) {
				t.Errorf("ParseConfidence(%q) err = %v, want ErrValidation", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseConfidence(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseConfidence(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestConfidence_Terminal(t *testing.T) {
	if ConfidenceVeryHigh.Terminal() {
		t.Error("very_high must not be terminal")
	}
	if !ConfidenceCertain.Terminal() {
		t.Error("certain must be terminal")
	}
}

func TestStepPayload_Validate(t *testing.T) {
	base := func() StepPayload {
		return StepPayload{Step: "look at the cache", StepNumber: 2, TotalSteps: 3, Findings: "something"}
	}

	p := base()
	if err := p.Validate(); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	p = base()
	p.Step = "  "
	if err := p.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("empty step: err = %v", err)
	}

	p = base()
	p.Findings = ""
	if err := p.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("empty findings: err = %v", err)
	}

	p = base()
	p.TotalSteps = 1
	if err := p.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("total below step number: err = %v", err)
	}

	p = base()
	p.Confidence = "definitely"
	if err := p.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown confidence: err = %v", err)
	}

	p = base()
	p.Confidence = "complete"
	if err := p.Validate(); err != nil {
		t.Fatalf("complete confidence rejected: %v", err)
	}
	if p.Confidence != ConfidenceCertain {
		t.Errorf("confidence = %q, want normalized to certain", p.Confidence)
	}
}

func TestStepPayload_CheckSequence(t *testing.T) {
	base := func() StepPayload {
		return StepPayload{Step: "look at the cache", StepNumber: 2, TotalSteps: 3, Findings: "something"}
	}

	p := base()
	if err := p.CheckSequence(1, 1); err != nil {
		t.Fatalf("sequential step rejected: %v", err)
	}

	p = base()
	if err := p.CheckSequence(3, 3); !errors.Is(err, ErrValidation) {
		t.Errorf("step number not previous+1: err = %v", err)
	}

	// Backtracking permits a jump back.
	p = base()
	p.BacktrackFromStep = 2
	if err := p.CheckSequence(3, 3); err != nil {
		t.Errorf("valid backtrack rejected: %v", err)
	}

	p = base()
	p.BacktrackFromStep = 4
	if err := p.CheckSequence(3, 3); !errors.Is(err, ErrValidation) {
		t.Errorf("backtrack beyond highest: err = %v", err)
	}

	// After a backtracked redo of step 2, sequencing continues from the
	// redone step even though step 3 was once recorded.
	p = base()
	p.StepNumber = 3
	if err := p.CheckSequence(2, 3); err != nil {
		t.Errorf("resume after backtrack rejected: %v", err)
	}
}

func TestSessionState_MergeAccumulates(t *testing.T) {
	s := NewSessionState()
	s.Merge(StepPayload{
		StepNumber: 1, TotalSteps: 3, NextStepRequired: true,
		Findings:        "initial pass",
		FilesChecked:    []string{"a.go", "b.go"},
		RelevantFiles:   []string{"a.go"},
		RelevantContext: []string{"Store.Get"},
		Confidence:      ConfidenceLow,
	})
	s.Merge(StepPayload{
		StepNumber: 2, TotalSteps: 3, NextStepRequired: true,
		Findings:        "narrowed to eviction",
		FilesChecked:    []string{"b.go", "c.go"},
		RelevantFiles:   []string{"c.go"},
		RelevantContext: []string{"Store.Get", "Store.evict"},
		IssuesFound:     []Issue{{Severity: "high", Description: "race"}},
		Confidence:      ConfidenceHigh,
	})

	if s.Findings != "narrowed to eviction" {
		t.Errorf("findings = %q, want replacement semantics", s.Findings)
	}
	if want := []string{"a.go", "b.go", "c.go"}; !reflect.DeepEqual(s.FilesChecked, want) {
		t.Errorf("files checked = %v, want %v", s.FilesChecked, want)
	}
	if want := []string{"Store.Get", "Store.evict"}; !reflect.DeepEqual(s.RelevantContext, want) {
		t.Errorf("relevant context = %v, want %v", s.RelevantContext, want)
	}
	if s.Confidence != ConfidenceHigh {
		t.Errorf("confidence = %q", s.Confidence)
	}
	if len(s.IssuesFound) != 1 {
		t.Errorf("issues = %d, want 1", len(s.IssuesFound))
	}
}

func TestSessionState_ConfidenceMayDecrease(t *testing.T) {
	s := NewSessionState()
	s.Merge(StepPayload{StepNumber: 1, TotalSteps: 2, Findings: "x", Confidence: ConfidenceHigh})
	s.Merge(StepPayload{StepNumber: 2, TotalSteps: 2, Findings: "y", Confidence: ConfidenceLow})
	if s.Confidence != ConfidenceLow {
		t.Errorf("confidence = %q, want low (decrease is legal)", s.Confidence)
	}
}

func TestSessionState_BacktrackSupersedes(t *testing.T) {
	s := NewSessionState()
	for n := 1; n <= 3; n++ {
		s.Merge(StepPayload{StepNumber: n, TotalSteps: 4, NextStepRequired: true, Findings: "f"})
	}
	s.Merge(StepPayload{StepNumber: 2, TotalSteps: 4, NextStepRequired: true, Findings: "redo", BacktrackFromStep: 2})

	if s.Superseded[1] {
		t.Error("step 1 must stay live")
	}
	if !s.Superseded[3] {
		t.Error("step 3 must be superseded")
	}
	if s.Superseded[2] {
		t.Error("the re-done step 2 must be live again")
	}
	if s.StepNumber != 2 {
		t.Errorf("step number = %d, want 2", s.StepNumber)
	}
}

func TestSessionState_BacktrackDropsSupersededContributions(t *testing.T) {
	s := NewSessionState()
	s.Merge(StepPayload{
		StepNumber: 1, TotalSteps: 3, NextStepRequired: true, Findings: "baseline",
		RelevantFiles:   []string{"auth.go"},
		RelevantContext: []string{"Login"},
	})
	s.Merge(StepPayload{
		StepNumber: 2, TotalSteps: 3, NextStepRequired: true, Findings: "wrong turn",
		RelevantFiles:   []string{"cache.go"},
		RelevantContext: []string{"Cache.Get"},
		IssuesFound:     []Issue{{Severity: "high", Description: "cache poisoning"}},
	})
	s.Merge(StepPayload{
		StepNumber: 2, TotalSteps: 3, NextStepRequired: true, Findings: "correct path",
		BacktrackFromStep: 2,
		RelevantFiles:     []string{"session.go"},
		RelevantContext:   []string{"Session.Refresh"},
		IssuesFound:       []Issue{{Severity: "low", Description: "stale refresh"}},
	})

	if want := []string{"auth.go", "session.go"}; !reflect.DeepEqual(s.RelevantFiles, want) {
		t.Errorf("relevant files = %v, want %v", s.RelevantFiles, want)
	}
	if want := []string{"Login", "Session.Refresh"}; !reflect.DeepEqual(s.RelevantContext, want) {
		t.Errorf("relevant context = %v, want %v", s.RelevantContext, want)
	}
	if len(s.IssuesFound) != 1 || s.IssuesFound[0].Description != "stale refresh" {
		t.Errorf("issues = %v, want only the redone step's issue", s.IssuesFound)
	}
	if got := s.IssuesBySeverity(); got["high"] != 0 || got["low"] != 1 {
		t.Errorf("severity counts = %v, superseded issue must not appear", got)
	}
}

func TestRenderStepTurn_RoundTrip(t *testing.T) {
	p := StepPayload{
		Step:              "inspect the sweeper",
		StepNumber:        3,
		TotalSteps:        5,
		NextStepRequired:  true,
		Findings:          "sweeper holds the lock\nacross the disk write",
		FilesChecked:      []string{"store.go", "disk.go"},
		RelevantFiles:     []string{"store.go"},
		RelevantContext:   []string{"FileStore.sweep"},
		IssuesFound:       []Issue{{Severity: "medium", Description: "lock held during IO"}},
		Confidence:        ConfidenceMedium,
		BacktrackFromStep: 2,
		ModelStance:       "neutral",
	}

	got, ok := parseStepTurn(RenderStepTurn(p))
	if !ok {
		t.Fatal("rendered turn did not parse back")
	}
	if got.StepNumber != 3 || got.TotalSteps != 5 || !got.NextStepRequired {
		t.Fatalf("header fields = %d/%d required=%v", got.StepNumber, got.TotalSteps, got.NextStepRequired)
	}
	if got.Findings != p.Findings {
		t.Errorf("findings = %q, want %q", got.Findings, p.Findings)
	}
	if got.Confidence != ConfidenceMedium {
		t.Errorf("confidence = %q", got.Confidence)
	}
	if got.BacktrackFromStep != 2 {
		t.Errorf("backtrack = %d", got.BacktrackFromStep)
	}
	if !reflect.DeepEqual(got.FilesChecked, p.FilesChecked) {
		t.Errorf("files checked = %v", got.FilesChecked)
	}
	if len(got.IssuesFound) != 1 || got.IssuesFound[0].Severity != "medium" {
		t.Errorf("issues = %v", got.IssuesFound)
	}
	if got.ModelStance != "neutral" {
		t.Errorf("stance = %q", got.ModelStance)
	}
}

func TestRenderStepTurn_FinalMarker(t *testing.T) {
	p := StepPayload{Step: "wrap up", StepNumber: 2, TotalSteps: 2, Findings: "done"}
	got, ok := parseStepTurn(RenderStepTurn(p))
	if !ok {
		t.Fatal("rendered turn did not parse back")
	}
	if got.NextStepRequired {
		t.Error("final step parsed as requiring another step")
	}
}

func TestParseStepTurn_StopsAtEmbeddedContent(t *testing.T) {
	content := RenderStepTurn(StepPayload{
		Step: "read the config", StepNumber: 1, TotalSteps: 2, NextStepRequired: true,
		Findings: "config is parsed twice",
	})
	content += "\n" + embeddedMarker + "\n--- config.go ---\npackage config\n"

	got, ok := parseStepTurn(content)
	if !ok {
		t.Fatal("turn with embedded content did not parse")
	}
	if got.Findings != "config is parsed twice" {
		t.Errorf("findings = %q, embedded content leaked into the replay", got.Findings)
	}
}

func TestRebuildSession_SkipsNonStepTurns(t *testing.T) {
	thread := &threads.Thread{
		Turns: []threads.Turn{
			{Role: threads.RoleUser, Content: RenderStepTurn(StepPayload{
				Step: "first", StepNumber: 1, TotalSteps: 2, NextStepRequired: true,
				Findings: "hypothesis", RelevantContext: []string{"Engine.AdvanceStep"},
			})},
			{Role: threads.RoleAssistant, Content: "expert verdict text"},
			{Role: threads.RoleUser, Content: RenderStepTurn(StepPayload{
				Step: "second", StepNumber: 2, TotalSteps: 2,
				Findings: "confirmed", Confidence: ConfidenceHigh,
			})},
		},
	}

	s := RebuildSession(thread)
	if s.StepNumber != 2 {
		t.Errorf("step number = %d, want 2", s.StepNumber)
	}
	if s.Findings != "confirmed" {
		t.Errorf("findings = %q", s.Findings)
	}
	if s.Confidence != ConfidenceHigh {
		t.Errorf("confidence = %q", s.Confidence)
	}
	if len(s.RelevantContext) != 1 {
		t.Errorf("relevant context = %v", s.RelevantContext)
	}
}

func TestIssuesBySeverity(t *testing.T) {
	s := NewSessionState()
	s.IssuesFound = []Issue{
		{Severity: "high", Description: "a"},
		{Severity: "high", Description: "b"},
		{Severity: "low", Description: "c"},
		{Description: "d"},
	}
	got := s.IssuesBySeverity()
	if got["high"] != 2 || got["low"] != 1 || got["unspecified"] != 1 {
		t.Errorf("severity counts = %v", got)
	}
}
