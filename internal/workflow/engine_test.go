package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/budget"
	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/filecontext"
	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/providers"
	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/threads"
)

// --- fakes ---

type fakeCaller struct {
	resolveErr error
	canonical  string
	window     int

	reply  string
	genErr error

	generateCalls int
	lastRequest   providers.GenerateRequest
}

func (f *fakeCaller) Resolve(requested string) (*providers.Resolution, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	canonical := f.canonical
	if canonical == "" {
		canonical = "claude-sonnet-4-5"
	}
	window := f.window
	if window == 0 {
		window = 200_000
	}
	return &providers.Resolution{Canonical: canonical, ContextWindow: window}, nil
}

func (f *fakeCaller) Generate(_ context.Context, _ *providers.Resolution, req providers.GenerateRequest) (string, error) {
	f.generateCalls++
	f.lastRequest = req
	if f.genErr != nil {
		return "", f.genErr
	}
	return f.reply, nil
}

type stubTool struct{ name string }

func (s stubTool) Name() string { return s.name }

func (s stubTool) NextSteps(state *SessionState) string {
	return fmt.Sprintf("continue investigating after step %d", state.StepNumber)
}

func (s stubTool) ExpertPrompt(state *SessionState) (string, string) {
	return "you are an expert reviewer", "validate these findings:\n" + state.Findings
}

type stubConsensus struct{ stubTool }

func (s stubConsensus) ConsultPrompt(state *SessionState, p StepPayload) (string, string) {
	return "take a stance", p.Findings
}

func (s stubConsensus) Synthesize(state *SessionState) string {
	var b strings.Builder
	b.WriteString("synthesis of ")
	fmt.Fprintf(&b, "%d verdicts", len(state.AccumulatedResponses))
	return b.String()
}

func newTestEngine(t *testing.T) (*Engine, *threads.FileStore, *fakeCaller) {
	t.Helper()
	store := threads.NewFileStore(threads.Config{Dir: t.TempDir()})
	t.Cleanup(func() { store.Close() })
	caller := &fakeCaller{reply: "expert verdict: sound"}
	eng := NewEngine(store, filecontext.NewOptimizer(store), caller)
	return eng, store, caller
}

func step(n, total int, required bool) StepPayload {
	return StepPayload{
		Step:             fmt.Sprintf("step %d instructions", n),
		StepNumber:       n,
		TotalSteps:       total,
		NextStepRequired: required,
		Findings:         fmt.Sprintf("findings for step %d", n),
	}
}

// --- tests ---

func TestEngine_FirstStepCreatesThread(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	out, err := eng.AdvanceStep(context.Background(), stubTool{name: "debug"}, "", step(1, 3, true))
	if err != nil {
		t.Fatalf("AdvanceStep: %v", err)
	}
	if out.Status != StatusInProgress {
		t.Fatalf("status = %q, want %q", out.Status, StatusInProgress)
	}
	if out.ContinuationID == "" {
		t.Fatal("expected a continuation id on the first step")
	}
	if out.NextSteps == "" {
		t.Fatal("expected next-step guidance on an intermediate step")
	}
	if out.FileContext == nil || out.FileContext.Type != filecontext.ReferenceOnly {
		t.Fatalf("intermediate step file context = %+v, want reference_only", out.FileContext)
	}

	thread, err := store.Get(out.ContinuationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if thread.ToolName != "debug" {
		t.Fatalf("thread tool = %q, want debug", thread.ToolName)
	}
	if thread.TurnCount() != 1 {
		t.Fatalf("turn count = %d, want 1", thread.TurnCount())
	}
	if thread.HighestStep != 1 {
		t.Fatalf("highest step = %d, want 1", thread.HighestStep)
	}
}

func TestEngine_ThreeStepRunWithExpert(t *testing.T) {
	eng, store, caller := newTestEngine(t)
	tool := stubTool{name: "debug"}
	ctx := context.Background()

	out, err := eng.AdvanceStep(ctx, tool, "", step(1, 3, true))
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}
	id := out.ContinuationID

	p2 := step(2, 3, true)
	p2.Confidence = "medium"
	p2.RelevantContext = []string{"cache.Get", "cache.evict"}
	if _, err := eng.AdvanceStep(ctx, tool, id, p2); err != nil {
		t.Fatalf("step 2: %v", err)
	}

	p3 := step(3, 3, false)
	p3.Confidence = "high"
	p3.Findings = "root cause: eviction races with read-through fill"
	out, err = eng.AdvanceStep(ctx, tool, id, p3)
	if err != nil {
		t.Fatalf("step 3: %v", err)
	}

	if out.Status != StatusCompleteWithExpert {
		t.Fatalf("status = %q, want %q", out.Status, StatusCompleteWithExpert)
	}
	if out.ExpertAnalysis != "expert verdict: sound" {
		t.Fatalf("expert analysis = %q", out.ExpertAnalysis)
	}
	if out.ExpertError != "" {
		t.Fatalf("unexpected expert error %q", out.ExpertError)
	}
	if caller.generateCalls != 1 {
		t.Fatalf("generate calls = %d, want 1", caller.generateCalls)
	}
	if !strings.Contains(caller.lastRequest.Prompt, "eviction races") {
		t.Fatalf("expert prompt missing findings: %q", caller.lastRequest.Prompt)
	}
	if !strings.Contains(caller.lastRequest.Prompt, "CONVERSATION HISTORY") {
		t.Fatal("expert prompt missing conversation history block")
	}
	if out.Allocation == nil || out.Allocation.ReplayTurns == 0 {
		t.Fatalf("allocation = %+v, want replay turns > 0", out.Allocation)
	}
	if out.Summary == nil || out.Summary.Narrative != p3.Findings {
		t.Fatalf("summary = %+v", out.Summary)
	}

	// Step turns plus the expert response turn.
	thread, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if thread.TurnCount() != 4 {
		t.Fatalf("turn count = %d, want 4", thread.TurnCount())
	}
	last := thread.Turns[len(thread.Turns)-1]
	if last.Role != threads.RoleAssistant || last.Content != "expert verdict: sound" {
		t.Fatalf("last turn = %+v", last)
	}
}

func TestEngine_CertainConfidenceSkipsExpert(t *testing.T) {
	eng, _, caller := newTestEngine(t)
	tool := stubTool{name: "debug"}
	ctx := context.Background()

	out, err := eng.AdvanceStep(ctx, tool, "", step(1, 2, true))
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}

	p2 := step(2, 2, false)
	p2.Confidence = "certain"
	p2.RelevantFiles = []string{"/no/such/file.go"}
	out, err = eng.AdvanceStep(ctx, tool, out.ContinuationID, p2)
	if err != nil {
		t.Fatalf("step 2: %v", err)
	}

	if out.Status != StatusCompleteSkipExpert {
		t.Fatalf("status = %q, want %q", out.Status, StatusCompleteSkipExpert)
	}
	if caller.generateCalls != 0 {
		t.Fatalf("generate calls = %d, want 0 when confidence is certain", caller.generateCalls)
	}
	if out.Summary == nil {
		t.Fatal("expected a summary on a terminal step")
	}
	// No expert consumer means no embedding.
	if out.FileContext.Type != filecontext.ReferenceOnly {
		t.Fatalf("file context type = %q, want reference_only", out.FileContext.Type)
	}
	if out.ExpertAnalysis != "" || out.ExpertError != "" {
		t.Fatalf("expert fields should be empty, got %q / %q", out.ExpertAnalysis, out.ExpertError)
	}
}

func TestEngine_CompleteConfidenceMapsToCertain(t *testing.T) {
	eng, _, caller := newTestEngine(t)

	p := step(1, 1, false)
	p.Confidence = "complete"
	out, err := eng.AdvanceStep(context.Background(), stubTool{name: "debug"}, "", p)
	if err != nil {
		t.Fatalf("AdvanceStep: %v", err)
	}
	if out.Status != StatusCompleteSkipExpert {
		t.Fatalf("status = %q, want %q", out.Status, StatusCompleteSkipExpert)
	}
	if caller.generateCalls != 0 {
		t.Fatalf("generate calls = %d, want 0", caller.generateCalls)
	}
}

func TestEngine_ExpertFailureStaysInResult(t *testing.T) {
	eng, store, caller := newTestEngine(t)
	caller.genErr = errors.New("model endpoint unreachable")

	out, err := eng.AdvanceStep(context.Background(), stubTool{name: "debug"}, "", step(1, 1, false))
	if err != nil {
		t.Fatalf("AdvanceStep: %v", err)
	}
	if out.Status != StatusCompleteWithExpert {
		t.Fatalf("status = %q, want %q", out.Status, StatusCompleteWithExpert)
	}
	if !strings.Contains(out.ExpertError, "unreachable") {
		t.Fatalf("expert error = %q", out.ExpertError)
	}
	if out.Summary == nil {
		t.Fatal("a failed expert call must still return the session summary")
	}

	// The step turn was committed before the provider call.
	thread, err := store.Get(out.ContinuationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if thread.TurnCount() != 1 {
		t.Fatalf("turn count = %d, want 1", thread.TurnCount())
	}
}

func TestEngine_BacktrackRedoesStep(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	tool := stubTool{name: "debug"}
	ctx := context.Background()

	out, err := eng.AdvanceStep(ctx, tool, "", step(1, 4, true))
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}
	id := out.ContinuationID
	if _, err := eng.AdvanceStep(ctx, tool, id, step(2, 4, true)); err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if _, err := eng.AdvanceStep(ctx, tool, id, step(3, 4, true)); err != nil {
		t.Fatalf("step 3: %v", err)
	}

	redo := step(2, 4, true)
	redo.BacktrackFromStep = 2
	redo.Findings = "revised hypothesis"
	out, err = eng.AdvanceStep(ctx, tool, id, redo)
	if err != nil {
		t.Fatalf("backtrack step: %v", err)
	}
	if out.Status != StatusInProgress {
		t.Fatalf("status = %q", out.Status)
	}

	// Nothing is deleted: the redo appends a new turn.
	thread, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if thread.TurnCount() != 4 {
		t.Fatalf("turn count = %d, want 4", thread.TurnCount())
	}
	if thread.HighestStep != 3 {
		t.Fatalf("highest step = %d, want 3", thread.HighestStep)
	}
}

func TestEngine_StepAfterBacktrackResumesFromRedo(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	tool := stubTool{name: "debug"}
	ctx := context.Background()

	out, err := eng.AdvanceStep(ctx, tool, "", step(1, 4, true))
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}
	id := out.ContinuationID
	if _, err := eng.AdvanceStep(ctx, tool, id, step(2, 4, true)); err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if _, err := eng.AdvanceStep(ctx, tool, id, step(3, 4, true)); err != nil {
		t.Fatalf("step 3: %v", err)
	}

	redo := step(2, 4, true)
	redo.BacktrackFromStep = 2
	if _, err := eng.AdvanceStep(ctx, tool, id, redo); err != nil {
		t.Fatalf("backtrack step: %v", err)
	}

	// Sequencing continues from the redone step, not from the abandoned
	// high-water mark: the next step is 3 again, and 4 is out of order.
	if _, err := eng.AdvanceStep(ctx, tool, id, step(4, 4, true)); !errors.Is(err, ErrValidation) {
		t.Fatalf("step 4 after redo of 2: err = %v, want ErrValidation", err)
	}
	if _, err := eng.AdvanceStep(ctx, tool, id, step(3, 4, true)); err != nil {
		t.Fatalf("step 3 after redo of 2: %v", err)
	}

	thread, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if thread.LastStep != 3 || thread.HighestStep != 3 {
		t.Fatalf("LastStep = %d, HighestStep = %d, want 3 and 3", thread.LastStep, thread.HighestStep)
	}
}

func TestEngine_BacktrackBeyondHighestStepRejected(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	tool := stubTool{name: "debug"}
	ctx := context.Background()

	out, err := eng.AdvanceStep(ctx, tool, "", step(1, 3, true))
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}

	bad := step(2, 3, true)
	bad.BacktrackFromStep = 5
	if _, err := eng.AdvanceStep(ctx, tool, out.ContinuationID, bad); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}

	// Rejected before any mutation: the thread is unchanged.
	thread, err := store.Get(out.ContinuationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if thread.TurnCount() != 1 {
		t.Fatalf("turn count = %d, want 1 after rejection", thread.TurnCount())
	}
	if thread.HighestStep != 1 {
		t.Fatalf("highest step = %d, want 1 after rejection", thread.HighestStep)
	}
}

func TestEngine_SkippedStepNumberRejected(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	tool := stubTool{name: "debug"}
	ctx := context.Background()

	out, err := eng.AdvanceStep(ctx, tool, "", step(1, 4, true))
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if _, err := eng.AdvanceStep(ctx, tool, out.ContinuationID, step(3, 4, true)); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestEngine_InvalidFirstPayloadCreatesNoThread(t *testing.T) {
	dir := t.TempDir()
	store := threads.NewFileStore(threads.Config{Dir: dir})
	t.Cleanup(func() { store.Close() })
	eng := NewEngine(store, filecontext.NewOptimizer(store), &fakeCaller{})

	p := step(1, 3, true)
	p.Findings = ""
	if _, err := eng.AdvanceStep(context.Background(), stubTool{name: "debug"}, "", p); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty findings: err = %v, want ErrValidation", err)
	}
	if _, err := eng.AdvanceStep(context.Background(), stubTool{name: "debug"}, "", step(2, 3, true)); !errors.Is(err, ErrValidation) {
		t.Fatalf("opening with step 2: err = %v, want ErrValidation", err)
	}

	// Rejected before thread resolution: no transcript was created.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("storage dir has %d entries, want none after a rejected payload", len(entries))
	}
}

func TestEngine_ConcurrentDuplicateStepAdvancesOnce(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	tool := stubTool{name: "debug"}
	ctx := context.Background()

	out, err := eng.AdvanceStep(ctx, tool, "", step(1, 3, true))
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}
	id := out.ContinuationID

	// A retrying client can deliver the same step twice in flight. The
	// per-thread lock makes exactly one advance the session; the rest
	// fail sequence validation instead of corrupting shared state.
	errs := make(chan error, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.AdvanceStep(ctx, tool, id, step(2, 3, true))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, rejected int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrValidation):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || rejected != 3 {
		t.Fatalf("succeeded = %d, rejected = %d, want exactly one success", succeeded, rejected)
	}
}

func TestEngine_SessionCachePrunesDeadThreads(t *testing.T) {
	// Memory-only store with room for one thread: creating a second
	// evicts the first with no disk tier to reload it from.
	store := threads.NewFileStore(threads.Config{MaxEntries: 1})
	t.Cleanup(func() { store.Close() })
	eng := NewEngine(store, filecontext.NewOptimizer(store), &fakeCaller{})
	eng.maxSessions = 1
	tool := stubTool{name: "debug"}
	ctx := context.Background()

	first, err := eng.AdvanceStep(ctx, tool, "", step(1, 2, true))
	if err != nil {
		t.Fatalf("first thread: %v", err)
	}
	second, err := eng.AdvanceStep(ctx, tool, "", step(1, 2, true))
	if err != nil {
		t.Fatalf("second thread: %v", err)
	}

	eng.mu.Lock()
	_, firstCached := eng.sessions[first.ContinuationID]
	_, secondCached := eng.sessions[second.ContinuationID]
	size := len(eng.sessions)
	eng.mu.Unlock()
	if firstCached {
		t.Error("session for the evicted thread should have been pruned")
	}
	if !secondCached || size != 1 {
		t.Errorf("cache has %d entries, want only the live thread", size)
	}
}

func TestEngine_UnknownContinuationID(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	_, err := eng.AdvanceStep(context.Background(), stubTool{name: "debug"}, "no-such-thread", step(1, 2, true))
	if !errors.Is(err, threads.ErrThreadNotFound) {
		t.Fatalf("err = %v, want ErrThreadNotFound", err)
	}
}

func TestEngine_CrossToolContinuationBranchesChild(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	out, err := eng.AdvanceStep(ctx, stubTool{name: "debug"}, "", step(1, 1, false))
	if err != nil {
		t.Fatalf("debug step: %v", err)
	}
	debugID := out.ContinuationID

	out, err = eng.AdvanceStep(ctx, stubTool{name: "codereview"}, debugID, step(1, 2, true))
	if err != nil {
		t.Fatalf("codereview step: %v", err)
	}
	if out.ContinuationID == debugID {
		t.Fatal("cross-tool continuation must branch a new thread")
	}

	child, err := store.Get(out.ContinuationID)
	if err != nil {
		t.Fatalf("Get child: %v", err)
	}
	if child.ParentID != debugID {
		t.Fatalf("child parent = %q, want %q", child.ParentID, debugID)
	}
	if child.ToolName != "codereview" {
		t.Fatalf("child tool = %q", child.ToolName)
	}

	chain, err := store.Chain(out.ContinuationID)
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2", len(chain))
	}
}

func TestEngine_OversizedPayloadRejected(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	eng.SetInputCeiling(10)

	p := step(1, 1, false)
	p.Findings = strings.Repeat("x", 200)
	_, err := eng.AdvanceStep(context.Background(), stubTool{name: "debug"}, "", p)
	if !errors.Is(err, budget.ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
}

func TestEngine_HistoryNeverCountsAgainstCeiling(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	eng.SetInputCeiling(100)
	tool := stubTool{name: "debug"}
	ctx := context.Background()

	first := step(1, 2, true)
	first.Findings = strings.Repeat("history payload ", 20)
	out, err := eng.AdvanceStep(ctx, tool, "", first)
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}

	// Tiny follow-up after a large first step must still pass.
	small := step(2, 2, false)
	small.Confidence = "certain"
	if _, err := eng.AdvanceStep(ctx, tool, out.ContinuationID, small); err != nil {
		t.Fatalf("step 2: %v", err)
	}
}

func TestEngine_SessionRebuiltAfterRestart(t *testing.T) {
	dir := t.TempDir()
	store := threads.NewFileStore(threads.Config{Dir: dir})
	caller := &fakeCaller{reply: "ok"}
	eng := NewEngine(store, filecontext.NewOptimizer(store), caller)
	ctx := context.Background()
	tool := stubTool{name: "debug"}

	p1 := step(1, 2, true)
	p1.Confidence = "medium"
	p1.RelevantContext = []string{"parser.next"}
	out, err := eng.AdvanceStep(ctx, tool, "", p1)
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}
	id := out.ContinuationID
	store.Close()

	// Fresh store and engine over the same directory.
	store2 := threads.NewFileStore(threads.Config{Dir: dir})
	defer store2.Close()
	eng2 := NewEngine(store2, filecontext.NewOptimizer(store2), caller)

	p2 := step(2, 2, false)
	p2.Confidence = "high"
	out, err = eng2.AdvanceStep(ctx, tool, id, p2)
	if err != nil {
		t.Fatalf("step 2 after restart: %v", err)
	}
	if out.Status != StatusCompleteWithExpert {
		t.Fatalf("status = %q", out.Status)
	}
	if out.ToolStatus.RelevantContextCount != 1 {
		t.Fatalf("relevant context count = %d, want 1 (rebuilt from disk)", out.ToolStatus.RelevantContextCount)
	}
}

func TestEngine_ConsensusConsultsPerStep(t *testing.T) {
	eng, store, caller := newTestEngine(t)
	caller.reply = "stance taken: feasible with caveats"
	tool := stubConsensus{stubTool{name: "consensus"}}
	ctx := context.Background()

	p1 := step(1, 2, true)
	p1.Model = "claude-sonnet-4-5"
	p1.ModelStance = "for"
	out, err := eng.AdvanceStep(ctx, tool, "", p1)
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if caller.generateCalls != 1 {
		t.Fatalf("generate calls = %d, want 1 per-step consultation", caller.generateCalls)
	}
	if len(out.Verdicts) != 1 {
		t.Fatalf("verdicts = %d, want 1", len(out.Verdicts))
	}
	if out.Verdicts[0].Stance != "for" || out.Verdicts[0].Response == "" {
		t.Fatalf("verdict = %+v", out.Verdicts[0])
	}

	p2 := step(2, 2, false)
	p2.Confidence = "high"
	out, err = eng.AdvanceStep(ctx, tool, out.ContinuationID, p2)
	if err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if out.Status != StatusCompleteWithExpert {
		t.Fatalf("status = %q", out.Status)
	}
	// Terminal synthesis comes from accumulated verdicts, not a new call.
	if caller.generateCalls != 1 {
		t.Fatalf("generate calls = %d, want 1", caller.generateCalls)
	}
	if out.ExpertAnalysis != "synthesis of 1 verdicts" {
		t.Fatalf("synthesis = %q", out.ExpertAnalysis)
	}

	thread, err := store.Get(out.ContinuationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	// Two step turns, one verdict turn, one synthesis turn.
	if thread.TurnCount() != 4 {
		t.Fatalf("turn count = %d, want 4", thread.TurnCount())
	}
}

func TestEngine_ConsensusConsultFailureBecomesVerdict(t *testing.T) {
	eng, _, caller := newTestEngine(t)
	caller.genErr = errors.New("rate limited")
	tool := stubConsensus{stubTool{name: "consensus"}}

	p := step(1, 2, true)
	p.Model = "gpt-5"
	p.ModelStance = "against"
	out, err := eng.AdvanceStep(context.Background(), tool, "", p)
	if err != nil {
		t.Fatalf("AdvanceStep: %v", err)
	}
	if len(out.Verdicts) != 1 {
		t.Fatalf("verdicts = %d, want 1", len(out.Verdicts))
	}
	if !strings.Contains(out.Verdicts[0].Error, "rate limited") {
		t.Fatalf("verdict error = %q", out.Verdicts[0].Error)
	}
}

func TestEngine_TerminalFileEmbeddingIsIncremental(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	tool := stubTool{name: "codereview"}
	ctx := context.Background()

	dir := t.TempDir()
	fileA := dir + "/a.go"
	if err := writeTempFile(fileA, "package a"); err != nil {
		t.Fatal(err)
	}

	p1 := step(1, 2, true)
	p1.RelevantFiles = []string{fileA}
	out, err := eng.AdvanceStep(ctx, tool, "", p1)
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if out.FileContext.EmbeddedCount != 0 {
		t.Fatalf("intermediate step embedded %d files", out.FileContext.EmbeddedCount)
	}

	p2 := step(2, 2, false)
	p2.Confidence = "high"
	p2.RelevantFiles = []string{fileA}
	out, err = eng.AdvanceStep(ctx, tool, out.ContinuationID, p2)
	if err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if out.FileContext.Type != filecontext.FullyEmbedded {
		t.Fatalf("file context type = %q, want fully_embedded", out.FileContext.Type)
	}
	if out.FileContext.EmbeddedCount != 1 {
		t.Fatalf("embedded count = %d, want 1", out.FileContext.EmbeddedCount)
	}
}

func TestEngine_EmbeddedContentPersistsInHistory(t *testing.T) {
	eng, store, caller := newTestEngine(t)
	caller.genErr = errors.New("model endpoint unreachable")
	tool := stubTool{name: "codereview"}

	dir := t.TempDir()
	target := dir + "/handler.go"
	if err := writeTempFile(target, "package web\n\nfunc Handle() {}\n"); err != nil {
		t.Fatal(err)
	}

	p := step(1, 1, false)
	p.Confidence = "high"
	p.RelevantFiles = []string{target}
	out, err := eng.AdvanceStep(context.Background(), tool, "", p)
	if err != nil {
		t.Fatalf("AdvanceStep: %v", err)
	}
	if out.ExpertError == "" {
		t.Fatal("expected expert error from the failed provider call")
	}

	// The embedded content was committed with the step turn, so the
	// failed provider call loses nothing: the file text is part of the
	// durable history, not just the one-shot request.
	thread, err := store.Get(out.ContinuationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !strings.Contains(thread.Turns[0].Content, "func Handle()") {
		t.Fatalf("embedded file content missing from the committed turn:\n%s", thread.Turns[0].Content)
	}

	s := RebuildSession(thread)
	if s.Findings != p.Findings {
		t.Fatalf("replayed findings = %q, embedded content must stay below the marker", s.Findings)
	}
}

func TestEngine_ConsensusCertainStillSynthesizes(t *testing.T) {
	eng, _, caller := newTestEngine(t)
	caller.reply = "stance taken: proceed"
	tool := stubConsensus{stubTool{name: "consensus"}}
	ctx := context.Background()

	p1 := step(1, 2, true)
	p1.Model = "claude-sonnet-4-5"
	p1.ModelStance = "for"
	out, err := eng.AdvanceStep(ctx, tool, "", p1)
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}

	// Certain confidence on the terminal step must not short-circuit the
	// synthesis: the accumulated verdicts are the whole point of the run.
	p2 := step(2, 2, false)
	p2.Confidence = "certain"
	out, err = eng.AdvanceStep(ctx, tool, out.ContinuationID, p2)
	if err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if out.Status != StatusCompleteWithExpert {
		t.Fatalf("status = %q, want %q", out.Status, StatusCompleteWithExpert)
	}
	if len(out.Verdicts) != 1 {
		t.Fatalf("verdicts = %d, want 1", len(out.Verdicts))
	}
	if out.ExpertAnalysis != "synthesis of 1 verdicts" {
		t.Fatalf("synthesis = %q", out.ExpertAnalysis)
	}
}

func writeTempFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func TestEngine_ResolveFailureStaysInResult(t *testing.T) {
	eng, _, caller := newTestEngine(t)
	caller.resolveErr = providers.ErrProviderUnavailable

	out, err := eng.AdvanceStep(context.Background(), stubTool{name: "debug"}, "", step(1, 1, false))
	if err != nil {
		t.Fatalf("AdvanceStep: %v", err)
	}
	if out.ExpertError == "" {
		t.Fatal("expected expert error when no provider is usable")
	}
	if out.Status != StatusCompleteWithExpert {
		t.Fatalf("status = %q", out.Status)
	}
}
