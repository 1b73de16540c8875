package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/budget"
	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/filecontext"
	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/history"
	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/providers"
	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/threads"
)

// Tool is what an investigation front-end supplies to the engine. The
// engine owns sequencing and persistence; the tool owns wording.
type Tool interface {
	Name() string
	// NextSteps returns tool-defined guidance on what the next step
	// should contain, given the merged session so far.
	NextSteps(s *SessionState) string
	// ExpertPrompt builds the system and user prompts for the terminal
	// expert-analysis pass.
	ExpertPrompt(s *SessionState) (system, user string)
}

// PerStepConsulter marks a consensus-style tool: instead of one expert
// call at the end, each intermediate step consults exactly one configured
// model and the terminal step synthesizes the accumulated verdicts.
type PerStepConsulter interface {
	Tool
	// ConsultPrompt builds the prompts for this step's consultation.
	ConsultPrompt(s *SessionState, p StepPayload) (system, user string)
	// Synthesize renders the terminal synthesis from the verdicts.
	Synthesize(s *SessionState) string
}

// ModelCaller is the slice of the provider registry the engine needs.
// Satisfied by *providers.Registry; faked in tests.
type ModelCaller interface {
	Resolve(requested string) (*providers.Resolution, error)
	Generate(ctx context.Context, res *providers.Resolution, req providers.GenerateRequest) (string, error)
}

// defaultMaxSessions bounds the in-memory session cache. The cache is a
// performance layer over the thread store; evicted sessions are rebuilt
// from their threads on the next step.
const defaultMaxSessions = 1000

// Engine is the generic state machine shared by every investigation tool.
type Engine struct {
	store  threads.Store
	files  *filecontext.Optimizer
	models ModelCaller

	ledger       *history.Ledger
	inputCeiling int
	maxSessions  int

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

// sessionEntry serializes all step processing for one thread. The entry
// lock is held from sequence validation through persistence, so two
// concurrent calls carrying the same step number resolve deterministically:
// one advances the thread, the other fails sequence validation.
type sessionEntry struct {
	mu    sync.Mutex
	state *SessionState
}

// NewEngine wires the engine over its collaborators. The ledger is
// optional; see SetLedger.
func NewEngine(store threads.Store, files *filecontext.Optimizer, models ModelCaller) *Engine {
	return &Engine{
		store:    store,
		files:    files,
		models:   models,
		sessions: make(map[string]*sessionEntry),
	}
}

// SetLedger injects the optional history ledger. Terminal outcomes are
// recorded best-effort; a ledger failure never fails a step.
func (e *Engine) SetLedger(l *history.Ledger) { e.ledger = l }

// SetInputCeiling overrides the single-call input ceiling (tokens).
func (e *Engine) SetInputCeiling(n int) { e.inputCeiling = n }

// AdvanceStep runs one step of a tool's workflow. On a nil error the
// outcome is always well-formed; provider failures during expert analysis
// are surfaced inside the outcome, not as an error.
func (e *Engine) AdvanceStep(ctx context.Context, tool Tool, continuationID string, p StepPayload) (*Outcome, error) {
	// The ceiling applies to the literal new payload only. History is
	// sized separately by the budget allocator and must never be added
	// into this check.
	if err := budget.CheckPromptSize(p.Step+"\n"+p.Findings, e.inputCeiling); err != nil {
		return nil, err
	}
	// Field validation runs before any thread is resolved or created, so
	// a malformed first payload never leaves an empty thread behind.
	if err := p.Validate(); err != nil {
		return nil, err
	}
	// A fresh thread has an empty step ledger; reject an out-of-sequence
	// opening step before creating anything.
	if continuationID == "" {
		if err := p.CheckSequence(0, 0); err != nil {
			return nil, err
		}
	}

	threadID, err := e.resolveThread(tool, continuationID, p)
	if err != nil {
		return nil, err
	}

	entry := e.sessionEntry(threadID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	thread, err := e.store.Get(threadID)
	if err != nil {
		e.dropSession(threadID)
		return nil, err
	}
	if err := p.CheckSequence(thread.LastStep, thread.HighestStep); err != nil {
		return nil, err
	}

	if entry.state == nil {
		entry.state = RebuildSession(thread)
	}
	session := entry.state
	session.Merge(p)

	var storageWarn string
	note := func(err error) error {
		if err == nil {
			return nil
		}
		if errors.Is(err, threads.ErrStorageIO) {
			storageWarn = err.Error()
			return nil
		}
		return err
	}

	consulter, isConsensus := tool.(PerStepConsulter)
	terminal := !p.NextStepRequired
	skipExpert := terminal && !isConsensus && session.Confidence.Terminal()

	// Files are embedded in full only when an expert pass will actually
	// consume them; a certain-confidence terminal step synthesizes from
	// session state alone, and consensus synthesis works from verdicts.
	fc, err := e.files.Decide(threadID, terminal && !skipExpert && !isConsensus, session.RelevantFiles)
	if err != nil {
		return nil, err
	}
	if skipExpert {
		fc.Note = "expert analysis skipped; files referenced only"
	}

	// Commit the step turn before any provider call is attempted, so a
	// timeout cannot lose work and a crash after response delivery
	// cannot desynchronize client and server: the server's ledger is
	// the source of truth for step history. Newly embedded file content
	// is written into the same turn, making it part of the replayable
	// history rather than a one-shot provider request.
	content := RenderStepTurn(p)
	if len(fc.Embedded) > 0 {
		content += "\n" + embeddedMarker + "\n" + filecontext.RenderEmbedded(fc.Embedded)
	}
	if err := note(e.store.AppendTurn(threadID, threads.Turn{
		Role:       threads.RoleUser,
		ToolName:   tool.Name(),
		ModelName:  p.Model,
		Content:    content,
		Files:      p.RelevantFiles,
		TokenCount: budget.Estimate(content),
	})); err != nil {
		return nil, err
	}
	if err := note(e.store.RecordStep(threadID, p.StepNumber)); err != nil {
		return nil, err
	}

	out := &Outcome{
		StepNumber:       p.StepNumber,
		TotalSteps:       p.TotalSteps,
		NextStepRequired: p.NextStepRequired,
		ContinuationID:   threadID,
		FileContext:      fc,
		ToolStatus: ToolStatus{
			FilesChecked:         len(session.FilesChecked),
			RelevantContextCount: len(session.RelevantContext),
			IssuesBySeverity:     session.IssuesBySeverity(),
			Confidence:           session.Confidence,
		},
		StorageWarning: storageWarn,
	}

	switch {
	case !terminal:
		out.Status = StatusInProgress
		out.NextSteps = tool.NextSteps(session)
		if isConsensus {
			e.consultStep(ctx, consulter, threadID, session, p, out)
		}
		out.Verdicts = session.AccumulatedResponses

	case isConsensus:
		// A consensus run always ends in synthesis: the accumulated
		// verdicts are the deliverable, whatever the stated confidence.
		out.Status = StatusCompleteWithExpert
		out.Summary = e.summarize(session)
		out.Verdicts = session.AccumulatedResponses
		out.ExpertAnalysis = consulter.Synthesize(session)
		e.appendAssistantTurn(threadID, tool.Name(), "synthesis", out.ExpertAnalysis, note)
		out.StorageWarning = storageWarn
		e.recordOutcome(threadID, tool, session, out)

	case skipExpert:
		out.Status = StatusCompleteSkipExpert
		out.Summary = e.summarize(session)
		out.NextSteps = "Investigation complete with certain confidence. Present the summary; no expert validation was needed."
		e.recordOutcome(threadID, tool, session, out)

	default:
		out.Status = StatusCompleteWithExpert
		out.Summary = e.summarize(session)
		e.runExpertAnalysis(ctx, tool, threadID, session, p, fc, out)
		if out.ExpertAnalysis != "" {
			e.appendAssistantTurn(threadID, tool.Name(), out.ModelUsed, out.ExpertAnalysis, note)
			out.StorageWarning = storageWarn
		}
		e.recordOutcome(threadID, tool, session, out)
	}

	return out, nil
}

// resolveThread maps a continuation id to the thread this step appends to.
// No id creates a tool-scoped root; an id owned by a different tool
// branches a child so every thread stays single-tool while the chain
// carries cross-tool context.
func (e *Engine) resolveThread(tool Tool, continuationID string, p StepPayload) (string, error) {
	if continuationID == "" {
		return e.store.Create("", tool.Name(), map[string]string{
			"step": firstLine(p.Step),
		})
	}
	thread, err := e.store.Get(continuationID)
	if err != nil {
		return "", err
	}
	if thread.ToolName != tool.Name() {
		return e.store.Create(continuationID, tool.Name(), map[string]string{
			"step":      firstLine(p.Step),
			"continues": thread.ToolName,
		})
	}
	return continuationID, nil
}

// sessionEntry returns the per-thread entry, creating it when the thread
// is first seen in this process. The caller rebuilds the state under the
// entry lock if it is nil.
func (e *Engine) sessionEntry(threadID string) *sessionEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.sessions[threadID]; ok {
		return ent
	}
	limit := e.maxSessions
	if limit <= 0 {
		limit = defaultMaxSessions
	}
	if len(e.sessions) >= limit {
		e.pruneSessionsLocked()
	}
	ent := &sessionEntry{}
	e.sessions[threadID] = ent
	return ent
}

// pruneSessionsLocked drops cached sessions whose threads the store no
// longer knows about, so the cache tracks the store's own TTL eviction
// instead of growing without bound.
func (e *Engine) pruneSessionsLocked() {
	for id := range e.sessions {
		if _, err := e.store.Get(id); err != nil {
			delete(e.sessions, id)
		}
	}
}

func (e *Engine) dropSession(threadID string) {
	e.mu.Lock()
	delete(e.sessions, threadID)
	e.mu.Unlock()
}

// consultStep runs the per-step consensus consultation. A failed
// consultation is recorded as an annotated verdict, never a failed step —
// a partially successful consensus still returns a usable result.
func (e *Engine) consultStep(ctx context.Context, tool PerStepConsulter, threadID string, session *SessionState, p StepPayload, out *Outcome) {
	if strings.TrimSpace(p.Model) == "" {
		session.AddVerdict(ModelVerdict{Stance: p.ModelStance, Error: "no model configured for this step"})
		return
	}

	verdict := ModelVerdict{Model: p.Model, Stance: p.ModelStance}
	res, err := e.models.Resolve(p.Model)
	if err != nil {
		verdict.Error = err.Error()
		session.AddVerdict(verdict)
		return
	}

	system, user := tool.ConsultPrompt(session, p)
	reply, err := e.models.Generate(ctx, res, providers.GenerateRequest{
		SystemPrompt: system,
		Prompt:       user,
	})
	if err != nil {
		verdict.Error = err.Error()
	} else {
		verdict.Model = res.Canonical
		verdict.Response = reply
	}
	session.AddVerdict(verdict)

	turnContent := fmt.Sprintf("consensus verdict (%s, stance=%s):\n%s", verdict.Model, verdict.Stance, verdict.Response)
	if verdict.Error != "" {
		turnContent = fmt.Sprintf("consensus verdict (%s, stance=%s): failed: %s", verdict.Model, verdict.Stance, verdict.Error)
	}
	if err := e.store.AppendTurn(threadID, threads.Turn{
		Role:       threads.RoleAssistant,
		ToolName:   tool.Name(),
		ModelName:  verdict.Model,
		Content:    turnContent,
		TokenCount: budget.Estimate(turnContent),
	}); err != nil && !errors.Is(err, threads.ErrStorageIO) {
		log.Printf("WARNING: persisting consensus verdict: %v", err)
	}
}

// runExpertAnalysis sizes the replay window, embeds the file context, and
// invokes the expert model. Failures land in out.ExpertError.
func (e *Engine) runExpertAnalysis(ctx context.Context, tool Tool, threadID string, session *SessionState, p StepPayload, fc *filecontext.FileContext, out *Outcome) {
	res, err := e.models.Resolve(p.Model)
	if err != nil {
		out.ExpertError = err.Error()
		return
	}
	out.ModelUsed = res.Canonical

	chain, err := e.store.Chain(threadID)
	if err != nil {
		out.ExpertError = fmt.Sprintf("loading conversation chain: %v", err)
		return
	}
	alloc := budget.Allocate(chain, res.ContextWindow)
	out.Allocation = &alloc

	system, user := tool.ExpertPrompt(session)
	var prompt strings.Builder
	prompt.WriteString(user)
	if historyBlock := renderHistory(chain, alloc.ReplayTurns); historyBlock != "" {
		prompt.WriteString("\n\n=== CONVERSATION HISTORY ===\n")
		prompt.WriteString(historyBlock)
	}

	reply, err := e.models.Generate(ctx, res, providers.GenerateRequest{
		SystemPrompt: system,
		Prompt:       prompt.String(),
		Files:        filecontext.RenderEmbedded(fc.Embedded),
	})
	if err != nil {
		out.ExpertError = err.Error()
		return
	}
	out.ExpertAnalysis = reply
}

// renderHistory renders the newest replayTurns turns of the chain,
// oldest-first, exactly matching the allocator's replay window.
func renderHistory(chain []*threads.Thread, replayTurns int) string {
	if replayTurns == 0 {
		return ""
	}
	var turns []threads.Turn
	for _, t := range chain {
		turns = append(turns, t.Turns...)
	}
	if len(turns) > replayTurns {
		turns = turns[len(turns)-replayTurns:]
	}
	var b strings.Builder
	for _, turn := range turns {
		fmt.Fprintf(&b, "--- %s (%s) ---\n%s\n", turn.Role, turn.ToolName, turn.Content)
	}
	return b.String()
}

// summarize builds the terminal summary purely from the session's own
// accumulated state, excluding superseded narrative.
func (e *Engine) summarize(session *SessionState) *Summary {
	return &Summary{
		RelevantContext: session.RelevantContext,
		IssuesFound:     session.IssuesFound,
		Narrative:       session.Findings,
	}
}

// appendAssistantTurn persists a model response turn, folding storage
// warnings through note.
func (e *Engine) appendAssistantTurn(threadID, toolName, model, content string, note func(error) error) {
	if err := note(e.store.AppendTurn(threadID, threads.Turn{
		Role:       threads.RoleAssistant,
		ToolName:   toolName,
		ModelName:  model,
		Content:    content,
		TokenCount: budget.Estimate(content),
	})); err != nil {
		log.Printf("WARNING: persisting assistant turn: %v", err)
	}
}

// recordOutcome appends the terminal outcome to the audit ledger.
func (e *Engine) recordOutcome(threadID string, tool Tool, session *SessionState, out *Outcome) {
	if e.ledger == nil {
		return
	}
	if err := e.ledger.Append(history.Record{
		ThreadID: threadID,
		ToolName: tool.Name(),
		Steps:    session.StepNumber,
		Status:   string(out.Status),
		Model:    out.ModelUsed,
		IssueCnt: len(session.IssuesFound),
	}); err != nil {
		log.Printf("WARNING: history ledger append: %v", err)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
