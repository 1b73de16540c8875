// Package threads implements the durable conversation thread store.
//
// A thread is the unit of conversation continuity: tool invocations arrive
// as independent MCP calls (possibly from separate process launches), and
// the continuation_id they carry resolves to a thread here. The store is
// two-tier — a bounded in-memory map for speed within a process, and a
// one-file-per-thread disk transcript so a fresh process can keep a
// continuation_id usable after a restart.
//
// This package follows the same design principles as the rest of the server:
// - SRP: types, store, and disk persistence in separate files
// - DIP: Store is an interface; the engine depends on the abstraction
package threads

import (
	"fmt"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"      // the calling agent / tool input
	RoleAssistant Role = "assistant" // a model response
)

// Turn is one appended record within a thread. Turns are append-only:
// they are never reordered or deleted, only superseded by later turns.
type Turn struct {
	Role       Role      `json:"role"`
	ToolName   string    `json:"tool_name,omitempty"`
	ModelName  string    `json:"model_name,omitempty"`
	Content    string    `json:"content"`
	Files      []string  `json:"files,omitempty"`
	TokenCount int       `json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Thread is a persisted conversation/workflow session identified by a
// continuation id. ParentID links threads into chains: branching and
// cross-tool continuation both create a new thread whose parent is the
// thread being continued, so parent pointers never form a cycle.
type Thread struct {
	ID             string            `json:"id"`
	ParentID       string            `json:"parent_id,omitempty"`
	ToolName       string            `json:"tool_name"`
	CreatedAt      time.Time         `json:"created_at"`
	LastUpdatedAt  time.Time         `json:"last_updated_at"`
	Turns          []Turn            `json:"turns"`
	InitialContext map[string]string `json:"initial_context,omitempty"`

	// EmbeddedFiles records identity+content fingerprints of files whose
	// full content has already been serialized into a turn of this thread.
	// Owned by the store; mutated only through MarkEmbedded.
	EmbeddedFiles map[string]bool `json:"embedded_files,omitempty"`

	// HighestStep is the highest workflow step number ever seen in this
	// thread. Backtrack targets are validated against it.
	HighestStep int `json:"highest_step"`

	// LastStep is the step number of the most recent call, whether a
	// forward step or a backtracked redo. Normal sequencing resumes
	// from it.
	LastStep int `json:"last_step"`
}

// TurnCount returns the number of turns appended to the thread.
func (t *Thread) TurnCount() int { return len(t.Turns) }

// HasEmbedded reports whether a file fingerprint has already been
// embedded in full somewhere in this thread's history.
func (t *Thread) HasEmbedded(fingerprint string) bool {
	return t.EmbeddedFiles[fingerprint]
}

// clone returns a deep copy so callers never alias store-owned state.
func (t *Thread) clone() *Thread {
	cp := *t
	cp.Turns = make([]Turn, len(t.Turns))
	copy(cp.Turns, t.Turns)
	if t.InitialContext != nil {
		cp.InitialContext = make(map[string]string, len(t.InitialContext))
		for k, v := range t.InitialContext {
			cp.InitialContext[k] = v
		}
	}
	if t.EmbeddedFiles != nil {
		cp.EmbeddedFiles = make(map[string]bool, len(t.EmbeddedFiles))
		for k, v := range t.EmbeddedFiles {
			cp.EmbeddedFiles[k] = v
		}
	}
	return &cp
}

// Validate checks structural invariants before a thread is persisted.
func (t *Thread) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("thread has no id")
	}
	if t.ToolName == "" {
		return fmt.Errorf("thread %q has no owning tool", t.ID)
	}
	return nil
}
