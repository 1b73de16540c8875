// Package filecontext decides how referenced files enter a model prompt.
//
// While an investigation is still converging, files are referenced by name
// only — re-serializing their content on every step would pay the embedding
// cost repeatedly. On the terminal step files are embedded in full, except
// those the thread has already embedded in a previous turn: the replayed
// conversation history carries that content forward, so embedding again
// would duplicate it.
package filecontext

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/threads"
)

// Type is one of the two file-context treatments.
type Type string

const (
	ReferenceOnly Type = "reference_only"
	FullyEmbedded Type = "fully_embedded"
)

// FileContext is the decision attached to a step result.
type FileContext struct {
	Type Type   `json:"type"`
	Note string `json:"note,omitempty"`
	// EmbeddedCount counts only newly embedded files, so a caller can
	// distinguish "nothing new to embed" from "no files at all".
	EmbeddedCount int `json:"embedded_count"`

	// Embedded and Skipped partition the relevant files on a terminal
	// step: Embedded go into the prompt now, Skipped already live in a
	// prior turn of the thread.
	Embedded []string `json:"-"`
	Skipped  []string `json:"-"`
}

// Optimizer applies the treatment policy against a thread's dedup state.
type Optimizer struct {
	store threads.Store
}

// NewOptimizer creates an Optimizer over the given thread store.
func NewOptimizer(store threads.Store) *Optimizer {
	return &Optimizer{store: store}
}

// Fingerprint keys a file by identity and content so an edited file is
// treated as new. Unreadable files degrade to identity-only.
func Fingerprint(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return path
	}
	sum := sha256.Sum256(data)
	return path + ":" + hex.EncodeToString(sum[:8])
}

// Decide returns the treatment for relevantFiles at this step and, on a
// terminal step, records the new embeds in the thread's dedup set.
func (o *Optimizer) Decide(threadID string, terminal bool, relevantFiles []string) (*FileContext, error) {
	files := dedupe(relevantFiles)

	if !terminal {
		fc := &FileContext{Type: ReferenceOnly}
		if len(files) > 0 {
			fc.Note = fmt.Sprintf("%d file(s) referenced by path; content deferred until the final step", len(files))
		}
		return fc, nil
	}

	thread, err := o.store.Get(threadID)
	if err != nil {
		return nil, err
	}

	fc := &FileContext{Type: FullyEmbedded}
	var newFingerprints []string
	for _, f := range files {
		fp := Fingerprint(f)
		if thread.HasEmbedded(fp) {
			fc.Skipped = append(fc.Skipped, f)
			continue
		}
		fc.Embedded = append(fc.Embedded, f)
		newFingerprints = append(newFingerprints, fp)
	}
	fc.EmbeddedCount = len(fc.Embedded)

	switch {
	case len(files) == 0:
		fc.Note = "no files to embed"
	case fc.EmbeddedCount == 0:
		fc.Note = fmt.Sprintf("all %d file(s) already embedded in this conversation", len(fc.Skipped))
	case len(fc.Skipped) > 0:
		fc.Note = fmt.Sprintf("embedding %d new file(s); %d already in conversation history", fc.EmbeddedCount, len(fc.Skipped))
	default:
		fc.Note = fmt.Sprintf("embedding %d file(s) in full", fc.EmbeddedCount)
	}

	if len(newFingerprints) > 0 {
		if err := o.store.MarkEmbedded(threadID, newFingerprints); err != nil {
			return nil, err
		}
	}
	return fc, nil
}

// RenderEmbedded reads the files chosen for embedding and renders them as
// delimited blocks for the expert-analysis prompt. Unreadable files are
// noted inline rather than failing the whole step.
func RenderEmbedded(files []string) string {
	if len(files) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			fmt.Fprintf(&b, "--- %s (unreadable: %v) ---\n", f, err)
			continue
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n", f, strings.TrimRight(string(data), "\n"))
	}
	return b.String()
}

// dedupe preserves first-seen order while dropping duplicates and blanks.
func dedupe(files []string) []string {
	seen := make(map[string]bool, len(files))
	var out []string
	for _, f := range files {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
