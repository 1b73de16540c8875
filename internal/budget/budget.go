// Package budget sizes the conversation replay window for a model call.
//
// Given a thread chain and a target model's capacity it decides how many
// prior turns can be replayed, reserving a fixed share of the capacity for
// model output and working context. The literal new payload of a call is
// checked against a separate single-input ceiling — history never counts
// against that ceiling and the ceiling never limits history.
package budget

import (
	"errors"
	"fmt"

	"github.com/zgc-zgc/zen-mcp-sever-sub001/internal/threads"
)

// ErrBudgetExceeded means the literal new input (not history) exceeds the
// single-call size ceiling. Surfaced as a "resend with smaller input"
// status rather than truncating silently — truncating a user's literal
// prompt could silently drop intent.
var ErrBudgetExceeded = errors.New("input exceeds size ceiling")

const (
	// ContentRatio is the share of model capacity available to replayed
	// conversation history; the rest is reserved for model output and
	// working context.
	ContentRatio = 0.7

	// DefaultInputCeiling caps the literal new prompt of a single call,
	// in estimated tokens. Independent of any model's context window.
	DefaultInputCeiling = 12_500
)

// Allocation is the result of sizing a replay window.
type Allocation struct {
	TotalCapacity      int `json:"total_capacity"`
	ContentAllocation  int `json:"content_allocation"`
	ConversationTokens int `json:"conversation_tokens"`
	RemainingTokens    int `json:"remaining_tokens"`

	// ReplayTurns is how many turns, counted from the newest backward,
	// fit inside ContentAllocation. Older turns are dropped first.
	ReplayTurns int `json:"replay_turns"`
	// DroppedTurns is how many turns did not fit the window.
	DroppedTurns int `json:"dropped_turns"`
}

// Estimate approximates the token count of a text using the chars/4
// heuristic. O(1), no tokenizer dependency; at least 1 for non-empty text.
func Estimate(text string) int {
	n := len(text)
	if n == 0 {
		return 0
	}
	if n < 4 {
		return 1
	}
	return n / 4
}

// turnTokens returns the cached estimate, re-estimating only for turns
// reloaded from the lossy disk tier without a count.
func turnTokens(t threads.Turn) int {
	if t.TokenCount > 0 {
		return t.TokenCount
	}
	return Estimate(t.Content)
}

// Allocate computes the replay window for a thread chain against a model
// capacity. Walks the chain from the most recent turn backward, summing
// cached token counts, until the chain is exhausted or the running sum
// would exceed the content allocation. RemainingTokens is never negative.
func Allocate(chain []*threads.Thread, capacity int) Allocation {
	alloc := Allocation{
		TotalCapacity:     capacity,
		ContentAllocation: int(float64(capacity) * ContentRatio),
	}
	if capacity <= 0 {
		return alloc
	}

	totalTurns := 0
	for _, t := range chain {
		totalTurns += len(t.Turns)
	}

	// Chain is oldest-first; walk threads and turns newest-first.
walk:
	for i := len(chain) - 1; i >= 0; i-- {
		turns := chain[i].Turns
		for j := len(turns) - 1; j >= 0; j-- {
			tok := turnTokens(turns[j])
			if alloc.ConversationTokens+tok > alloc.ContentAllocation {
				// This and every older turn are dropped.
				break walk
			}
			alloc.ConversationTokens += tok
			alloc.ReplayTurns++
		}
	}

	alloc.DroppedTurns = totalTurns - alloc.ReplayTurns
	alloc.RemainingTokens = alloc.ContentAllocation - alloc.ConversationTokens
	if alloc.RemainingTokens < 0 {
		alloc.RemainingTokens = 0
	}
	return alloc
}

// CheckPromptSize validates the literal new payload of a call against the
// single-input ceiling. History token usage must never be added into this
// check. A zero limit means DefaultInputCeiling.
func CheckPromptSize(payload string, limit int) error {
	if limit <= 0 {
		limit = DefaultInputCeiling
	}
	if got := Estimate(payload); got > limit {
		return fmt.Errorf("%w: ~%d tokens against a ceiling of %d", ErrBudgetExceeded, got, limit)
	}
	return nil
}
