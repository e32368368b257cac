// Package conversations owns per-session conversation state: ordered
// immutable turns, token accounting, and the bounded context window handed
// to the language model.
package conversations

import (
	"time"

	"github.com/lyravoice/lyra-core/core/providers"
)

// SequenceUnassigned marks a turn whose sequence number the store should
// allocate on append.
const SequenceUnassigned int64 = -1

// Turn is one message in a conversation's ordered history. Immutable once
// appended.
type Turn struct {
	Role    providers.Role
	Content string

	// AudioRef is an opaque handle owned by the caller; the core never
	// dereferences or copies the audio it names.
	AudioRef string

	// Sequence is the turn's position in the session, assigned by the
	// store unless the caller replays a previously assigned number.
	Sequence int64

	// TokenCost is the estimated token cost used for window accounting.
	TokenCost int

	// Summary marks a synthesized turn standing in for evicted history.
	Summary bool

	CreatedAt time.Time
}

// NewTurn builds an unappended turn with an estimated token cost and an
// unassigned sequence number.
func NewTurn(role providers.Role, content string) Turn {
	return Turn{
		Role:      role,
		Content:   content,
		Sequence:  SequenceUnassigned,
		TokenCost: EstimateTokens(content),
	}
}

// ContextWindow is a derived, read-only view of a session's recent history:
// the newest turns that fit the token budget, oldest first, preceded by an
// optional summary turn standing in for everything evicted.
type ContextWindow struct {
	// Summary is nil when the whole history fit the budget.
	Summary *Turn
	// Turns are the included raw turns, oldest first.
	Turns []Turn
	// TokenCost is the window's total estimated cost, summary included.
	TokenCost int
}

// Messages flattens the window into provider messages, summary first.
func (w ContextWindow) Messages() []providers.Message {
	messages := make([]providers.Message, 0, len(w.Turns)+1)
	if w.Summary != nil {
		messages = append(messages, providers.Message{Role: w.Summary.Role, Content: w.Summary.Content})
	}
	for _, turn := range w.Turns {
		messages = append(messages, providers.Message{Role: turn.Role, Content: turn.Content})
	}
	return messages
}

// EstimateTokens approximates the token cost of a text. The heuristic of
// roughly four characters per token is deliberately cheap; window
// accounting only needs a stable upper-bound-ish estimate.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return len(text)/4 + 1
}
