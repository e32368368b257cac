package orchestration

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
)

// TurnState is the per-turn state machine position. Transitions only move
// forward; Aborted is reachable from any non-terminal state.
type TurnState int32

const (
	TurnStateIdle TurnState = iota
	TurnStateAwaitingContext
	TurnStateGeneratingResponse
	TurnStateSynthesizingAudio
	TurnStateCommitting
	TurnStateDone
	TurnStateAborted
)

func (s TurnState) String() string {
	switch s {
	case TurnStateIdle:
		return "idle"
	case TurnStateAwaitingContext:
		return "awaiting_context"
	case TurnStateGeneratingResponse:
		return "generating_response"
	case TurnStateSynthesizingAudio:
		return "synthesizing_audio"
	case TurnStateCommitting:
		return "committing"
	case TurnStateDone:
		return "done"
	case TurnStateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

func (s TurnState) terminal() bool {
	return s == TurnStateDone || s == TurnStateAborted
}

// TurnResult is the final outcome of one turn.
type TurnResult struct {
	TurnID    string
	SessionID string

	// Response is the full agent response text, empty when aborted.
	Response string

	// UserSequence and AgentSequence are the committed history positions.
	// AgentSequence is negative when the agent turn was not committed.
	UserSequence  int64
	AgentSequence int64

	// FromCache is true when the response text was served from the cache.
	FromCache bool

	AudioChunks int

	Aborted     bool
	AbortReason string
}

// activeTurn carries the mutable state of one in-flight turn.
type activeTurn struct {
	id        string
	sessionID string

	state     atomic.Int32
	cancelled atomic.Bool
	cancel    context.CancelFunc

	mu           sync.Mutex
	emitted      [][]byte
	emissionDone bool
	emitSignal   chan struct{}

	done   chan struct{}
	result TurnResult
	err    error
}

func newActiveTurn(id, sessionID string) *activeTurn {
	return &activeTurn{
		id:         id,
		sessionID:  sessionID,
		emitSignal: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (t *activeTurn) appendAudio(audio []byte) {
	t.mu.Lock()
	t.emitted = append(t.emitted, audio)
	t.mu.Unlock()
	t.signalEmit()
}

func (t *activeTurn) finishEmission() {
	t.mu.Lock()
	t.emissionDone = true
	t.mu.Unlock()
	t.signalEmit()
}

func (t *activeTurn) finish(result TurnResult, err error) {
	t.finishEmission()
	t.result = result
	t.err = err
	close(t.done)
}

func (t *activeTurn) requestCancel() bool {
	if !t.cancelled.CompareAndSwap(false, true) {
		return false
	}
	if t.cancel != nil {
		t.cancel()
	}
	return true
}

func (t *activeTurn) signalEmit() {
	select {
	case t.emitSignal <- struct{}{}:
	default:
	}
}

// TurnHandle is the caller's view of one submitted turn: the ordered audio
// stream, the final result, and cancellation.
type TurnHandle struct {
	turn *activeTurn
}

// TurnID returns the turn's identifier.
func (h *TurnHandle) TurnID() string { return h.turn.id }

// SessionID returns the owning session's identifier.
func (h *TurnHandle) SessionID() string { return h.turn.sessionID }

// State returns the turn's current state.
func (h *TurnHandle) State() TurnState { return TurnState(h.turn.state.Load()) }

// Cancel requests cancellation of the turn. Safe to call at any time and
// from any goroutine; repeated calls are no-ops.
func (h *TurnHandle) Cancel() { h.turn.requestCancel() }

// Audio yields the synthesized audio chunks in sentence order as they are
// emitted, ending when the turn finishes or ctx is cancelled.
func (h *TurnHandle) Audio(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		consumed := 0
		for {
			h.turn.mu.Lock()
			if consumed < len(h.turn.emitted) {
				audio := h.turn.emitted[consumed]
				consumed++
				h.turn.mu.Unlock()
				if !yield(audio, nil) {
					return
				}
				continue
			}
			emissionDone := h.turn.emissionDone
			h.turn.mu.Unlock()

			if emissionDone {
				return
			}

			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			case <-h.turn.emitSignal:
			}
		}
	}
}

// Wait blocks until the turn finishes and returns its result. An aborted
// turn returns a result with Aborted set and the abort cause as the error.
func (h *TurnHandle) Wait(ctx context.Context) (TurnResult, error) {
	select {
	case <-ctx.Done():
		return TurnResult{}, ctx.Err()
	case <-h.turn.done:
		return h.turn.result, h.turn.err
	}
}
