// Package orchestration coordinates one conversational turn end to end:
// context assembly, language-model generation, sentence-bounded speech
// synthesis and ordered audio emission, with provider fallback and
// response caching underneath. It owns no audio devices and no concrete
// provider clients; callers wire those in through options.
package orchestration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/lyravoice/lyra-core/core/cache"
	"github.com/lyravoice/lyra-core/core/config"
	"github.com/lyravoice/lyra-core/core/conversations"
	"github.com/lyravoice/lyra-core/core/events"
	"github.com/lyravoice/lyra-core/core/providers"
	"github.com/lyravoice/lyra-core/core/routing"
)

const summaryPrompt = "Condense the preceding conversation into a short factual summary. " +
	"Keep names, decisions and open questions; drop pleasantries."

// Orchestrator is the conversation core. One instance serves many
// concurrent sessions; turns within a session run one at a time.
type Orchestrator struct {
	cfg config.Config

	store     *conversations.Store
	router    *routing.Router
	responses *cache.Cache

	transcribers []*routing.Descriptor
	generators   []*routing.Descriptor
	synthesizers []*routing.Descriptor

	voice  providers.VoiceParams
	params providers.GenerateParams

	handler func(events.Event)

	turnCounter metric.Int64Counter

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// sessionState is the orchestrator's per-session bookkeeping on top of the
// conversation store: the turn serialization lock, the session voice and
// the in-flight turn.
type sessionState struct {
	id    string
	voice providers.VoiceParams

	// turnMu serializes turns within the session. Cross-session turns run
	// freely in parallel.
	turnMu sync.Mutex

	activeMu sync.Mutex
	active   *activeTurn
}

func (s *sessionState) setActive(turn *activeTurn) {
	s.activeMu.Lock()
	s.active = turn
	s.activeMu.Unlock()
}

func (s *sessionState) activeTurn() *activeTurn {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()

	return s.active
}

func NewOrchestrator(opts ...OrchestratorOption) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:      config.Default(),
		sessions: map[string]*sessionState{},
	}
	for _, opt := range opts {
		opt(o)
	}

	responses, err := cache.New(o.cfg.Cache.MaxEntries, o.cfg.Cache.MaxBytes, o.cfg.Cache.TextFreshness)
	if err != nil {
		return nil, fmt.Errorf("failed to build response cache: %w", err)
	}
	o.responses = responses

	o.turnCounter, _ = meter.Int64Counter("lyra.turns",
		metric.WithDescription("Completed turns by outcome"))

	o.router = routing.New(o.cfg.Timeouts, o.cfg.Breaker, routing.WithEventSink(o.emit))
	o.store = conversations.NewStore(
		conversations.WithSummarizer(conversations.SummarizerFunc(o.summarize)),
		conversations.WithSummaryTokenCost(o.cfg.Context.SummaryTokenCost),
		conversations.WithInactivityTimeout(o.cfg.Context.InactivityTimeout),
	)

	return o, nil
}

func (o *Orchestrator) emit(event events.Event) {
	if o.handler != nil {
		o.handler(event)
	}
}

// CreateSession registers a new conversation session and returns its
// identifier.
func (o *Orchestrator) CreateSession(opts ...SessionOption) string {
	state := &sessionState{voice: o.voice}
	for _, opt := range opts {
		opt(state)
	}
	state.id = o.store.Create()

	o.mu.Lock()
	o.sessions[state.id] = state
	o.mu.Unlock()

	o.emit(events.NewSessionCreated(state.id))
	return state.id
}

// EndSession cancels any in-flight turn and removes the session.
func (o *Orchestrator) EndSession(sessionID string) error {
	o.mu.Lock()
	state, ok := o.sessions[sessionID]
	delete(o.sessions, sessionID)
	o.mu.Unlock()

	if ok {
		if turn := state.activeTurn(); turn != nil {
			turn.requestCancel()
		}
	}

	if err := o.store.End(sessionID); err != nil {
		return err
	}
	o.emit(events.NewSessionEnded(sessionID, false))
	return nil
}

// ExpireSessions removes every session idle past the inactivity timeout
// and returns their identifiers. Callers own the sweep schedule.
func (o *Orchestrator) ExpireSessions(now time.Time) []string {
	expired := o.store.Expire(now)

	o.mu.Lock()
	states := make([]*sessionState, 0, len(expired))
	for _, id := range expired {
		if state, ok := o.sessions[id]; ok {
			states = append(states, state)
		}
		delete(o.sessions, id)
	}
	o.mu.Unlock()

	for _, state := range states {
		if turn := state.activeTurn(); turn != nil {
			turn.requestCancel()
		}
	}
	for _, id := range expired {
		o.emit(events.NewSessionEnded(id, true))
	}
	return expired
}

// History returns a snapshot of the session's committed turns.
func (o *Orchestrator) History(sessionID string) ([]conversations.Turn, error) {
	return o.store.History(sessionID)
}

// CacheStats returns the response cache counters.
func (o *Orchestrator) CacheStats() cache.Stats {
	return o.responses.Stats()
}

// CancelTurn cancels the session's in-flight turn, if any. Returns whether
// a turn was actually cancelled.
func (o *Orchestrator) CancelTurn(sessionID string) bool {
	o.mu.Lock()
	state, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return false
	}

	turn := state.activeTurn()
	if turn == nil {
		return false
	}
	return turn.requestCancel()
}

// SubmitUtterance starts one turn for a finalized user utterance. The turn
// runs asynchronously; the returned handle exposes the ordered audio
// stream and the final result. Turns within a session are serialized, so a
// submission while another turn is in flight waits its turn.
func (o *Orchestrator) SubmitUtterance(ctx context.Context, sessionID string, utterance string, opts ...TurnOption) (*TurnHandle, error) {
	o.mu.Lock()
	state, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", conversations.ErrSessionNotFound, sessionID)
	}

	options := o.newTurnOptions(state, opts)
	turn := newActiveTurn(uuid.NewString(), sessionID)

	turnCtx, cancel := context.WithCancel(ctx)
	turn.cancel = cancel

	go func() {
		defer cancel()

		state.turnMu.Lock()
		defer state.turnMu.Unlock()

		state.setActive(turn)
		defer state.setActive(nil)

		pipeline := newTurnPipeline(o, turn, options, utterance)
		pipeline.run(turnCtx)
	}()

	return &TurnHandle{turn: turn}, nil
}

// SubmitAudio transcribes a finished utterance through the speech-to-text
// fallback chain and starts a turn with the transcript.
func (o *Orchestrator) SubmitAudio(ctx context.Context, sessionID string, audio []byte, opts ...TurnOption) (*TurnHandle, error) {
	o.mu.Lock()
	state, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", conversations.ErrSessionNotFound, sessionID)
	}

	ctx, span := tracer.Start(ctx, "transcribe utterance")
	defer span.End()

	voice := o.newTurnOptions(state, opts).voice
	transcript, err := routing.Invoke(ctx, o.router, providers.CapabilitySpeechToText, o.transcribers,
		func(ctx context.Context, candidate *routing.Descriptor) (string, error) {
			transcriber, ok := candidate.Client.(providers.Transcriber)
			if !ok {
				return "", fmt.Errorf("%w: %q is not a transcriber", providers.ErrInvalidResponse, candidate.Name)
			}
			return transcriber.Transcribe(ctx, audio, voice)
		})
	if err != nil {
		err = fmt.Errorf("failed to transcribe utterance: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return o.SubmitUtterance(ctx, sessionID, transcript, opts...)
}

// newTurnOptions merges the orchestrator and session defaults with the
// per-turn overrides.
func (o *Orchestrator) newTurnOptions(state *sessionState, opts []TurnOption) TurnOptions {
	options := TurnOptions{voice: state.voice}
	_ = copier.Copy(&options.params, &o.params)
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// summarize condenses evicted turns through the language-model fallback
// chain. Drives the conversation store's window summarization.
func (o *Orchestrator) summarize(ctx context.Context, turns []conversations.Turn) (string, error) {
	var history []providers.Message
	if err := copier.Copy(&history, &turns); err != nil {
		return "", fmt.Errorf("failed to map turns for summarization: %w", err)
	}

	request := providers.GenerateRequest{
		Prompt:  summaryPrompt,
		History: history,
		Params:  providers.GenerateParams{Model: o.params.Model},
	}

	return routing.Invoke(ctx, o.router, providers.CapabilityLanguageModel, o.generators,
		func(ctx context.Context, candidate *routing.Descriptor) (string, error) {
			generator, ok := candidate.Client.(providers.Generator)
			if !ok {
				return "", fmt.Errorf("%w: %q is not a generator", providers.ErrInvalidResponse, candidate.Name)
			}

			stream, err := generator.Generate(ctx, request)
			if err != nil {
				return "", err
			}

			var summary strings.Builder
			for chunk, err := range stream.Chunks(ctx) {
				if err != nil {
					return "", err
				}
				summary.WriteString(chunk)
			}
			return summary.String(), nil
		})
}
