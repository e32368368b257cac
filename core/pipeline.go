package orchestration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/lyravoice/lyra-core/core/cache"
	"github.com/lyravoice/lyra-core/core/conversations"
	"github.com/lyravoice/lyra-core/core/events"
	"github.com/lyravoice/lyra-core/core/providers"
	"github.com/lyravoice/lyra-core/core/routing"
)

// ErrTurnCancelled is the abort cause of a turn cancelled by the caller.
var ErrTurnCancelled = errors.New("turn cancelled")

// turnPipeline runs one turn: context assembly, streamed generation,
// sentence-bounded synthesis and ordered emission, then the atomic history
// commit. Generation, synthesis dispatch and emission run as three workers
// so audio starts playing while the model is still writing.
type turnPipeline struct {
	orchestrator *Orchestrator
	turn         *activeTurn
	opts         TurnOptions

	utterance string

	queue     *chunkQueue
	sequencer *audioSequencer
	chunker   *sentenceChunker

	fromCache    bool
	responseText string
}

func newTurnPipeline(orchestrator *Orchestrator, turn *activeTurn, opts TurnOptions, utterance string) *turnPipeline {
	pipeline := &turnPipeline{
		orchestrator: orchestrator,
		turn:         turn,
		opts:         opts,
		utterance:    utterance,
		queue:        newChunkQueue(),
		sequencer:    newAudioSequencer(),
	}
	pipeline.chunker = newSentenceChunker(pipeline.queue.Add)
	return pipeline
}

func (p *turnPipeline) run(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "orchestrate turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", p.turn.sessionID),
		attribute.String("turn.id", p.turn.id),
	)

	p.setState(TurnStateAwaitingContext)

	window, err := p.orchestrator.store.Window(ctx, p.turn.sessionID, p.orchestrator.cfg.Context.TokenBudget)
	if err != nil {
		p.abort(ctx, fmt.Errorf("failed to assemble context window: %w", err))
		return
	}
	history := window.Messages()

	var fingerprint cache.Fingerprint
	cacheable := cache.Cacheable(p.opts.params)
	if cacheable {
		fingerprint = cache.TextFingerprint(p.utterance, history, p.opts.params)
		if payload, ok := p.orchestrator.responses.Get(fingerprint); ok {
			p.fromCache = true
			p.responseText = string(payload)
			p.orchestrator.emit(events.NewCacheHit(string(providers.CapabilityLanguageModel)))
		} else {
			p.orchestrator.emit(events.NewCacheMiss(string(providers.CapabilityLanguageModel)))
		}
	}

	p.setState(TurnStateGeneratingResponse)

	ctx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	var workerErr error
	workerErrMu := sync.Mutex{}
	addWorkerErr := func(err error) {
		if err == nil {
			return
		}
		workerErrMu.Lock()
		workerErr = errors.Join(workerErr, err)
		workerErrMu.Unlock()
	}

	run := func(name string, f func(context.Context) error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				addWorkerErr(fmt.Errorf("%s worker panicked: %v", name, recovered))
				cancelWorkers()
			}
		}()

		if err := f(ctx); err != nil {
			addWorkerErr(fmt.Errorf("%s worker failed: %w", name, err))
			cancelWorkers()
		}
	}

	wg := &sync.WaitGroup{}
	wg.Add(3)
	go func() {
		defer wg.Done()
		run("response generation", func(ctx context.Context) error {
			return p.generate(ctx, history)
		})
	}()
	go func() {
		defer wg.Done()
		run("synthesis dispatch", p.dispatchSynthesis)
	}()
	go func() {
		defer wg.Done()
		run("audio emission", p.emitAudio)
	}()
	wg.Wait()

	if p.turn.cancelled.Load() {
		p.abort(ctx, ErrTurnCancelled)
		return
	}
	if workerErr != nil {
		p.abort(ctx, workerErr)
		return
	}

	p.setState(TurnStateCommitting)

	userTurn := conversations.NewTurn(providers.RoleUser, p.utterance)
	userTurn.AudioRef = p.opts.audioRef
	agentTurn := conversations.NewTurn(providers.RoleAgent, p.responseText)

	userSeq, agentSeq, err := p.orchestrator.store.CommitExchange(p.turn.sessionID, userTurn, agentTurn)
	if err != nil {
		p.abort(ctx, fmt.Errorf("failed to commit exchange: %w", err))
		return
	}

	if cacheable && !p.fromCache {
		p.orchestrator.responses.Put(fingerprint, providers.CapabilityLanguageModel, []byte(p.responseText))
	}

	p.orchestrator.emit(events.NewResponseFinal(p.turn.sessionID, p.responseText))
	p.orchestrator.emit(events.NewSpeechFinal(p.turn.sessionID))
	p.orchestrator.emit(events.NewTurnCompleted(p.turn.sessionID, p.turn.id, p.responseText))
	p.setState(TurnStateDone)
	p.orchestrator.turnCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "done")))

	p.turn.mu.Lock()
	audioChunks := len(p.turn.emitted)
	p.turn.mu.Unlock()

	p.turn.finish(TurnResult{
		TurnID:        p.turn.id,
		SessionID:     p.turn.sessionID,
		Response:      p.responseText,
		UserSequence:  userSeq,
		AgentSequence: agentSeq,
		FromCache:     p.fromCache,
		AudioChunks:   audioChunks,
	}, nil)
}

// abort ends the turn without an agent response. The user turn is still
// committed when possible; the utterance was heard even if nothing came
// back.
func (p *turnPipeline) abort(ctx context.Context, cause error) {
	cancelled := errors.Is(cause, ErrTurnCancelled)

	if !cancelled {
		span := trace.SpanFromContext(ctx)
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
	}

	userTurn := conversations.NewTurn(providers.RoleUser, p.utterance)
	userTurn.AudioRef = p.opts.audioRef

	userSeq := conversations.SequenceUnassigned
	if seq, err := p.orchestrator.store.Append(p.turn.sessionID, userTurn); err == nil {
		userSeq = seq
	} else {
		logger.WarnContext(ctx, "failed to commit user turn of aborted turn",
			"session_id", p.turn.sessionID, "turn_id", p.turn.id, "error", err)
	}

	p.setState(TurnStateAborted)
	p.orchestrator.emit(events.NewTurnAborted(p.turn.sessionID, p.turn.id, cause.Error(), cancelled))
	p.orchestrator.turnCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "aborted")))
	logger.InfoContext(ctx, "turn aborted",
		"session_id", p.turn.sessionID, "turn_id", p.turn.id, "cancelled", cancelled, "cause", cause)

	p.turn.mu.Lock()
	audioChunks := len(p.turn.emitted)
	p.turn.mu.Unlock()

	p.turn.finish(TurnResult{
		TurnID:        p.turn.id,
		SessionID:     p.turn.sessionID,
		UserSequence:  userSeq,
		AgentSequence: conversations.SequenceUnassigned,
		FromCache:     p.fromCache,
		AudioChunks:   audioChunks,
		Aborted:       true,
		AbortReason:   cause.Error(),
	}, cause)
}

func (p *turnPipeline) setState(state TurnState) {
	if TurnState(p.turn.state.Load()).terminal() {
		return
	}
	p.turn.state.Store(int32(state))

	if p.opts.onStateChange != nil {
		p.opts.onStateChange(state)
	}
	p.orchestrator.emit(events.NewTurnStateChanged(p.turn.sessionID, p.turn.id, state.String()))
}

// generate streams the response text into the sentence chunker. On a
// mid-stream provider failure the sentence-bounded prefix is kept, the
// incomplete tail discarded, and the remaining candidates asked to
// continue from the prefix rather than start over.
func (p *turnPipeline) generate(ctx context.Context, history []providers.Message) error {
	defer p.queue.Complete()

	ctx, span := tracer.Start(ctx, "generate response")
	defer span.End()

	if p.fromCache {
		p.forwardSegment(p.responseText)
		p.chunker.Flush()
		p.setState(TurnStateSynthesizingAudio)
		return nil
	}

	request := providers.GenerateRequest{
		Prompt:  p.utterance,
		History: history,
		Params:  p.opts.params,
	}
	candidates := p.orchestrator.generators

	for {
		_, err := routing.InvokeTextStream(ctx, p.orchestrator.router, providers.CapabilityLanguageModel,
			candidates, p.openGeneration(request), func(chunk string) error {
				if p.turn.cancelled.Load() {
					return ErrTurnCancelled
				}
				p.forwardSegment(chunk)
				return nil
			})
		if err == nil {
			break
		}

		var partial *routing.PartialStreamError
		if !errors.As(err, &partial) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		// The delivered prefix cannot be unsaid. Drop the unfinished
		// sentence, exclude the dead provider for the rest of this turn
		// and ask the next candidate to continue from the prefix.
		p.chunker.DiscardPending()
		candidates = excludeCandidate(candidates, partial.Provider)
		if len(candidates) == 0 {
			span.RecordError(partial)
			span.SetStatus(codes.Error, partial.Error())
			return partial
		}
		request.ContinueFrom = p.chunker.Committed()
		logger.WarnContext(ctx, "resuming generation on fallback provider",
			"session_id", p.turn.sessionID, "failed_provider", partial.Provider,
			"prefix_bytes", len(request.ContinueFrom))
	}

	p.chunker.Flush()
	p.responseText = p.chunker.Committed()
	p.setState(TurnStateSynthesizingAudio)
	return nil
}

func (p *turnPipeline) openGeneration(request providers.GenerateRequest) func(context.Context, *routing.Descriptor) (providers.TextStream, error) {
	return func(ctx context.Context, candidate *routing.Descriptor) (providers.TextStream, error) {
		generator, ok := candidate.Client.(providers.Generator)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not a generator", providers.ErrInvalidResponse, candidate.Name)
		}
		return generator.Generate(ctx, request)
	}
}

func (p *turnPipeline) forwardSegment(segment string) {
	if p.opts.onResponseText != nil {
		p.opts.onResponseText(segment)
	}
	p.orchestrator.emit(events.NewResponseSegment(p.turn.sessionID, segment))
	p.chunker.Feed(segment)
}

func excludeCandidate(candidates []*routing.Descriptor, name string) []*routing.Descriptor {
	remaining := make([]*routing.Descriptor, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.Name != name {
			remaining = append(remaining, candidate)
		}
	}
	return remaining
}

// dispatchSynthesis pulls sentence chunks off the queue and synthesizes
// them concurrently, at most ChunkQueueDepth in flight. Results land in
// the sequencer under their chunk index; emission reorders.
func (p *turnPipeline) dispatchSynthesis(ctx context.Context) error {
	slots := make(chan struct{}, p.orchestrator.cfg.Pipeline.ChunkQueueDepth)
	wg := &sync.WaitGroup{}
	dispatched := 0

	for index, chunk := range p.queue.Chunks {
		if p.turn.cancelled.Load() {
			break
		}
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		dispatched++
		go func(index int, text string) {
			defer wg.Done()
			defer func() { <-slots }()

			audio, err := p.synthesizeChunk(ctx, text)
			if err != nil {
				p.sequencer.Fail(err)
				return
			}
			p.sequencer.Put(index, audio)
		}(index, chunk)
	}

	wg.Wait()
	p.sequencer.Seal(dispatched)
	return nil
}

// synthesizeChunk turns one sentence chunk into audio, consulting the
// audio cache first. A streaming backend's chunk-internal stream is
// assembled whole; if it dies partway nothing was emitted yet, so the next
// candidate simply re-synthesizes the entire chunk.
func (p *turnPipeline) synthesizeChunk(ctx context.Context, chunk string) ([]byte, error) {
	text := strings.TrimSpace(chunk)
	if text == "" {
		return nil, nil
	}

	fingerprint := cache.AudioFingerprint(text, p.opts.voice)
	if audio, ok := p.orchestrator.responses.Get(fingerprint); ok {
		p.orchestrator.emit(events.NewCacheHit(string(providers.CapabilityTextToSpeech)))
		return audio, nil
	}
	p.orchestrator.emit(events.NewCacheMiss(string(providers.CapabilityTextToSpeech)))

	audio, err := routing.Invoke(ctx, p.orchestrator.router, providers.CapabilityTextToSpeech,
		p.orchestrator.synthesizers,
		func(ctx context.Context, candidate *routing.Descriptor) ([]byte, error) {
			if streaming, ok := candidate.Client.(providers.StreamingSynthesizer); ok {
				stream, err := streaming.SynthesizeStream(ctx, text, p.opts.voice)
				if err != nil {
					return nil, err
				}
				assembled := bytes.Buffer{}
				for audioChunk, err := range stream.Chunks(ctx) {
					if err != nil {
						return nil, err
					}
					assembled.Write(audioChunk)
				}
				return assembled.Bytes(), nil
			}

			synthesizer, ok := candidate.Client.(providers.Synthesizer)
			if !ok {
				return nil, fmt.Errorf("%w: %q is not a synthesizer", providers.ErrInvalidResponse, candidate.Name)
			}
			return synthesizer.Synthesize(ctx, text, p.opts.voice)
		})
	if err != nil {
		return nil, fmt.Errorf("failed to synthesize chunk: %w", err)
	}

	p.orchestrator.responses.Put(fingerprint, providers.CapabilityTextToSpeech, audio)
	return audio, nil
}

// emitAudio releases synthesized chunks strictly in sentence order.
func (p *turnPipeline) emitAudio(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.sequencer.Stop()
			p.queue.Clear()
		case <-done:
		}
	}()

	for index, audio := range p.sequencer.Chunks {
		if len(audio) == 0 {
			continue
		}
		p.turn.appendAudio(audio)
		if p.opts.onAudio != nil {
			p.opts.onAudio(audio)
		}
		p.orchestrator.emit(events.NewSpeechChunk(p.turn.sessionID, index, audio))
	}

	return p.sequencer.Err()
}
