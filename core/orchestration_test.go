package orchestration

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lyravoice/lyra-core/core/events"
	"github.com/lyravoice/lyra-core/core/providers"
)

// stubGenerator scripts one language-model candidate.
type stubGenerator struct {
	generate func(ctx context.Context, req providers.GenerateRequest) (providers.TextStream, error)
}

func (g *stubGenerator) Generate(ctx context.Context, req providers.GenerateRequest) (providers.TextStream, error) {
	return g.generate(ctx, req)
}

// stubSynthesizer scripts one text-to-speech candidate.
type stubSynthesizer struct {
	synthesize func(ctx context.Context, text string, voice providers.VoiceParams) ([]byte, error)
}

func (s *stubSynthesizer) Synthesize(ctx context.Context, text string, voice providers.VoiceParams) ([]byte, error) {
	return s.synthesize(ctx, text, voice)
}

// stubTranscriber scripts one speech-to-text candidate.
type stubTranscriber struct {
	transcribe func(ctx context.Context, audio []byte, voice providers.VoiceParams) (string, error)
}

func (s *stubTranscriber) Transcribe(ctx context.Context, audio []byte, voice providers.VoiceParams) (string, error) {
	return s.transcribe(ctx, audio, voice)
}

// brokenStream yields chunks and then dies with err.
type brokenStream struct {
	chunks []string
	err    error
}

func (s brokenStream) Chunks(context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, chunk := range s.chunks {
			if !yield(chunk, nil) {
				return
			}
		}
		if s.err != nil {
			yield("", s.err)
		}
	}
}

// eventRecorder collects published events thread-safely.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) record(event events.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *eventRecorder) count(kind events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, event := range r.events {
		if event.Kind() == kind {
			count++
		}
	}
	return count
}

func (r *eventRecorder) attemptFailures(provider string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, event := range r.events {
		if failed, ok := event.(events.ProviderAttemptFailed); ok && failed.Provider == provider {
			count++
		}
	}
	return count
}

func echoSynthesizer() *stubSynthesizer {
	return &stubSynthesizer{
		synthesize: func(_ context.Context, text string, _ providers.VoiceParams) ([]byte, error) {
			return []byte("audio:" + text), nil
		},
	}
}

func TestTurnFallsBackAndCommitsExchange(t *testing.T) {
	recorder := &eventRecorder{}

	primary := &stubGenerator{
		generate: func(context.Context, providers.GenerateRequest) (providers.TextStream, error) {
			return nil, providers.ErrTimeout
		},
	}
	backup := &stubGenerator{
		generate: func(context.Context, providers.GenerateRequest) (providers.TextStream, error) {
			return providers.TextChunks("It's sunny, ", "72 degrees."), nil
		},
	}

	orchestrator, err := NewOrchestrator(
		WithGenerator("llm-primary", 0, primary),
		WithGenerator("llm-backup", 1, backup),
		WithSynthesizer("tts-primary", 0, echoSynthesizer()),
		WithEventHandler(recorder.record),
	)
	if err != nil {
		t.Fatalf("expected orchestrator to build, got %v", err)
	}

	sessionID := orchestrator.CreateSession()

	var audio []string
	handle, err := orchestrator.SubmitUtterance(context.Background(), sessionID, "what's the weather?",
		OnAudio(func(chunk []byte) { audio = append(audio, string(chunk)) }))
	if err != nil {
		t.Fatalf("expected submission to succeed, got %v", err)
	}

	result, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("expected turn to succeed, got %v", err)
	}
	if result.Response != "It's sunny, 72 degrees." {
		t.Fatalf("unexpected response: %q", result.Response)
	}
	if result.UserSequence != 0 || result.AgentSequence != 1 {
		t.Fatalf("expected sequences 0 and 1, got %d and %d", result.UserSequence, result.AgentSequence)
	}
	if len(audio) != 1 || audio[0] != "audio:It's sunny, 72 degrees." {
		t.Fatalf("unexpected audio chunks: %q", audio)
	}

	history, err := orchestrator.History(sessionID)
	if err != nil {
		t.Fatalf("expected history to succeed, got %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected both turns committed, got %d", len(history))
	}
	if history[0].Role != providers.RoleUser || history[1].Role != providers.RoleAgent {
		t.Fatalf("expected user then agent, got %s then %s", history[0].Role, history[1].Role)
	}

	if failures := recorder.attemptFailures("llm-primary"); failures != 1 {
		t.Fatalf("expected exactly one recorded failure for the primary, got %d", failures)
	}
	if state := handle.State(); state != TurnStateDone {
		t.Fatalf("expected done state, got %s", state)
	}
}

func TestAudioEmitsInSentenceOrderDespiteOutOfOrderSynthesis(t *testing.T) {
	generator := &stubGenerator{
		generate: func(context.Context, providers.GenerateRequest) (providers.TextStream, error) {
			return providers.TextChunks("One banana. Two bananas. Three bananas."), nil
		},
	}
	// Earlier sentences synthesize slower, so completion order inverts.
	synthesizer := &stubSynthesizer{
		synthesize: func(_ context.Context, text string, _ providers.VoiceParams) ([]byte, error) {
			switch {
			case strings.HasPrefix(text, "One"):
				time.Sleep(30 * time.Millisecond)
			case strings.HasPrefix(text, "Two"):
				time.Sleep(15 * time.Millisecond)
			}
			return []byte(text), nil
		},
	}

	orchestrator, err := NewOrchestrator(
		WithGenerator("llm", 0, generator),
		WithSynthesizer("tts", 0, synthesizer),
	)
	if err != nil {
		t.Fatalf("expected orchestrator to build, got %v", err)
	}

	sessionID := orchestrator.CreateSession()
	handle, err := orchestrator.SubmitUtterance(context.Background(), sessionID, "count bananas")
	if err != nil {
		t.Fatalf("expected submission to succeed, got %v", err)
	}

	var emitted []string
	for chunk, err := range handle.Audio(context.Background()) {
		if err != nil {
			t.Fatalf("expected audio stream to succeed, got %v", err)
		}
		emitted = append(emitted, string(chunk))
	}

	expected := []string{"One banana.", "Two bananas.", "Three bananas."}
	if len(emitted) != len(expected) {
		t.Fatalf("expected %d chunks, got %d: %q", len(expected), len(emitted), emitted)
	}
	for i, chunk := range emitted {
		if chunk != expected[i] {
			t.Fatalf("expected chunk %d to be %q, got %q", i, expected[i], chunk)
		}
	}

	if _, err := handle.Wait(context.Background()); err != nil {
		t.Fatalf("expected turn to succeed, got %v", err)
	}
}

func TestCancellationCommitsOnlyUserTurn(t *testing.T) {
	recorder := &eventRecorder{}

	generator := &stubGenerator{
		generate: func(context.Context, providers.GenerateRequest) (providers.TextStream, error) {
			return providers.TextChunks("First answer. Second answer."), nil
		},
	}
	synthesizer := &stubSynthesizer{
		synthesize: func(ctx context.Context, text string, _ providers.VoiceParams) ([]byte, error) {
			if strings.HasPrefix(text, "Second") {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return []byte(text), nil
		},
	}

	orchestrator, err := NewOrchestrator(
		WithGenerator("llm", 0, generator),
		WithSynthesizer("tts", 0, synthesizer),
		WithEventHandler(recorder.record),
	)
	if err != nil {
		t.Fatalf("expected orchestrator to build, got %v", err)
	}

	sessionID := orchestrator.CreateSession()

	handle, err := orchestrator.SubmitUtterance(context.Background(), sessionID, "tell me everything",
		OnAudio(func([]byte) { orchestrator.CancelTurn(sessionID) }))
	if err != nil {
		t.Fatalf("expected submission to succeed, got %v", err)
	}

	result, err := handle.Wait(context.Background())
	if !errors.Is(err, ErrTurnCancelled) {
		t.Fatalf("expected cancellation cause, got %v", err)
	}
	if !result.Aborted {
		t.Fatal("expected an aborted result")
	}
	if handle.State() != TurnStateAborted {
		t.Fatalf("expected aborted state, got %s", handle.State())
	}

	history, err := orchestrator.History(sessionID)
	if err != nil {
		t.Fatalf("expected history to succeed, got %v", err)
	}
	if len(history) != 1 || history[0].Role != providers.RoleUser {
		t.Fatalf("expected only the user turn committed, got %d turns", len(history))
	}

	if recorder.count(events.KindTurnAborted) != 1 {
		t.Fatal("expected a turn aborted event")
	}
	if recorder.count(events.KindTurnCompleted) != 0 {
		t.Fatal("expected no completion event for a cancelled turn")
	}
}

func TestMidStreamFailureResumesFromSentenceBoundary(t *testing.T) {
	var backupRequest providers.GenerateRequest

	primary := &stubGenerator{
		generate: func(context.Context, providers.GenerateRequest) (providers.TextStream, error) {
			return brokenStream{
				chunks: []string{"The forecast says rain. And then it"},
				err:    providers.ErrUnavailable,
			}, nil
		},
	}
	backup := &stubGenerator{
		generate: func(_ context.Context, req providers.GenerateRequest) (providers.TextStream, error) {
			backupRequest = req
			return providers.TextChunks("it clears up by noon."), nil
		},
	}

	orchestrator, err := NewOrchestrator(
		WithGenerator("llm-primary", 0, primary),
		WithGenerator("llm-backup", 1, backup),
		WithSynthesizer("tts", 0, echoSynthesizer()),
	)
	if err != nil {
		t.Fatalf("expected orchestrator to build, got %v", err)
	}

	sessionID := orchestrator.CreateSession()
	handle, err := orchestrator.SubmitUtterance(context.Background(), sessionID, "weather tomorrow?")
	if err != nil {
		t.Fatalf("expected submission to succeed, got %v", err)
	}

	result, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("expected turn to recover on the backup, got %v", err)
	}

	// The delivered sentence survives; the cut-off tail is regenerated.
	if result.Response != "The forecast says rain. it clears up by noon." {
		t.Fatalf("unexpected response: %q", result.Response)
	}
	if backupRequest.ContinueFrom != "The forecast says rain. " {
		t.Fatalf("expected the backup to continue from the sentence boundary, got %q", backupRequest.ContinueFrom)
	}
}

func TestIdenticalRequestsShareCachedResponse(t *testing.T) {
	recorder := &eventRecorder{}

	generatorCalls := 0
	generator := &stubGenerator{
		generate: func(context.Context, providers.GenerateRequest) (providers.TextStream, error) {
			generatorCalls++
			return providers.TextChunks("Paris is the capital of France."), nil
		},
	}
	synthesizerCalls := 0
	synthesizer := &stubSynthesizer{
		synthesize: func(_ context.Context, text string, _ providers.VoiceParams) ([]byte, error) {
			synthesizerCalls++
			return []byte(text), nil
		},
	}

	orchestrator, err := NewOrchestrator(
		WithGenerator("llm", 0, generator),
		WithSynthesizer("tts", 0, synthesizer),
		WithEventHandler(recorder.record),
	)
	if err != nil {
		t.Fatalf("expected orchestrator to build, got %v", err)
	}

	// Two fresh sessions with identical empty history share fingerprints.
	for i := 0; i < 2; i++ {
		sessionID := orchestrator.CreateSession()
		handle, err := orchestrator.SubmitUtterance(context.Background(), sessionID, "What is the capital of France?")
		if err != nil {
			t.Fatalf("expected submission %d to succeed, got %v", i, err)
		}
		result, err := handle.Wait(context.Background())
		if err != nil {
			t.Fatalf("expected turn %d to succeed, got %v", i, err)
		}
		if result.Response != "Paris is the capital of France." {
			t.Fatalf("unexpected response on turn %d: %q", i, result.Response)
		}
		if i == 1 && !result.FromCache {
			t.Fatal("expected the second turn to be served from the cache")
		}
	}

	if generatorCalls != 1 {
		t.Fatalf("expected one generator call, got %d", generatorCalls)
	}
	if synthesizerCalls != 1 {
		t.Fatalf("expected one synthesizer call, got %d", synthesizerCalls)
	}
	if recorder.count(events.KindCacheHit) == 0 {
		t.Fatal("expected cache hit events")
	}
}

func TestNondeterministicRequestsBypassCache(t *testing.T) {
	generatorCalls := 0
	generator := &stubGenerator{
		generate: func(context.Context, providers.GenerateRequest) (providers.TextStream, error) {
			generatorCalls++
			return providers.TextChunks(fmt.Sprintf("Answer %d.", generatorCalls)), nil
		},
	}

	orchestrator, err := NewOrchestrator(
		WithGenerator("llm", 0, generator),
		WithSynthesizer("tts", 0, echoSynthesizer()),
		WithGenerateParams(providers.GenerateParams{Temperature: 0.7}),
	)
	if err != nil {
		t.Fatalf("expected orchestrator to build, got %v", err)
	}

	for i := 0; i < 2; i++ {
		sessionID := orchestrator.CreateSession()
		handle, err := orchestrator.SubmitUtterance(context.Background(), sessionID, "Surprise me.")
		if err != nil {
			t.Fatalf("expected submission to succeed, got %v", err)
		}
		if _, err := handle.Wait(context.Background()); err != nil {
			t.Fatalf("expected turn to succeed, got %v", err)
		}
	}

	if generatorCalls != 2 {
		t.Fatalf("expected every nondeterministic request to reach the model, got %d calls", generatorCalls)
	}
}

func TestSubmitAudioTranscribesThenRuns(t *testing.T) {
	transcriber := &stubTranscriber{
		transcribe: func(_ context.Context, audio []byte, _ providers.VoiceParams) (string, error) {
			if string(audio) != "pcm-bytes" {
				return "", providers.ErrInvalidResponse
			}
			return "what's the weather?", nil
		},
	}
	generator := &stubGenerator{
		generate: func(_ context.Context, req providers.GenerateRequest) (providers.TextStream, error) {
			if req.Prompt != "what's the weather?" {
				return nil, fmt.Errorf("%w: unexpected prompt %q", providers.ErrInvalidResponse, req.Prompt)
			}
			return providers.TextChunks("It's sunny."), nil
		},
	}

	orchestrator, err := NewOrchestrator(
		WithTranscriber("stt", 0, transcriber),
		WithGenerator("llm", 0, generator),
		WithSynthesizer("tts", 0, echoSynthesizer()),
	)
	if err != nil {
		t.Fatalf("expected orchestrator to build, got %v", err)
	}

	sessionID := orchestrator.CreateSession()
	handle, err := orchestrator.SubmitAudio(context.Background(), sessionID, []byte("pcm-bytes"),
		WithAudioRef("recordings/utterance-1"))
	if err != nil {
		t.Fatalf("expected audio submission to succeed, got %v", err)
	}

	result, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("expected turn to succeed, got %v", err)
	}
	if result.Response != "It's sunny." {
		t.Fatalf("unexpected response: %q", result.Response)
	}

	history, _ := orchestrator.History(sessionID)
	if len(history) != 2 || history[0].AudioRef != "recordings/utterance-1" {
		t.Fatalf("expected the user turn to carry the audio ref, got %+v", history)
	}
}

func TestExhaustedGeneratorsAbortTheTurn(t *testing.T) {
	recorder := &eventRecorder{}

	generator := &stubGenerator{
		generate: func(context.Context, providers.GenerateRequest) (providers.TextStream, error) {
			return nil, providers.ErrUnavailable
		},
	}

	orchestrator, err := NewOrchestrator(
		WithGenerator("llm", 0, generator),
		WithSynthesizer("tts", 0, echoSynthesizer()),
		WithEventHandler(recorder.record),
	)
	if err != nil {
		t.Fatalf("expected orchestrator to build, got %v", err)
	}

	sessionID := orchestrator.CreateSession()
	handle, err := orchestrator.SubmitUtterance(context.Background(), sessionID, "anyone there?")
	if err != nil {
		t.Fatalf("expected submission to succeed, got %v", err)
	}

	result, err := handle.Wait(context.Background())
	if err == nil {
		t.Fatal("expected the turn to fail")
	}
	if !result.Aborted {
		t.Fatal("expected an aborted result")
	}

	// The utterance was heard even though no response came back.
	history, _ := orchestrator.History(sessionID)
	if len(history) != 1 || history[0].Role != providers.RoleUser {
		t.Fatalf("expected only the user turn committed, got %d turns", len(history))
	}
	if recorder.count(events.KindTurnAborted) != 1 {
		t.Fatal("expected a turn aborted event")
	}
}

func TestTurnsWithinSessionAreSerialized(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0

	generator := &stubGenerator{
		generate: func(context.Context, providers.GenerateRequest) (providers.TextStream, error) {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return providers.TextChunks("Done."), nil
		},
	}

	orchestrator, err := NewOrchestrator(
		WithGenerator("llm", 0, generator),
		WithSynthesizer("tts", 0, echoSynthesizer()),
		WithGenerateParams(providers.GenerateParams{Temperature: 1}),
	)
	if err != nil {
		t.Fatalf("expected orchestrator to build, got %v", err)
	}

	sessionID := orchestrator.CreateSession()

	handles := make([]*TurnHandle, 0, 3)
	for i := 0; i < 3; i++ {
		handle, err := orchestrator.SubmitUtterance(context.Background(), sessionID, fmt.Sprintf("turn %d", i))
		if err != nil {
			t.Fatalf("expected submission %d to succeed, got %v", i, err)
		}
		handles = append(handles, handle)
	}
	for i, handle := range handles {
		if _, err := handle.Wait(context.Background()); err != nil {
			t.Fatalf("expected turn %d to succeed, got %v", i, err)
		}
	}

	if maxInFlight != 1 {
		t.Fatalf("expected turns within a session to run one at a time, got %d in flight", maxInFlight)
	}
}

func TestEndSessionCancelsInFlightTurn(t *testing.T) {
	generator := &stubGenerator{
		generate: func(ctx context.Context, _ providers.GenerateRequest) (providers.TextStream, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	orchestrator, err := NewOrchestrator(
		WithGenerator("llm", 0, generator),
		WithSynthesizer("tts", 0, echoSynthesizer()),
	)
	if err != nil {
		t.Fatalf("expected orchestrator to build, got %v", err)
	}

	sessionID := orchestrator.CreateSession()
	handle, err := orchestrator.SubmitUtterance(context.Background(), sessionID, "hold on")
	if err != nil {
		t.Fatalf("expected submission to succeed, got %v", err)
	}

	// Give the pipeline a moment to enter generation.
	time.Sleep(10 * time.Millisecond)
	if err := orchestrator.EndSession(sessionID); err != nil {
		t.Fatalf("expected end session to succeed, got %v", err)
	}

	result, err := handle.Wait(context.Background())
	if err == nil {
		t.Fatal("expected the turn to abort")
	}
	if !result.Aborted {
		t.Fatal("expected an aborted result")
	}

	if _, err := orchestrator.History(sessionID); err == nil {
		t.Fatal("expected the session to be gone")
	}
}

func TestUnknownSessionIsRejected(t *testing.T) {
	orchestrator, err := NewOrchestrator(
		WithGenerator("llm", 0, &stubGenerator{}),
		WithSynthesizer("tts", 0, echoSynthesizer()),
	)
	if err != nil {
		t.Fatalf("expected orchestrator to build, got %v", err)
	}

	if _, err := orchestrator.SubmitUtterance(context.Background(), "nope", "hello"); err == nil {
		t.Fatal("expected submission to an unknown session to fail")
	}
	if orchestrator.CancelTurn("nope") {
		t.Fatal("expected cancel on an unknown session to be a no-op")
	}
}
