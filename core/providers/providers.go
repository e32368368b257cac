// Package providers defines the capability surface the pipeline core uses
// to talk to external speech-to-text, language-model and text-to-speech
// backends. Concrete adapters live outside this module; they implement one
// of the capability interfaces below and surface failures through the
// taxonomy in errors.go so the router can classify them.
package providers

import (
	"context"
	"iter"
)

// Capability tags which kind of backend a provider serves.
type Capability string

const (
	CapabilitySpeechToText  Capability = "stt"
	CapabilityLanguageModel Capability = "llm"
	CapabilityTextToSpeech  Capability = "tts"
)

// Role describes who authored a conversation message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is one entry of the bounded history handed to a generator.
type Message struct {
	Role    Role
	Content string
}

// VoiceParams selects the synthesis voice. VoiceID and Language also
// participate in cache fingerprints, so two requests with different voices
// never share audio.
type VoiceParams struct {
	VoiceID  string
	Language string
	Speed    float64
}

// GenerateParams are the model-selection knobs for one generation call.
//
// Temperature above zero makes outputs non-deterministic; the cache layer
// refuses to store such responses.
type GenerateParams struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// GenerateRequest scopes one language-model call.
type GenerateRequest struct {
	Prompt  string
	History []Message

	// ContinueFrom carries the sentence-bounded prefix that was already
	// delivered downstream before a mid-stream provider failure. A provider
	// receiving a non-empty prefix should continue the response from that
	// point rather than starting over.
	ContinueFrom string

	Params GenerateParams
}

// TextStream is an asynchronous sequence of generated text chunks.
type TextStream interface {
	Chunks(ctx context.Context) iter.Seq2[string, error]
}

// AudioStream is an asynchronous sequence of synthesized audio chunks.
type AudioStream interface {
	Chunks(ctx context.Context) iter.Seq2[[]byte, error]
}

// Transcriber converts a finished audio utterance to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, voice VoiceParams) (string, error)
}

// Generator produces a streamed language-model response.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (TextStream, error)
}

// Synthesizer converts one sentence-bounded text chunk to audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice VoiceParams) ([]byte, error)
}

// StreamingSynthesizer is an optional extension for backends that deliver
// audio incrementally. The router falls back to Synthesize when a backend
// does not implement it.
type StreamingSynthesizer interface {
	SynthesizeStream(ctx context.Context, text string, voice VoiceParams) (AudioStream, error)
}

// TextChunks adapts a static chunk slice to a TextStream. Useful for
// prompt-based (non-streaming) generator backends and for tests.
func TextChunks(chunks ...string) TextStream { return textChunks(chunks) }

type textChunks []string

func (t textChunks) Chunks(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, chunk := range t {
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}
