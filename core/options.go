package orchestration

import (
	"github.com/lyravoice/lyra-core/core/config"
	"github.com/lyravoice/lyra-core/core/events"
	"github.com/lyravoice/lyra-core/core/providers"
	"github.com/lyravoice/lyra-core/core/routing"
)

type OrchestratorOption func(*Orchestrator)

// WithConfig replaces the environment-derived configuration.
func WithConfig(cfg config.Config) OrchestratorOption {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithTranscriber registers a speech-to-text candidate. Lower priority
// ranks are tried first.
func WithTranscriber(name string, priority int, client providers.Transcriber) OrchestratorOption {
	return func(o *Orchestrator) {
		o.transcribers = append(o.transcribers,
			routing.NewDescriptor(name, providers.CapabilitySpeechToText, priority, client))
	}
}

// WithGenerator registers a language-model candidate. Lower priority ranks
// are tried first.
func WithGenerator(name string, priority int, client providers.Generator) OrchestratorOption {
	return func(o *Orchestrator) {
		o.generators = append(o.generators,
			routing.NewDescriptor(name, providers.CapabilityLanguageModel, priority, client))
	}
}

// WithSynthesizer registers a text-to-speech candidate. The client must
// implement providers.Synthesizer; providers.StreamingSynthesizer is used
// when implemented as well. Lower priority ranks are tried first.
func WithSynthesizer(name string, priority int, client providers.Synthesizer) OrchestratorOption {
	return func(o *Orchestrator) {
		o.synthesizers = append(o.synthesizers,
			routing.NewDescriptor(name, providers.CapabilityTextToSpeech, priority, client))
	}
}

// WithVoice sets the default synthesis voice for every session.
func WithVoice(voice providers.VoiceParams) OrchestratorOption {
	return func(o *Orchestrator) { o.voice = voice }
}

// WithGenerateParams sets the default language-model parameters.
func WithGenerateParams(params providers.GenerateParams) OrchestratorOption {
	return func(o *Orchestrator) { o.params = params }
}

// WithEventHandler registers the callback receiving every published event.
// The callback runs on pipeline goroutines and must not block.
func WithEventHandler(handler func(events.Event)) OrchestratorOption {
	return func(o *Orchestrator) { o.handler = handler }
}

type SessionOption func(*sessionState)

// WithSessionVoice overrides the orchestrator's default voice for one
// session. The voice participates in audio cache fingerprints, so sessions
// with different voices never share synthesized audio.
func WithSessionVoice(voice providers.VoiceParams) SessionOption {
	return func(s *sessionState) { s.voice = voice }
}

// TurnOptions collects per-turn callbacks and overrides.
type TurnOptions struct {
	onResponseText func(segment string)
	onAudio        func(chunk []byte)
	onStateChange  func(state TurnState)

	params   providers.GenerateParams
	voice    providers.VoiceParams
	audioRef string
}

type TurnOption func(*TurnOptions)

// OnResponseText registers a callback receiving streamed response text
// segments in order.
func OnResponseText(fn func(segment string)) TurnOption {
	return func(opts *TurnOptions) { opts.onResponseText = fn }
}

// OnAudio registers a callback receiving synthesized audio chunks in
// sentence order.
func OnAudio(fn func(chunk []byte)) TurnOption {
	return func(opts *TurnOptions) { opts.onAudio = fn }
}

// OnStateChange registers a callback receiving every turn state
// transition.
func OnStateChange(fn func(state TurnState)) TurnOption {
	return func(opts *TurnOptions) { opts.onStateChange = fn }
}

// WithTurnParams overrides the language-model parameters for one turn.
func WithTurnParams(params providers.GenerateParams) TurnOption {
	return func(opts *TurnOptions) { opts.params = params }
}

// WithTurnVoice overrides the synthesis voice for one turn.
func WithTurnVoice(voice providers.VoiceParams) TurnOption {
	return func(opts *TurnOptions) { opts.voice = voice }
}

// WithAudioRef attaches an opaque caller-owned handle to the committed
// user turn, typically naming the original utterance audio.
func WithAudioRef(ref string) TurnOption {
	return func(opts *TurnOptions) { opts.audioRef = ref }
}
