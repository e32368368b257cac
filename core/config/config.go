// Package config resolves the pipeline's consumed configuration surface.
// Provider priority lists are wired in code as pure data; everything
// numeric or durational comes from the environment with safe defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Context  ContextConfig  `envPrefix:"LYRA_CONTEXT_"`
	Timeouts TimeoutConfig  `envPrefix:"LYRA_TIMEOUT_"`
	Breaker  BreakerConfig  `envPrefix:"LYRA_BREAKER_"`
	Cache    CacheConfig    `envPrefix:"LYRA_CACHE_"`
	Pipeline PipelineConfig `envPrefix:"LYRA_PIPELINE_"`
}

type ContextConfig struct {
	// TokenBudget bounds the estimated token cost of the context window
	// handed to the language model.
	TokenBudget int `env:"TOKEN_BUDGET" envDefault:"3072"`
	// SummaryTokenCost is the fixed cost charged for the synthesized
	// summary turn standing in for evicted history.
	SummaryTokenCost int `env:"SUMMARY_TOKEN_COST" envDefault:"64"`
	// InactivityTimeout is how long a session may sit idle before the
	// expiry sweep removes it.
	InactivityTimeout time.Duration `env:"INACTIVITY_TIMEOUT" envDefault:"30m"`
}

type TimeoutConfig struct {
	// STT and TTS calls are short; the LLM timeout is longer to accommodate
	// streaming first-token latency.
	SpeechToText  time.Duration `env:"STT" envDefault:"10s"`
	LanguageModel time.Duration `env:"LLM" envDefault:"60s"`
	TextToSpeech  time.Duration `env:"TTS" envDefault:"10s"`
}

type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures inside the
	// sliding window that opens a provider's breaker.
	FailureThreshold int `env:"FAILURE_THRESHOLD" envDefault:"3"`
	// FailureWindow is the sliding window inside which consecutive failures
	// are counted.
	FailureWindow time.Duration `env:"FAILURE_WINDOW" envDefault:"1m"`
	// Cooldown is how long an open breaker waits before letting one
	// half-open trial request through.
	Cooldown time.Duration `env:"COOLDOWN" envDefault:"30s"`
}

type CacheConfig struct {
	MaxEntries int   `env:"MAX_ENTRIES" envDefault:"4096"`
	MaxBytes   int64 `env:"MAX_BYTES" envDefault:"67108864"`
	// TextFreshness is the freshness ceiling for cached language-model
	// text. Synthesized audio is a pure function of text and voice and has
	// no ceiling.
	TextFreshness time.Duration `env:"TEXT_FRESHNESS" envDefault:"15m"`
}

type PipelineConfig struct {
	// ChunkQueueDepth bounds how many sentence chunks may be dispatched to
	// synthesis ahead of emission. Text buffering above this depth is
	// unbounded so the model stream itself is never paused.
	ChunkQueueDepth int `env:"CHUNK_QUEUE_DEPTH" envDefault:"8"`
}

// Load resolves the configuration from the environment.
func Load() (Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse configuration from environment: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration with all defaults applied and the
// environment ignored. Used where configuration errors must not surface,
// e.g. option fallbacks.
func Default() Config {
	return Config{
		Context:  ContextConfig{TokenBudget: 3072, SummaryTokenCost: 64, InactivityTimeout: 30 * time.Minute},
		Timeouts: TimeoutConfig{SpeechToText: 10 * time.Second, LanguageModel: 60 * time.Second, TextToSpeech: 10 * time.Second},
		Breaker:  BreakerConfig{FailureThreshold: 3, FailureWindow: time.Minute, Cooldown: 30 * time.Second},
		Cache:    CacheConfig{MaxEntries: 4096, MaxBytes: 64 << 20, TextFreshness: 15 * time.Minute},
		Pipeline: PipelineConfig{ChunkQueueDepth: 8},
	}
}
