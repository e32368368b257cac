package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyravoice/lyra-core/core/providers"
)

func TestPutGetRoundTrip(t *testing.T) {
	cache, err := New(8, 1<<20, time.Minute)
	require.NoError(t, err)

	fingerprint := AudioFingerprint("It's sunny.", providers.VoiceParams{VoiceID: "nova"})
	cache.Put(fingerprint, providers.CapabilityTextToSpeech, []byte("audio-bytes"))

	payload, ok := cache.Get(fingerprint)
	require.True(t, ok)
	assert.Equal(t, []byte("audio-bytes"), payload)
}

func TestEntryCountBoundEvictsLeastRecentlyUsed(t *testing.T) {
	const capacity = 4
	cache, err := New(capacity, 1<<20, time.Minute)
	require.NoError(t, err)

	fingerprints := make([]Fingerprint, capacity+1)
	for i := range fingerprints {
		fingerprints[i] = AudioFingerprint(fmt.Sprintf("sentence %d.", i), providers.VoiceParams{VoiceID: "nova"})
		cache.Put(fingerprints[i], providers.CapabilityTextToSpeech, []byte{byte(i)})
	}

	_, ok := cache.Get(fingerprints[0])
	assert.False(t, ok, "expected the least-recently-used entry to be evicted")

	for _, fingerprint := range fingerprints[1:] {
		_, ok := cache.Get(fingerprint)
		assert.True(t, ok, "expected newer entries to survive")
	}
}

func TestByteBoundEvictsIndependently(t *testing.T) {
	cache, err := New(100, 32, time.Minute)
	require.NoError(t, err)

	first := AudioFingerprint("first.", providers.VoiceParams{})
	second := AudioFingerprint("second.", providers.VoiceParams{})
	third := AudioFingerprint("third.", providers.VoiceParams{})

	cache.Put(first, providers.CapabilityTextToSpeech, make([]byte, 16))
	cache.Put(second, providers.CapabilityTextToSpeech, make([]byte, 16))
	cache.Put(third, providers.CapabilityTextToSpeech, make([]byte, 16))

	_, ok := cache.Get(first)
	assert.False(t, ok, "expected byte bound to evict the oldest entry")

	stats := cache.Stats()
	assert.LessOrEqual(t, stats.Bytes, int64(32))
}

func TestOversizedPayloadIsSkipped(t *testing.T) {
	cache, err := New(8, 8, time.Minute)
	require.NoError(t, err)

	small := AudioFingerprint("small.", providers.VoiceParams{})
	cache.Put(small, providers.CapabilityTextToSpeech, []byte("ok"))

	huge := AudioFingerprint("huge.", providers.VoiceParams{})
	cache.Put(huge, providers.CapabilityTextToSpeech, make([]byte, 64))

	_, ok := cache.Get(huge)
	assert.False(t, ok)
	_, ok = cache.Get(small)
	assert.True(t, ok, "expected an oversized put to leave existing entries alone")
}

func TestTextFreshnessCeiling(t *testing.T) {
	now := time.Now()
	cache, err := New(8, 1<<20, time.Minute, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	params := providers.GenerateParams{Model: "m1"}
	textFP := TextFingerprint("what's the weather?", nil, params)
	audioFP := AudioFingerprint("it's sunny.", providers.VoiceParams{VoiceID: "nova"})

	cache.Put(textFP, providers.CapabilityLanguageModel, []byte("It's sunny, 72 degrees."))
	cache.Put(audioFP, providers.CapabilityTextToSpeech, []byte("audio"))

	now = now.Add(2 * time.Minute)

	_, ok := cache.Get(textFP)
	assert.False(t, ok, "expected language-model text to expire past the ceiling")

	_, ok = cache.Get(audioFP)
	assert.True(t, ok, "expected synthesized audio to never expire")
}

func TestCacheableGatesOnTemperature(t *testing.T) {
	assert.True(t, Cacheable(providers.GenerateParams{Model: "m1"}))
	assert.False(t, Cacheable(providers.GenerateParams{Model: "m1", Temperature: 0.7}))
}

func TestFingerprintNormalization(t *testing.T) {
	params := providers.GenerateParams{Model: "m1"}
	a := TextFingerprint("  What's   the WEATHER? ", nil, params)
	b := TextFingerprint("what's the weather?", nil, params)
	assert.Equal(t, a, b, "expected case and whitespace folding to share a fingerprint")

	c := TextFingerprint("what's the weather?", []providers.Message{{Role: providers.RoleUser, Content: "hi"}}, params)
	assert.NotEqual(t, a, c, "expected history to participate in the fingerprint")

	d := TextFingerprint("what's the weather?", nil, providers.GenerateParams{Model: "m2"})
	assert.NotEqual(t, a, d, "expected the model id to participate in the fingerprint")
}

func TestStatsCountsHitsAndMisses(t *testing.T) {
	cache, err := New(8, 1<<20, time.Minute)
	require.NoError(t, err)

	fingerprint := AudioFingerprint("hello.", providers.VoiceParams{})
	_, _ = cache.Get(fingerprint)
	cache.Put(fingerprint, providers.CapabilityTextToSpeech, []byte("x"))
	_, _ = cache.Get(fingerprint)

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}
