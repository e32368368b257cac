package cache

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/lyravoice/lyra-core/core/providers"
)

// Fingerprint identifies one cacheable request: a stable hash of the
// normalized input plus every capability parameter that changes the output.
type Fingerprint uint64

// Normalize case-folds and whitespace-folds text so trivially different
// phrasings of the same input share a fingerprint.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// TextFingerprint computes the fingerprint for a language-model request.
// The history digest folds the bounded context in, so the same utterance
// against a different conversation never aliases.
func TextFingerprint(utterance string, history []providers.Message, params providers.GenerateParams) Fingerprint {
	digest := xxhash.New()
	writeField(digest, string(providers.CapabilityLanguageModel))
	writeField(digest, Normalize(utterance))
	for _, message := range history {
		writeField(digest, string(message.Role))
		writeField(digest, Normalize(message.Content))
	}
	writeField(digest, params.Model)
	writeFloat(digest, params.Temperature)
	return Fingerprint(digest.Sum64())
}

// AudioFingerprint computes the fingerprint for a synthesis request. Audio
// is a pure function of text and voice.
func AudioFingerprint(text string, voice providers.VoiceParams) Fingerprint {
	digest := xxhash.New()
	writeField(digest, string(providers.CapabilityTextToSpeech))
	writeField(digest, Normalize(text))
	writeField(digest, voice.VoiceID)
	writeField(digest, voice.Language)
	writeFloat(digest, voice.Speed)
	return Fingerprint(digest.Sum64())
}

func writeField(digest *xxhash.Digest, field string) {
	// Length prefix keeps adjacent fields from aliasing.
	var length [8]byte
	binary.LittleEndian.PutUint64(length[:], uint64(len(field)))
	_, _ = digest.Write(length[:])
	_, _ = digest.WriteString(field)
}

func writeFloat(digest *xxhash.Digest, value float64) {
	var bits [8]byte
	binary.LittleEndian.PutUint64(bits[:], math.Float64bits(value))
	_, _ = digest.Write(bits[:])
}
