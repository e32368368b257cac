package events

const (
	// KindResponseSegment identifies streamed response text.
	KindResponseSegment Kind = "response.segment"
	// KindResponseFinal identifies completion of response text streaming.
	KindResponseFinal Kind = "response.final"
	// KindSpeechChunk identifies one in-order synthesized audio chunk.
	KindSpeechChunk Kind = "speech.chunk"
	// KindSpeechFinal identifies completion of audio emission for a turn.
	KindSpeechFinal Kind = "speech.final"
)

// ResponseSegment carries an append-only piece of streamed response text.
type ResponseSegment struct {
	Base
	SessionID string
	Segment   string
}

// NewResponseSegment creates a response segment event.
func NewResponseSegment(sessionID, segment string) ResponseSegment {
	return ResponseSegment{Base: NewBase(KindResponseSegment), SessionID: sessionID, Segment: segment}
}

// ResponseFinal carries the fully assembled response text.
type ResponseFinal struct {
	Base
	SessionID string
	Response  string
}

// NewResponseFinal creates a response final event.
func NewResponseFinal(sessionID, response string) ResponseFinal {
	return ResponseFinal{Base: NewBase(KindResponseFinal), SessionID: sessionID, Response: response}
}

// SpeechChunk carries one synthesized audio chunk. Chunks are published in
// sentence order even when synthesis completed out of order.
type SpeechChunk struct {
	Base
	SessionID string
	Index     int
	Audio     []byte
}

// NewSpeechChunk creates a speech chunk event.
func NewSpeechChunk(sessionID string, index int, audio []byte) SpeechChunk {
	return SpeechChunk{Base: NewBase(KindSpeechChunk), SessionID: sessionID, Index: index, Audio: audio}
}

// SpeechFinal marks the end of audio emission for the current turn.
type SpeechFinal struct {
	Base
	SessionID string
}

// NewSpeechFinal creates a speech final event.
func NewSpeechFinal(sessionID string) SpeechFinal {
	return SpeechFinal{Base: NewBase(KindSpeechFinal), SessionID: sessionID}
}
