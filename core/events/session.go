package events

const (
	// KindSessionCreated identifies creation of a new conversation session.
	KindSessionCreated Kind = "session.created"
	// KindSessionEnded identifies explicit or expiry-driven session teardown.
	KindSessionEnded Kind = "session.ended"
)

// SessionCreated marks the creation of a conversation session.
type SessionCreated struct {
	Base
	SessionID string
}

// NewSessionCreated creates a session created event.
func NewSessionCreated(sessionID string) SessionCreated {
	return SessionCreated{Base: NewBase(KindSessionCreated), SessionID: sessionID}
}

// SessionEnded marks the teardown of a conversation session.
type SessionEnded struct {
	Base
	SessionID string
	// Expired is true when the session was removed by the inactivity sweep
	// rather than an explicit end.
	Expired bool
}

// NewSessionEnded creates a session ended event.
func NewSessionEnded(sessionID string, expired bool) SessionEnded {
	return SessionEnded{Base: NewBase(KindSessionEnded), SessionID: sessionID, Expired: expired}
}
