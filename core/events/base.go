package events

import (
	"strings"
	"time"
)

// Kind names an event type as "<namespace>.<name>", e.g. "turn.completed".
type Kind string

// Namespace returns the part of the kind before the first dot, so handlers
// can subscribe to a whole event family at once.
func (k Kind) Namespace() string {
	namespace, _, _ := strings.Cut(string(k), ".")
	return namespace
}

// Event is the contract every published pipeline event satisfies. Handlers
// switch on Kind and type-assert to the concrete event for its payload.
type Event interface {
	Kind() Kind
	Timestamp() time.Time
}

// Base carries the kind and emission time shared by every event. Concrete
// events embed it by value.
type Base struct {
	kind      Kind
	timestamp time.Time
}

func NewBase(kind Kind) Base {
	return Base{kind: kind, timestamp: time.Now()}
}

func (b Base) Kind() Kind {
	return b.kind
}

func (b Base) Timestamp() time.Time {
	return b.timestamp
}
