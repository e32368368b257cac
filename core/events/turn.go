package events

const (
	// KindTurnStateChanged identifies a per-turn state machine transition.
	KindTurnStateChanged Kind = "turn.state_changed"
	// KindTurnCompleted identifies successful completion of a turn.
	KindTurnCompleted Kind = "turn.completed"
	// KindTurnAborted identifies a turn that ended in the aborted state.
	KindTurnAborted Kind = "turn.aborted"
)

// TurnStateChanged reports one transition of the turn state machine.
type TurnStateChanged struct {
	Base
	SessionID string
	TurnID    string
	State     string
}

// NewTurnStateChanged creates a turn state transition event.
func NewTurnStateChanged(sessionID, turnID, state string) TurnStateChanged {
	return TurnStateChanged{Base: NewBase(KindTurnStateChanged), SessionID: sessionID, TurnID: turnID, State: state}
}

// TurnCompleted marks a turn whose agent response was fully emitted and
// committed.
type TurnCompleted struct {
	Base
	SessionID string
	TurnID    string
	Response  string
}

// NewTurnCompleted creates a turn completed event.
func NewTurnCompleted(sessionID, turnID, response string) TurnCompleted {
	return TurnCompleted{Base: NewBase(KindTurnCompleted), SessionID: sessionID, TurnID: turnID, Response: response}
}

// TurnAborted marks a turn that ended without committing an agent response.
// Reason is always caller-visible; no abort is silent.
type TurnAborted struct {
	Base
	SessionID string
	TurnID    string
	Reason    string
	Cancelled bool
}

// NewTurnAborted creates a turn aborted event.
func NewTurnAborted(sessionID, turnID, reason string, cancelled bool) TurnAborted {
	return TurnAborted{Base: NewBase(KindTurnAborted), SessionID: sessionID, TurnID: turnID, Reason: reason, Cancelled: cancelled}
}
