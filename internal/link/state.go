// Package link implements the virtual link: one peer session wrapped in a
// connection state machine with an outbound frame queue.
package link

// State is the link connection state.
//
// Valid transitions:
//
//	Created → Connecting → Connected → Disconnecting → Closed
//
// plus a direct jump to Closed from any state on fatal transport error.
// Closed is terminal; a link is never reused after it.
type State int

const (
	StateCreated State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event reports one state transition of one link. Events for a single link
// are delivered in transition order.
type Event struct {
	Peer string
	Old  State
	New  State
}

// validTransition reports whether the machine may move from old to new.
// Closed is absorbing; everything may jump straight to Closed.
func validTransition(old, new State) bool {
	if old == StateClosed {
		return false
	}
	if new == StateClosed {
		return true
	}
	switch old {
	case StateCreated:
		return new == StateConnecting
	case StateConnecting:
		return new == StateConnected
	case StateConnected:
		return new == StateDisconnecting
	default:
		return false
	}
}
