// Package transport defines the boundary to the external virtual-link
// transport collaborator. The core never looks inside a session: NAT
// traversal, encryption, and delivery semantics all live behind this
// interface. Concrete adapters (see internal/webrtc) plug in here.
package transport

import (
	"context"
	"encoding/json"
)

// SessionState is the connection state reported by the transport for one
// peer session. The owning link maps these onto its own state machine.
type SessionState int

const (
	SessionConnecting SessionState = iota
	SessionConnected
	SessionClosing
	SessionClosed
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Callbacks are the push notifications a session delivers to its owner.
// The transport may invoke them from its own goroutines; owners queue the
// work instead of assuming any locking discipline.
type Callbacks struct {
	// OnFrame delivers one received frame. The byte slice is only valid
	// for the duration of the call.
	OnFrame func(b []byte)

	// OnStateChange reports session connectivity transitions.
	OnStateChange func(s SessionState)

	// OnSignal surfaces transport-generated signaling data (e.g. a local
	// connection description) that must travel out of band to the peer.
	OnSignal func(desc json.RawMessage)
}

// Session is one established (or establishing) peer session.
type Session interface {
	// Send transmits one frame. Only valid while the session is connected.
	Send(b []byte) error

	// Signal delivers out-of-band signaling data from the peer (e.g. a
	// remote connection description) into the session.
	Signal(desc json.RawMessage) error

	// Close tears the session down. Idempotent.
	Close() error
}

// Transport creates peer sessions. Connect returns quickly with a Session
// in the connecting state; readiness and failure arrive via cb.OnStateChange.
// Cancelling ctx aborts an in-flight connection attempt.
type Transport interface {
	Connect(ctx context.Context, peerID string, params json.RawMessage, cb Callbacks) (Session, error)
}
