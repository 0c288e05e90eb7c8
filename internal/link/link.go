package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/tapweave/tapweave/internal/frame"
	"github.com/tapweave/tapweave/internal/transport"
	"github.com/tapweave/tapweave/internal/util"
)

// Tuning constants.
const (
	outboxSize      = 64 // outbound frame queue capacity
	eventBufferSize = 16 // state-transition event queue capacity
)

var (
	// ErrNotReady is returned by Send when the link is not Connected.
	// The caller drops the frame; forwarding never waits for readiness.
	ErrNotReady = errors.New("link not ready")

	// ErrQueueFull is returned by Send when the outbound queue is full.
	ErrQueueFull = errors.New("link send queue full")

	// ErrClosed is returned for operations on a closed link.
	ErrClosed = errors.New("link closed")
)

// Hooks are the owner-side callbacks of a link. OnEvent is invoked from a
// dedicated per-link goroutine, so events for one link arrive in transition
// order; OnFrame is invoked from the transport's delivery goroutine.
type Hooks struct {
	OnFrame  func(f *frame.Frame)
	OnEvent  func(ev Event)
	OnSignal func(peer string, desc json.RawMessage)
}

// Link wraps one peer transport session. It owns the connection state
// machine and a single-writer send queue; received frames are pushed
// upward through Hooks.OnFrame.
type Link struct {
	peer  string
	tr    transport.Transport
	pool  *frame.Pool
	hooks Hooks

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	sess  transport.Session

	outbox   chan *frame.Frame
	connGate chan struct{} // closed once the link reaches Connected
	gateOnce sync.Once
	events   chan Event

	closeOnce sync.Once
	closeErr  error
}

// New creates a link in StateCreated and starts its event and send
// goroutines. The link is torn down when Close is called, the transport
// reports a terminal state, or parent is cancelled.
func New(parent context.Context, peer string, tr transport.Transport, pool *frame.Pool, hooks Hooks) *Link {
	ctx, cancel := context.WithCancel(parent)
	l := &Link{
		peer:     peer,
		tr:       tr,
		pool:     pool,
		hooks:    hooks,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateCreated,
		outbox:   make(chan *frame.Frame, outboxSize),
		connGate: make(chan struct{}),
		events:   make(chan Event, eventBufferSize),
	}
	go l.eventLoop()
	go l.sendLoop()
	return l
}

// Peer returns the stable peer identifier.
func (l *Link) Peer() string { return l.peer }

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Done returns a channel closed when the link is shut down.
func (l *Link) Done() <-chan struct{} { return l.ctx.Done() }

// Connect asks the transport to establish the peer session. It returns as
// soon as the attempt is in flight; readiness arrives later as a
// Connecting→Connected event. Calling Close while the attempt is pending
// cancels it; a stale readiness notification cannot resurrect the link.
func (l *Link) Connect(params json.RawMessage) error {
	if !l.transition(StateConnecting) {
		l.mu.Lock()
		st := l.state
		l.mu.Unlock()
		if st == StateClosed {
			return ErrClosed
		}
		return fmt.Errorf("cannot connect link in state %s", st)
	}

	cb := transport.Callbacks{
		OnFrame:       l.handleFrame,
		OnStateChange: l.handleSessionState,
		OnSignal: func(desc json.RawMessage) {
			if l.hooks.OnSignal != nil {
				l.hooks.OnSignal(l.peer, desc)
			}
		},
	}

	sess, err := l.tr.Connect(l.ctx, l.peer, params, cb)
	if err != nil {
		l.shutdown()
		return fmt.Errorf("transport connect for peer %s: %w", l.peer, err)
	}

	l.mu.Lock()
	l.sess = sess
	l.mu.Unlock()
	l.maybeOpenGate()
	return nil
}

// Signal forwards out-of-band signaling data from the control plane into
// the session (e.g. the remote description answering our offer).
func (l *Link) Signal(desc json.RawMessage) error {
	l.mu.Lock()
	sess := l.sess
	st := l.state
	l.mu.Unlock()

	if st == StateClosed {
		return ErrClosed
	}
	if sess == nil {
		return fmt.Errorf("link for peer %s has no session yet", l.peer)
	}
	return sess.Signal(desc)
}

// Send enqueues one frame for transmission. Accepted only in Connected
// state; otherwise the frame is rejected with ErrNotReady and the caller
// drops it. Never blocks: a full queue rejects with ErrQueueFull.
// Ownership of the frame passes to the link on success.
func (l *Link) Send(f *frame.Frame) error {
	l.mu.Lock()
	st := l.state
	l.mu.Unlock()
	if st != StateConnected {
		return ErrNotReady
	}

	select {
	case l.outbox <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close tears the link down: Connected links pass through Disconnecting,
// queued outbound frames are discarded, and the session is closed. Safe to
// call from any state and more than once.
func (l *Link) Close() error {
	l.transition(StateDisconnecting) // only takes effect from Connected
	l.shutdown()
	return l.closeErr
}

// ---------------------------------------------------------------------------
// Transport callbacks
// ---------------------------------------------------------------------------

// handleFrame copies one received frame into a pooled buffer and pushes it
// upward. Frames arriving before the link is Connected are dropped; the
// contract admits no delivery before readiness.
func (l *Link) handleFrame(b []byte) {
	l.mu.Lock()
	st := l.state
	l.mu.Unlock()
	if st != StateConnected {
		util.LogDebug("[%s] frame received in state %s, dropping", l.peer, st)
		return
	}

	f := l.pool.Acquire(len(b))
	f.Fill(b)
	f.Origin = l.peer
	if l.hooks.OnFrame != nil {
		l.hooks.OnFrame(f)
	} else {
		l.pool.Release(f)
	}
}

// handleSessionState maps transport session states onto the link machine.
func (l *Link) handleSessionState(s transport.SessionState) {
	switch s {
	case transport.SessionConnected:
		l.transition(StateConnected)
	case transport.SessionClosing:
		l.transition(StateDisconnecting)
	case transport.SessionClosed, transport.SessionFailed:
		l.shutdown()
	}
}

// ---------------------------------------------------------------------------
// State machine internals
// ---------------------------------------------------------------------------

// transition attempts a state change. On success the event is queued for
// in-order delivery and state side effects run; returns false if the
// transition is not valid from the current state (e.g. after Closed:
// removal always wins over late transport notifications).
func (l *Link) transition(new State) bool {
	l.mu.Lock()
	old := l.state
	if !validTransition(old, new) {
		l.mu.Unlock()
		return false
	}
	l.state = new
	l.events <- Event{Peer: l.peer, Old: old, New: new}
	if new == StateClosed {
		// Closed is absorbing, so no further event can be queued.
		close(l.events)
	}
	l.mu.Unlock()

	switch new {
	case StateConnected:
		l.maybeOpenGate()
	case StateClosed:
		l.cancel()
	}
	return true
}

// maybeOpenGate releases the send loop once the link is Connected AND the
// session pointer is in place. Readiness can be reported while Connect is
// still returning the session, so both conditions are checked.
func (l *Link) maybeOpenGate() {
	l.mu.Lock()
	ready := l.state == StateConnected && l.sess != nil
	l.mu.Unlock()
	if ready {
		l.gateOnce.Do(func() { close(l.connGate) })
	}
}

// shutdown moves the link to Closed exactly once and releases the session.
func (l *Link) shutdown() {
	l.closeOnce.Do(func() {
		l.transition(StateClosed)

		l.mu.Lock()
		sess := l.sess
		l.mu.Unlock()
		if sess != nil {
			l.closeErr = sess.Close()
		}
	})
}

// eventLoop delivers state events to the owner in transition order.
func (l *Link) eventLoop() {
	for ev := range l.events {
		util.LogDebug("[%s] link state %s → %s", ev.Peer, ev.Old, ev.New)
		if l.hooks.OnEvent != nil {
			l.hooks.OnEvent(ev)
		}
	}
}

// sendLoop is the single-writer goroutine draining the outbound queue.
// It waits for the link to open before sending, so the transport never
// sees a frame ahead of readiness, and it preserves queue order.
func (l *Link) sendLoop() {
	select {
	case <-l.connGate:
	case <-l.ctx.Done():
		l.drainOutbox()
		return
	}

	for {
		select {
		case f := <-l.outbox:
			l.mu.Lock()
			sess := l.sess
			l.mu.Unlock()

			err := sess.Send(f.Bytes())
			l.pool.Release(f)
			if err != nil {
				util.LogError("[%s] transport send failed: %v", l.peer, err)
				l.shutdown()
				l.drainOutbox()
				return
			}

		case <-l.ctx.Done():
			l.drainOutbox()
			return
		}
	}
}

// drainOutbox discards queued frames on teardown, returning their buffers
// to the pool.
func (l *Link) drainOutbox() {
	for {
		select {
		case f := <-l.outbox:
			l.pool.Release(f)
		default:
			return
		}
	}
}
