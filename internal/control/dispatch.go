package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tapweave/tapweave/internal/device"
	"github.com/tapweave/tapweave/internal/frame"
	"github.com/tapweave/tapweave/internal/link"
	"github.com/tapweave/tapweave/internal/transport"
	"github.com/tapweave/tapweave/internal/tunnel"
	"github.com/tapweave/tapweave/internal/util"
)

var (
	// ErrNoSuchTunnel is returned when a request names an unknown tunnel.
	ErrNoSuchTunnel = errors.New("no such tunnel")

	// ErrTunnelExists is returned when a tunnel ID is already taken.
	ErrTunnelExists = errors.New("tunnel already exists")

	// ErrOpInProgress is returned when a mutation for the same peer is
	// already in flight; the caller retries after observing its outcome.
	ErrOpInProgress = errors.New("operation in progress")
)

// DeviceOpener opens the frame device for a new tunnel. Injectable so
// tests can substitute an in-memory device.
type DeviceOpener func(cfg device.Config) (device.Device, error)

// handlerFunc processes one request payload and returns the response
// payload. A nil payload with nil error acknowledges with Ack{OK:true}.
type handlerFunc func(payload json.RawMessage) (interface{}, error)

// Dispatch routes control requests to handlers and owns the tunnel
// registry. Mutating operations on the same tunnel/peer pair are
// serialized through an in-flight guard: a concurrent second mutation
// fails fast with ErrOpInProgress instead of racing.
//
// Handlers return immediately; slow work (waiting for transport
// readiness) continues asynchronously and surfaces later as events.
type Dispatch struct {
	ctx        context.Context
	tr         transport.Transport
	pool       *frame.Pool
	openDevice DeviceOpener

	mu       sync.Mutex
	tunnels  map[string]*tunnel.Tunnel
	inflight map[string]struct{}

	sinkMu sync.Mutex
	sink   func(*Message)

	handlers map[string]handlerFunc
}

// NewDispatch creates a dispatcher. Links created through it use tr; new
// tunnels open their device through openDevice.
func NewDispatch(ctx context.Context, tr transport.Transport, pool *frame.Pool, openDevice DeviceOpener) *Dispatch {
	d := &Dispatch{
		ctx:        ctx,
		tr:         tr,
		pool:       pool,
		openDevice: openDevice,
		tunnels:    make(map[string]*tunnel.Tunnel),
		inflight:   make(map[string]struct{}),
	}
	d.handlers = map[string]handlerFunc{
		CmdCreateTunnel:  d.handleCreateTunnel,
		CmdDestroyTunnel: d.handleDestroyTunnel,
		CmdCreateLink:    d.handleCreateLink,
		CmdUpdateLink:    d.handleUpdateLink,
		CmdRemoveLink:    d.handleRemoveLink,
		CmdQueryState:    d.handleQueryState,
		CmdInjectFrame:   d.handleInjectFrame,
	}
	return d
}

// SetEventSink registers the consumer of outbound events. The listener
// fans them out to its connections.
func (d *Dispatch) SetEventSink(fn func(*Message)) {
	d.sinkMu.Lock()
	d.sink = fn
	d.sinkMu.Unlock()
}

// Handle processes one request and always returns a response carrying the
// request's ID. Failures never escape as anything but a failed Ack.
func (d *Dispatch) Handle(req *Message) *Message {
	if req.Type != TypeRequest {
		return respondErr(req, fmt.Errorf("message type %q is not a request", req.Type))
	}

	h, ok := d.handlers[req.Command]
	if !ok {
		return respondErr(req, fmt.Errorf("unrecognized command %q", req.Command))
	}

	payload, err := h(req.Payload)
	if err != nil {
		return respondErr(req, err)
	}
	return respond(req, payload)
}

func respond(req *Message, payload interface{}) *Message {
	if payload == nil {
		payload = Ack{OK: true}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return respondErr(req, fmt.Errorf("encode response: %w", err))
	}
	return &Message{ID: req.ID, Type: TypeResponse, Command: req.Command, Payload: raw}
}

func respondErr(req *Message, err error) *Message {
	raw, _ := json.Marshal(Ack{OK: false, Error: err.Error()})
	return &Message{ID: req.ID, Type: TypeResponse, Command: req.Command, Payload: raw}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (d *Dispatch) handleCreateTunnel(payload json.RawMessage) (interface{}, error) {
	var req CreateTunnelRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	id := req.TunnelID
	if id == "" {
		id = uuid.NewString()
	}

	if !d.begin("tunnel:" + id) {
		return nil, ErrOpInProgress
	}
	defer d.end("tunnel:" + id)

	d.mu.Lock()
	_, exists := d.tunnels[id]
	d.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("tunnel %s: %w", id, ErrTunnelExists)
	}

	dev, err := d.openDevice(device.Config{Name: req.Device, MTU: req.MTU})
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}

	hooks := tunnel.Hooks{
		OnLinkEvent:  d.emitLinkState,
		OnLinkSignal: d.emitLinkSignal,
	}
	var t *tunnel.Tunnel
	if req.SingleLink {
		t = tunnel.NewSingleLink(d.ctx, id, dev, d.tr, d.pool, hooks)
	} else {
		t = tunnel.New(d.ctx, id, dev, d.tr, d.pool, 0, hooks)
	}

	d.mu.Lock()
	d.tunnels[id] = t
	d.mu.Unlock()

	util.LogInfo("tunnel %s created on device %s", id, dev.Name())
	return CreateTunnelResponse{TunnelID: id}, nil
}

func (d *Dispatch) handleDestroyTunnel(payload json.RawMessage) (interface{}, error) {
	var req DestroyTunnelRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}

	d.mu.Lock()
	t, ok := d.tunnels[req.TunnelID]
	delete(d.tunnels, req.TunnelID)
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("tunnel %s: %w", req.TunnelID, ErrNoSuchTunnel)
	}

	// The tunnel is gone from the registry regardless; partial teardown
	// failures are reported in the ack, not treated as fatal.
	ack := Ack{OK: true}
	if err := t.Close(); err != nil {
		util.LogWarning("tunnel %s teardown: %v", req.TunnelID, err)
		ack.Error = err.Error()
	}
	util.LogInfo("tunnel %s destroyed", req.TunnelID)
	return ack, nil
}

func (d *Dispatch) handleCreateLink(payload json.RawMessage) (interface{}, error) {
	var req CreateLinkRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if req.PeerID == "" {
		return nil, errors.New("malformed payload: empty peer_id")
	}

	t, err := d.lookup(req.TunnelID)
	if err != nil {
		return nil, err
	}

	key := req.TunnelID + "/" + req.PeerID
	if !d.begin(key) {
		return nil, ErrOpInProgress
	}
	defer d.end(key)

	if _, err := t.AddLink(req.PeerID, req.SessionParams); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Dispatch) handleUpdateLink(payload json.RawMessage) (interface{}, error) {
	var req UpdateLinkRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}

	t, err := d.lookup(req.TunnelID)
	if err != nil {
		return nil, err
	}
	l, ok := t.Link(req.PeerID)
	if !ok {
		return nil, fmt.Errorf("peer %s: %w", req.PeerID, tunnel.ErrNoSuchLink)
	}
	return nil, l.Signal(req.Description)
}

func (d *Dispatch) handleRemoveLink(payload json.RawMessage) (interface{}, error) {
	var req RemoveLinkRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}

	t, err := d.lookup(req.TunnelID)
	if err != nil {
		return nil, err
	}

	key := req.TunnelID + "/" + req.PeerID
	if !d.begin(key) {
		return nil, ErrOpInProgress
	}
	defer d.end(key)

	return nil, t.RemoveLink(req.PeerID)
}

func (d *Dispatch) handleQueryState(payload json.RawMessage) (interface{}, error) {
	var req QueryStateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}

	t, err := d.lookup(req.TunnelID)
	if err != nil {
		return nil, err
	}

	states := t.States()
	if req.PeerID != "" {
		st, ok := states[req.PeerID]
		if !ok {
			return nil, fmt.Errorf("peer %s: %w", req.PeerID, tunnel.ErrNoSuchLink)
		}
		return QueryStateResponse{Links: map[string]string{req.PeerID: st.String()}}, nil
	}

	out := make(map[string]string, len(states))
	for peer, st := range states {
		out[peer] = st.String()
	}
	return QueryStateResponse{Links: out}, nil
}

func (d *Dispatch) handleInjectFrame(payload json.RawMessage) (interface{}, error) {
	var req InjectFrameRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}

	t, err := d.lookup(req.TunnelID)
	if err != nil {
		return nil, err
	}
	return nil, t.Inject(req.PeerID, req.Bytes)
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func (d *Dispatch) emitLinkState(tunnelID string, ev link.Event) {
	d.emit(EvtLinkState, LinkStateEvent{
		TunnelID: tunnelID,
		PeerID:   ev.Peer,
		Old:      ev.Old.String(),
		New:      ev.New.String(),
	})
}

func (d *Dispatch) emitLinkSignal(tunnelID, peer string, desc json.RawMessage) {
	d.emit(EvtLinkSignal, LinkSignalEvent{
		TunnelID:    tunnelID,
		PeerID:      peer,
		Description: desc,
	})
}

func (d *Dispatch) emit(command string, payload interface{}) {
	d.sinkMu.Lock()
	sink := d.sink
	d.sinkMu.Unlock()
	if sink == nil {
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		util.LogError("encode %s event: %v", command, err)
		return
	}
	sink(&Message{Type: TypeEvent, Command: command, Payload: raw})
}

// ---------------------------------------------------------------------------
// Registry helpers
// ---------------------------------------------------------------------------

func (d *Dispatch) lookup(tunnelID string) (*tunnel.Tunnel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tunnels[tunnelID]
	if !ok {
		return nil, fmt.Errorf("tunnel %s: %w", tunnelID, ErrNoSuchTunnel)
	}
	return t, nil
}

// begin marks a mutation key in flight. Returns false if one is already
// pending for the same key.
func (d *Dispatch) begin(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[key]; busy {
		return false
	}
	d.inflight[key] = struct{}{}
	return true
}

func (d *Dispatch) end(key string) {
	d.mu.Lock()
	delete(d.inflight, key)
	d.mu.Unlock()
}

// Shutdown tears down every tunnel. Used at process exit.
func (d *Dispatch) Shutdown() error {
	d.mu.Lock()
	tunnels := make([]*tunnel.Tunnel, 0, len(d.tunnels))
	for _, t := range d.tunnels {
		tunnels = append(tunnels, t)
	}
	d.tunnels = make(map[string]*tunnel.Tunnel)
	d.mu.Unlock()

	var g errgroup.Group
	for _, t := range tunnels {
		t := t
		g.Go(func() error { return t.Close() })
	}
	return g.Wait()
}
