// Package tunnel bridges one frame device to a set of virtual links with
// learning-bridge forwarding.
package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tapweave/tapweave/internal/device"
	"github.com/tapweave/tapweave/internal/frame"
	"github.com/tapweave/tapweave/internal/link"
	"github.com/tapweave/tapweave/internal/transport"
	"github.com/tapweave/tapweave/internal/util"
)

var (
	// ErrNoSuchLink is returned when an operation names an unknown peer.
	ErrNoSuchLink = errors.New("no such link")

	// ErrLinkExists is returned when a link for the peer already exists.
	ErrLinkExists = errors.New("link already exists")

	// ErrLinkLimit is returned when the tunnel's link capacity is reached.
	ErrLinkLimit = errors.New("link limit reached")

	// ErrClosed is returned for operations on a closed tunnel.
	ErrClosed = errors.New("tunnel closed")
)

// Hooks surface link activity to the control plane.
type Hooks struct {
	OnLinkEvent  func(tunnelID string, ev link.Event)
	OnLinkSignal func(tunnelID, peer string, desc json.RawMessage)
}

// Tunnel owns one frame device binding and a set of links keyed by peer ID.
// Frames read from the device are forwarded by learned destination MAC:
// known peers get unicast, broadcast and unknown destinations are flooded
// to every connected link. Frames arriving from a link are injected into
// the device unconditionally, and their source MAC is learned.
//
// A single mutex guards the link map and the forwarding table; the
// data-plane path only takes it for short map lookups, never across a
// blocking operation.
type Tunnel struct {
	id       string
	dev      device.Device
	tr       transport.Transport
	pool     *frame.Pool
	maxLinks int // 0 means unlimited
	hooks    Hooks

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	links  map[string]*link.Link
	fwd    map[frame.MAC]string // learned source MAC → peer ID
	closed bool
}

// New creates a tunnel bound to dev and starts the device read pump.
// maxLinks limits the number of concurrent links; 0 means unlimited.
func New(parent context.Context, id string, dev device.Device, tr transport.Transport, pool *frame.Pool, maxLinks int, hooks Hooks) *Tunnel {
	ctx, cancel := context.WithCancel(parent)
	t := &Tunnel{
		id:       id,
		dev:      dev,
		tr:       tr,
		pool:     pool,
		maxLinks: maxLinks,
		hooks:    hooks,
		ctx:      ctx,
		cancel:   cancel,
		links:    make(map[string]*link.Link),
		fwd:      make(map[frame.MAC]string),
	}
	go t.devicePump()
	return t
}

// NewSingleLink creates a point-to-point tunnel constrained to exactly one
// link. It is the same machinery with a capacity of one, so behavior
// matches the general form restricted to a single entry.
func NewSingleLink(parent context.Context, id string, dev device.Device, tr transport.Transport, pool *frame.Pool, hooks Hooks) *Tunnel {
	return New(parent, id, dev, tr, pool, 1, hooks)
}

// ID returns the tunnel identifier.
func (t *Tunnel) ID() string { return t.id }

// ---------------------------------------------------------------------------
// Link lifecycle
// ---------------------------------------------------------------------------

// AddLink creates a link for peer and starts its connection attempt.
// A peer ID maps to at most one link per tunnel.
func (t *Tunnel) AddLink(peer string, params json.RawMessage) (*link.Link, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := t.links[peer]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("peer %s: %w", peer, ErrLinkExists)
	}
	if t.maxLinks > 0 && len(t.links) >= t.maxLinks {
		t.mu.Unlock()
		return nil, ErrLinkLimit
	}

	var l *link.Link
	l = link.New(t.ctx, peer, t.tr, t.pool, link.Hooks{
		OnFrame: t.injectFromLink,
		OnEvent: func(ev link.Event) { t.handleLinkEvent(l, ev) },
		OnSignal: func(p string, desc json.RawMessage) {
			if t.hooks.OnLinkSignal != nil {
				t.hooks.OnLinkSignal(t.id, p, desc)
			}
		},
	})
	t.links[peer] = l
	t.mu.Unlock()

	if err := l.Connect(params); err != nil {
		t.detachLink(peer, l)
		return nil, err
	}
	return l, nil
}

// RemoveLink closes the peer's link and detaches it from the tunnel.
// Removal wins over an in-flight connect: the link cannot come back.
func (t *Tunnel) RemoveLink(peer string) error {
	t.mu.Lock()
	l, ok := t.links[peer]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("peer %s: %w", peer, ErrNoSuchLink)
	}

	err := l.Close()
	t.detachLink(peer, l)
	return err
}

// Link returns the link for peer, if present.
func (t *Tunnel) Link(peer string) (*link.Link, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[peer]
	return l, ok
}

// States returns a snapshot of every link's connection state.
func (t *Tunnel) States() map[string]link.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]link.State, len(t.links))
	for peer, l := range t.links {
		out[peer] = l.State()
	}
	return out
}

// handleLinkEvent runs on each link's event goroutine. A Closed link is
// detached and its learned addresses forgotten before the event reaches
// the control plane, so observers never see a closed link still routable.
func (t *Tunnel) handleLinkEvent(l *link.Link, ev link.Event) {
	if ev.New == link.StateClosed {
		t.detachLink(ev.Peer, l)
	}
	if t.hooks.OnLinkEvent != nil {
		t.hooks.OnLinkEvent(t.id, ev)
	}
}

// detachLink removes the peer from the link map and purges every
// forwarding-table entry pointing at it. Idempotent, and keyed by link
// identity: a Closed event from a removed link arrives asynchronously and
// must not detach a successor link created for the same peer in the
// meantime.
func (t *Tunnel) detachLink(peer string, l *link.Link) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.links[peer] != l {
		return
	}
	delete(t.links, peer)
	for mac, p := range t.fwd {
		if p == peer {
			delete(t.fwd, mac)
		}
	}
}

// ---------------------------------------------------------------------------
// Data plane
// ---------------------------------------------------------------------------

// devicePump reads frames from the device and forwards them until the
// tunnel shuts down. Frames read after cancellation are discarded, never
// forwarded.
func (t *Tunnel) devicePump() {
	for {
		f := t.pool.Acquire(t.dev.MTU() + frame.HeaderSize)
		n, err := t.dev.Read(f.Buffer())
		if err != nil {
			t.pool.Release(f)
			select {
			case <-t.ctx.Done():
			default:
				util.LogError("tunnel %s: device read failed: %v", t.id, err)
			}
			return
		}
		f.Seal(n)

		select {
		case <-t.ctx.Done():
			t.pool.Release(f)
			return
		default:
		}

		t.forwardFromDevice(f)
	}
}

// forwardFromDevice picks the destination link(s) for one device frame.
// Known unicast destinations go point-to-point; broadcast, multicast and
// unknown destinations flood every connected link. Misses are counted and
// dropped without blocking.
func (t *Tunnel) forwardFromDevice(f *frame.Frame) {
	dst := f.Dst()

	if !dst.IsBroadcast() {
		t.mu.Lock()
		peer, known := t.fwd[dst]
		var l *link.Link
		if known {
			l = t.links[peer]
		}
		t.mu.Unlock()

		if known {
			if l == nil {
				util.Stats.AddDrop()
				t.pool.Release(f)
				return
			}
			n := f.Len()
			if err := l.Send(f); err != nil {
				util.Stats.AddDrop()
				t.pool.Release(f)
				return
			}
			util.Stats.AddForward(n)
			return
		}
	}

	t.flood(f)
}

// flood replicates a frame to every connected link. Each target gets its
// own pooled copy so release stays single-owner; the original is returned
// to the pool here.
func (t *Tunnel) flood(f *frame.Frame) {
	t.mu.Lock()
	targets := make([]*link.Link, 0, len(t.links))
	for _, l := range t.links {
		if l.State() == link.StateConnected {
			targets = append(targets, l)
		}
	}
	t.mu.Unlock()

	n := f.Len()
	sent := false
	for _, l := range targets {
		c := t.pool.Acquire(n)
		c.Fill(f.Bytes())
		if err := l.Send(c); err != nil {
			t.pool.Release(c)
			continue
		}
		sent = true
	}
	t.pool.Release(f)

	if sent {
		util.Stats.AddFlood(n)
	} else {
		util.Stats.AddDrop()
	}
}

// injectFromLink handles one frame delivered by a peer link: learn the
// source address, then write the frame into the device. A frame is never
// sent back to the link it came from; injection is the only output here.
func (t *Tunnel) injectFromLink(f *frame.Frame) {
	src := f.Src()
	if !src.IsBroadcast() && src != (frame.MAC{}) {
		t.mu.Lock()
		t.fwd[src] = f.Origin
		t.mu.Unlock()
	}

	n := f.Len()
	if _, err := t.dev.Write(f.Bytes()); err != nil {
		util.LogDebug("tunnel %s: device write failed: %v", t.id, err)
		util.Stats.AddDrop()
	} else {
		util.Stats.AddInject(n)
	}
	t.pool.Release(f)
}

// Inject sends raw bytes out the named peer's link, bypassing the device.
// Diagnostic path only; the link must be Connected.
func (t *Tunnel) Inject(peer string, b []byte) error {
	t.mu.Lock()
	l, ok := t.links[peer]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("peer %s: %w", peer, ErrNoSuchLink)
	}

	f := t.pool.Acquire(len(b))
	f.Fill(b)
	if err := l.Send(f); err != nil {
		t.pool.Release(f)
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// Close tears the tunnel down in order: stop forwarding device frames,
// close every link (concurrently, one failure never blocks the rest),
// then release the device binding. All failures are aggregated into the
// returned error.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	links := make([]*link.Link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.links = make(map[string]*link.Link)
	t.fwd = make(map[frame.MAC]string)
	t.mu.Unlock()

	t.cancel()

	var g errgroup.Group
	for _, l := range links {
		l := l
		g.Go(func() error {
			if err := l.Close(); err != nil {
				util.LogWarning("tunnel %s: closing link %s: %v", t.id, l.Peer(), err)
				return fmt.Errorf("close link %s: %w", l.Peer(), err)
			}
			return nil
		})
	}
	linkErr := g.Wait()

	devErr := t.dev.Close()
	return errors.Join(linkErr, devErr)
}
