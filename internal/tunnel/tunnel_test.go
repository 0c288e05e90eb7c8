package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tapweave/tapweave/internal/frame"
	"github.com/tapweave/tapweave/internal/link"
	"github.com/tapweave/tapweave/internal/transport"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeSession struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (s *fakeSession) Send(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	c := make([]byte, len(b))
	copy(c, b)
	s.sent = append(s.sent, c)
	return nil
}

func (s *fakeSession) Signal(desc json.RawMessage) error { return nil }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fakeTransport struct {
	mu       sync.Mutex
	cbs      map[string]transport.Callbacks
	sessions map[string]*fakeSession
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		cbs:      make(map[string]transport.Callbacks),
		sessions: make(map[string]*fakeSession),
	}
}

func (ft *fakeTransport) Connect(ctx context.Context, peer string, params json.RawMessage, cb transport.Callbacks) (transport.Session, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	s := &fakeSession{}
	ft.cbs[peer] = cb
	ft.sessions[peer] = s
	return s, nil
}

func (ft *fakeTransport) callbacks(peer string) transport.Callbacks {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.cbs[peer]
}

func (ft *fakeTransport) session(peer string) *fakeSession {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.sessions[peer]
}

func (ft *fakeTransport) ready(peer string) {
	ft.callbacks(peer).OnStateChange(transport.SessionConnected)
}

func (ft *fakeTransport) degrade(peer string) {
	ft.callbacks(peer).OnStateChange(transport.SessionClosing)
}

func (ft *fakeTransport) deliver(peer string, b []byte) {
	ft.callbacks(peer).OnFrame(b)
}

// fakeDevice is an in-memory frame device: frames pushed into feed come
// out of Read; Write collects injected frames.
type fakeDevice struct {
	feed chan []byte

	mu       sync.Mutex
	injected [][]byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		feed:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (d *fakeDevice) Read(buf []byte) (int, error) {
	select {
	case b := <-d.feed:
		return copy(buf, b), nil
	case <-d.closed:
		return 0, io.EOF
	}
}

func (d *fakeDevice) Write(b []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, errors.New("device closed")
	default:
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c := make([]byte, len(b))
	copy(c, b)
	d.injected = append(d.injected, c)
	return len(b), nil
}

func (d *fakeDevice) Name() string { return "tap-test" }
func (d *fakeDevice) MTU() int     { return 1500 }

func (d *fakeDevice) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDevice) injectedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.injected)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var (
	macBroadcast = frame.Broadcast
	macX         = frame.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0xaa}
	macY         = frame.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0xbb}
	macZ         = frame.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0xcc}
)

func ethFrame(dst, src frame.MAC, payload string) []byte {
	b := make([]byte, 0, frame.HeaderSize+len(payload))
	b = append(b, dst[:]...)
	b = append(b, src[:]...)
	b = append(b, 0x08, 0x00)
	b = append(b, payload...)
	return b
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func setup(t *testing.T, maxLinks int) (*Tunnel, *fakeTransport, *fakeDevice) {
	t.Helper()
	ft := newFakeTransport()
	dev := newFakeDevice()
	pool := frame.NewPool(0)
	tun := New(context.Background(), "t0", dev, ft, pool, maxLinks, Hooks{})
	t.Cleanup(func() { tun.Close() })
	return tun, ft, dev
}

// addConnectedPeer creates a link and drives it to Connected.
func addConnectedPeer(t *testing.T, tun *Tunnel, ft *fakeTransport, peer string) {
	t.Helper()
	_, err := tun.AddLink(peer, nil)
	require.NoError(t, err)
	ft.ready(peer)
	eventually(t, func() bool {
		l, ok := tun.Link(peer)
		return ok && l.State() == link.StateConnected
	}, "peer "+peer+" never connected")
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestLearningUnicast: after a frame with source Y arrives from peer-1,
// device traffic to Y goes only to peer-1.
func TestLearningUnicast(t *testing.T) {
	tun, ft, dev := setup(t, 0)
	addConnectedPeer(t, tun, ft, "peer-1")
	addConnectedPeer(t, tun, ft, "peer-2")

	// Frame from peer-1 teaches the table Y→peer-1 and lands in the device.
	ft.deliver("peer-1", ethFrame(macX, macY, "hello"))
	eventually(t, func() bool { return dev.injectedCount() == 1 }, "link frame never injected")

	// Device frame to Y must be unicast to peer-1.
	dev.feed <- ethFrame(macY, macX, "reply")
	eventually(t, func() bool { return ft.session("peer-1").sentCount() == 1 }, "unicast frame never sent")

	time.Sleep(20 * time.Millisecond)
	require.Zero(t, ft.session("peer-2").sentCount(), "unicast frame was flooded to peer-2")
}

// TestFloodBroadcastAndUnknown: broadcast and unknown destinations reach
// every connected link, and only connected links.
func TestFloodBroadcastAndUnknown(t *testing.T) {
	tun, ft, dev := setup(t, 0)
	addConnectedPeer(t, tun, ft, "peer-1")
	addConnectedPeer(t, tun, ft, "peer-2")

	// peer-3 exists but is still connecting.
	_, err := tun.AddLink("peer-3", nil)
	require.NoError(t, err)

	dev.feed <- ethFrame(macBroadcast, macX, "bcast")
	eventually(t, func() bool {
		return ft.session("peer-1").sentCount() == 1 && ft.session("peer-2").sentCount() == 1
	}, "broadcast did not reach all connected links")

	// Unknown unicast floods too.
	dev.feed <- ethFrame(macZ, macX, "unknown")
	eventually(t, func() bool {
		return ft.session("peer-1").sentCount() == 2 && ft.session("peer-2").sentCount() == 2
	}, "unknown destination was not flooded")

	time.Sleep(20 * time.Millisecond)
	require.Zero(t, ft.session("peer-3").sentCount(), "connecting link received flooded frames")
}

// TestKnownPeerNotReadyDrops: traffic to a learned address whose link has
// degraded out of Connected is dropped, not flooded and not delivered.
func TestKnownPeerNotReadyDrops(t *testing.T) {
	tun, ft, dev := setup(t, 0)
	addConnectedPeer(t, tun, ft, "peer-1")
	addConnectedPeer(t, tun, ft, "peer-2")

	ft.deliver("peer-1", ethFrame(macX, macY, "learn me"))
	eventually(t, func() bool { return dev.injectedCount() == 1 }, "link frame never injected")

	// peer-1 degrades to Disconnecting; its table entry survives.
	ft.degrade("peer-1")
	eventually(t, func() bool {
		l, _ := tun.Link("peer-1")
		return l.State() == link.StateDisconnecting
	}, "peer-1 never degraded")

	dev.feed <- ethFrame(macY, macX, "to the dead")
	time.Sleep(30 * time.Millisecond)

	require.Zero(t, ft.session("peer-1").sentCount(), "frame sent on a non-connected link")
	require.Zero(t, ft.session("peer-2").sentCount(), "known-peer miss was flooded")
}

// TestClosurePurgesTable: removing a link forgets its learned addresses,
// so traffic to them is flooded again.
func TestClosurePurgesTable(t *testing.T) {
	tun, ft, dev := setup(t, 0)
	addConnectedPeer(t, tun, ft, "peer-1")
	addConnectedPeer(t, tun, ft, "peer-2")

	ft.deliver("peer-1", ethFrame(macX, macY, "learn me"))
	eventually(t, func() bool { return dev.injectedCount() == 1 }, "link frame never injected")

	require.NoError(t, tun.RemoveLink("peer-1"))
	_, ok := tun.Link("peer-1")
	require.False(t, ok, "removed link still in map")

	dev.feed <- ethFrame(macY, macX, "orphaned")
	eventually(t, func() bool { return ft.session("peer-2").sentCount() == 1 }, "traffic to purged address was not flooded")
}

// TestRecreatedLinkSurvivesStaleClose: the Closed event of a removed link
// is delivered asynchronously; if the peer has already been recreated, the
// stale event must not detach the successor link.
func TestRecreatedLinkSurvivesStaleClose(t *testing.T) {
	gate := make(chan struct{})
	var stallOnce sync.Once
	hooks := Hooks{
		OnLinkEvent: func(id string, ev link.Event) {
			// Stall the first teardown so its Closed event is still
			// queued while the peer is recreated.
			if ev.New == link.StateDisconnecting {
				stallOnce.Do(func() { <-gate })
			}
		},
	}

	ft := newFakeTransport()
	dev := newFakeDevice()
	pool := frame.NewPool(0)
	tun := New(context.Background(), "t0", dev, ft, pool, 0, hooks)
	t.Cleanup(func() { tun.Close() })

	addConnectedPeer(t, tun, ft, "peer-1")
	require.NoError(t, tun.RemoveLink("peer-1"))

	// Recreate the peer while the old link's Closed event is held back.
	addConnectedPeer(t, tun, ft, "peer-1")
	close(gate)
	time.Sleep(30 * time.Millisecond)

	l, ok := tun.Link("peer-1")
	require.True(t, ok, "successor link detached by the old link's Closed event")
	require.Equal(t, link.StateConnected, l.State())

	// The successor must still forward and still be removable.
	dev.feed <- ethFrame(macBroadcast, macX, "bcast")
	eventually(t, func() bool { return ft.session("peer-1").sentCount() == 1 }, "successor link received no traffic")
	require.NoError(t, tun.RemoveLink("peer-1"))
}

// TestRemoveUnknownLink: removal of a peer with no link is a real failure,
// never a silent no-op.
func TestRemoveUnknownLink(t *testing.T) {
	tun, _, _ := setup(t, 0)
	err := tun.RemoveLink("ghost")
	require.ErrorIs(t, err, ErrNoSuchLink)
}

// TestDuplicatePeerRejected: one peer identifier maps to at most one link.
func TestDuplicatePeerRejected(t *testing.T) {
	tun, ft, _ := setup(t, 0)
	addConnectedPeer(t, tun, ft, "peer-1")
	_, err := tun.AddLink("peer-1", nil)
	require.ErrorIs(t, err, ErrLinkExists)
}

// TestSingleLinkLimit: the point-to-point variant rejects a second link
// but forwards exactly like the general form with one entry.
func TestSingleLinkLimit(t *testing.T) {
	ft := newFakeTransport()
	dev := newFakeDevice()
	pool := frame.NewPool(0)
	tun := NewSingleLink(context.Background(), "p2p", dev, ft, pool, Hooks{})
	t.Cleanup(func() { tun.Close() })

	addConnectedPeer(t, tun, ft, "peer-1")
	_, err := tun.AddLink("peer-2", nil)
	require.ErrorIs(t, err, ErrLinkLimit)

	dev.feed <- ethFrame(macBroadcast, macX, "bcast")
	eventually(t, func() bool { return ft.session("peer-1").sentCount() == 1 }, "single link never received frame")

	ft.deliver("peer-1", ethFrame(macX, macY, "inbound"))
	eventually(t, func() bool { return dev.injectedCount() == 1 }, "inbound frame never injected")
}

// TestInject exercises the diagnostic path.
func TestInject(t *testing.T) {
	tun, ft, _ := setup(t, 0)
	addConnectedPeer(t, tun, ft, "peer-1")

	require.NoError(t, tun.Inject("peer-1", ethFrame(macX, macY, "probe")))
	eventually(t, func() bool { return ft.session("peer-1").sentCount() == 1 }, "injected frame never sent")

	err := tun.Inject("ghost", []byte("nope"))
	require.ErrorIs(t, err, ErrNoSuchLink)
}

// TestCloseTeardown: teardown closes links and device and leaves the
// tunnel unusable.
func TestCloseTeardown(t *testing.T) {
	ft := newFakeTransport()
	dev := newFakeDevice()
	pool := frame.NewPool(0)
	tun := New(context.Background(), "t0", dev, ft, pool, 0, Hooks{})

	addConnectedPeer(t, tun, ft, "peer-1")
	addConnectedPeer(t, tun, ft, "peer-2")

	require.NoError(t, tun.Close())

	for _, peer := range []string{"peer-1", "peer-2"} {
		s := ft.session(peer)
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		require.True(t, closed, "session %s not closed", peer)
	}

	select {
	case <-dev.closed:
	default:
		t.Fatal("device not closed")
	}

	_, err := tun.AddLink("peer-3", nil)
	require.ErrorIs(t, err, ErrClosed)

	require.NoError(t, tun.Close(), "second Close must be a no-op")
}
