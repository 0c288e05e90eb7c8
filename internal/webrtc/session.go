package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/tapweave/tapweave/internal/transport"
	"github.com/tapweave/tapweave/internal/util"
)

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
)

// SessionParams is the shape of create_link session_params for this
// transport. Role "offer" (the default) generates an offer and surfaces it
// through OnSignal; role "answer" answers the Description it was given.
type SessionParams struct {
	Role        string          `json:"role,omitempty"`
	Description json.RawMessage `json:"description,omitempty"`
	Ordered     bool            `json:"ordered,omitempty"`
}

// Transport creates one PeerConnection + DataChannel pair per peer session.
type Transport struct {
	stunServers []string
}

// NewTransport creates a WebRTC transport. Empty stunServers falls back to
// the package defaults.
func NewTransport(stunServers []string) *Transport {
	return &Transport{stunServers: stunServers}
}

// Connect starts session establishment and returns immediately; readiness
// and failure arrive through cb.OnStateChange once ICE and the DataChannel
// settle.
func (t *Transport) Connect(ctx context.Context, peerID string, params json.RawMessage, cb transport.Callbacks) (transport.Session, error) {
	var p SessionParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("malformed session params: %w", err)
		}
	}

	pc, err := newPeerConnection(t.stunServers)
	if err != nil {
		return nil, err
	}
	dc, err := newDataChannel(pc, p.Ordered)
	if err != nil {
		pc.Close()
		return nil, err
	}

	sCtx, sCancel := context.WithCancel(ctx)
	s := &session{
		peer:        peerID,
		pc:          pc,
		dc:          dc,
		cb:          cb,
		ctx:         sCtx,
		cancel:      sCancel,
		drainSignal: make(chan struct{}, 1),
	}

	// Backpressure: resume sends once the buffered amount drains.
	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() {
			if cb.OnStateChange != nil {
				cb.OnStateChange(transport.SessionConnected)
			}
		})
	})
	dc.OnClose(func() {
		sCancel()
		if cb.OnStateChange != nil {
			cb.OnStateChange(transport.SessionClosed)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if cb.OnFrame != nil {
			cb.OnFrame(msg.Data)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("[%s] peer connection state: %s", peerID, state)
		switch state {
		case webrtc.PeerConnectionStateDisconnected:
			if cb.OnStateChange != nil {
				cb.OnStateChange(transport.SessionClosing)
			}
		case webrtc.PeerConnectionStateFailed:
			sCancel()
			if cb.OnStateChange != nil {
				cb.OnStateChange(transport.SessionFailed)
			}
		}
	})

	if cb.OnStateChange != nil {
		cb.OnStateChange(transport.SessionConnecting)
	}

	// Signaling runs in the background so Connect never blocks on ICE.
	go func() {
		if err := s.negotiate(p); err != nil {
			util.LogError("[%s] signaling failed: %v", peerID, err)
			sCancel()
			if cb.OnStateChange != nil {
				cb.OnStateChange(transport.SessionFailed)
			}
		}
	}()

	return s, nil
}

// session is one live peer session.
type session struct {
	peer string
	pc   *webrtc.PeerConnection
	dc   *webrtc.DataChannel
	cb   transport.Callbacks

	ctx    context.Context
	cancel context.CancelFunc

	drainSignal chan struct{}
}

// negotiate performs the local half of the SDP exchange. The gathered
// description is surfaced via OnSignal for the controller to relay; for
// an offering session the remote answer arrives later through Signal.
func (s *session) negotiate(p SessionParams) error {
	answering := p.Role == "answer"

	if answering {
		if len(p.Description) == 0 {
			return errors.New("answer role requires a remote description")
		}
		var remote webrtc.SessionDescription
		if err := json.Unmarshal(p.Description, &remote); err != nil {
			return fmt.Errorf("parse remote description: %w", err)
		}
		if err := s.pc.SetRemoteDescription(remote); err != nil {
			return fmt.Errorf("set remote description: %w", err)
		}
	}

	var local webrtc.SessionDescription
	var err error
	if answering {
		local, err = s.pc.CreateAnswer(nil)
	} else {
		local, err = s.pc.CreateOffer(nil)
	}
	if err != nil {
		return fmt.Errorf("create local description: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(local); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	// Wait for ICE gathering so the description is self-contained and no
	// trickle channel is needed through the control plane.
	select {
	case <-gathered:
	case <-s.ctx.Done():
		return s.ctx.Err()
	}

	desc, err := json.Marshal(s.pc.LocalDescription())
	if err != nil {
		return fmt.Errorf("encode local description: %w", err)
	}
	if s.cb.OnSignal != nil {
		s.cb.OnSignal(desc)
	}
	return nil
}

// Signal applies the remote answer to an offering session.
func (s *session) Signal(desc json.RawMessage) error {
	var remote webrtc.SessionDescription
	if err := json.Unmarshal(desc, &remote); err != nil {
		return fmt.Errorf("parse remote description: %w", err)
	}
	return s.pc.SetRemoteDescription(remote)
}

// Send transmits one frame, blocking briefly when the DataChannel buffer
// is above the high-water mark. The caller is the link's single sender
// goroutine, so writes are already serialized.
func (s *session) Send(b []byte) error {
	if s.dc.BufferedAmount() > uint64(highWaterMark) {
		select {
		case <-s.drainSignal:
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
	return s.dc.Send(b)
}

// Close shuts down the DataChannel and PeerConnection.
func (s *session) Close() error {
	s.cancel()
	return errors.Join(s.dc.Close(), s.pc.Close())
}
