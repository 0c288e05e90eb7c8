// Package webrtc implements the virtual-link transport boundary on top of
// pion WebRTC DataChannels. Signaling descriptions travel through the
// control plane (session params in, link_signal events out); the
// controller is the signaling channel.
package webrtc

import (
	"github.com/pion/webrtc/v4"
)

// Default STUN servers for ICE candidate gathering. No TURN relay; the
// agent targets direct P2P connectivity.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// newPeerConnection creates a PeerConnection configured with the given
// STUN servers.
func newPeerConnection(stunServers []string) (*webrtc.PeerConnection, error) {
	if len(stunServers) == 0 {
		stunServers = defaultSTUNServers
	}
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated DataChannel on the given
// PeerConnection. Negotiated mode (ID 0) lets both sides create the
// channel independently without relying on OnDataChannel. Unordered mode
// trades frame ordering for freedom from head-of-line blocking; Ethernet
// tolerates reordering, so it is the default.
func newDataChannel(pc *webrtc.PeerConnection, ordered bool) (*webrtc.DataChannel, error) {
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("tunnel", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
