// Package control implements the control plane: the message envelope, the
// command dispatcher, and the websocket listener that carries both.
package control

import (
	"encoding/json"
	"fmt"
)

// MessageType tags a control message as request, response, or event.
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
	TypeEvent    MessageType = "event"
)

// Command names. Requests and their responses share the command string;
// events use the Evt* names.
const (
	CmdCreateTunnel  = "create_tunnel"
	CmdDestroyTunnel = "destroy_tunnel"
	CmdCreateLink    = "create_link"
	CmdUpdateLink    = "update_link"
	CmdRemoveLink    = "remove_link"
	CmdQueryState    = "query_state"
	CmdInjectFrame   = "inject_frame"

	EvtLinkState  = "link_state"
	EvtLinkSignal = "link_signal"
)

// Message is the control-plane envelope. Requests and their responses are
// correlated by ID (unique within one control connection); events carry
// no correlating request and use ID 0.
type Message struct {
	ID      uint64          `json:"id"`
	Type    MessageType     `json:"type"`
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes a message for the wire.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses one wire message and validates the envelope.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed control message: %w", err)
	}
	switch m.Type {
	case TypeRequest, TypeResponse, TypeEvent:
	default:
		return nil, fmt.Errorf("malformed control message: unknown type %q", m.Type)
	}
	if m.Command == "" {
		return nil, fmt.Errorf("malformed control message: empty command")
	}
	return &m, nil
}

// ---------------------------------------------------------------------------
// Request payloads
// ---------------------------------------------------------------------------

// CreateTunnelRequest creates a tunnel bound to a new TAP device.
// TunnelID is optional; one is generated when absent. SingleLink constrains
// the tunnel to exactly one link.
type CreateTunnelRequest struct {
	TunnelID   string `json:"tunnel_id,omitempty"`
	Device     string `json:"device,omitempty"`
	MTU        int    `json:"mtu,omitempty"`
	SingleLink bool   `json:"single_link,omitempty"`
}

// CreateTunnelResponse reports the (possibly generated) tunnel ID.
type CreateTunnelResponse struct {
	TunnelID string `json:"tunnel_id"`
}

// DestroyTunnelRequest tears a tunnel down, links and device included.
type DestroyTunnelRequest struct {
	TunnelID string `json:"tunnel_id"`
}

// CreateLinkRequest creates a link to a peer. SessionParams are opaque to
// the core and handed to the transport as-is (e.g. a remote connection
// description when answering).
type CreateLinkRequest struct {
	TunnelID      string          `json:"tunnel_id"`
	PeerID        string          `json:"peer_id"`
	SessionParams json.RawMessage `json:"session_params,omitempty"`
}

// UpdateLinkRequest delivers out-of-band signaling data (e.g. the peer's
// answer) into an existing link's session.
type UpdateLinkRequest struct {
	TunnelID    string          `json:"tunnel_id"`
	PeerID      string          `json:"peer_id"`
	Description json.RawMessage `json:"description"`
}

// RemoveLinkRequest removes a peer link.
type RemoveLinkRequest struct {
	TunnelID string `json:"tunnel_id"`
	PeerID   string `json:"peer_id"`
}

// QueryStateRequest reads link state for one peer, or for all peers of the
// tunnel when PeerID is empty.
type QueryStateRequest struct {
	TunnelID string `json:"tunnel_id"`
	PeerID   string `json:"peer_id,omitempty"`
}

// QueryStateResponse maps peer IDs to link state names.
type QueryStateResponse struct {
	Links map[string]string `json:"links"`
}

// InjectFrameRequest sends raw bytes out a peer's link. Diagnostic path.
type InjectFrameRequest struct {
	TunnelID string `json:"tunnel_id"`
	PeerID   string `json:"peer_id"`
	Bytes    []byte `json:"bytes"`
}

// ---------------------------------------------------------------------------
// Response and event payloads
// ---------------------------------------------------------------------------

// Ack is the generic response payload. Failed requests set OK to false and
// carry the failure in Error; the response still echoes the request ID.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// LinkStateEvent reports one link state transition.
type LinkStateEvent struct {
	TunnelID string `json:"tunnel_id"`
	PeerID   string `json:"peer_id"`
	Old      string `json:"old_state"`
	New      string `json:"new_state"`
}

// LinkSignalEvent surfaces transport signaling data (e.g. a gathered local
// description) that the controller must relay to the peer out of band.
type LinkSignalEvent struct {
	TunnelID    string          `json:"tunnel_id"`
	PeerID      string          `json:"peer_id"`
	Description json.RawMessage `json:"description"`
}
