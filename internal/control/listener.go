package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tapweave/tapweave/internal/util"
)

// connOutboxSize is the per-connection outbound message queue capacity.
const connOutboxSize = 64

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Listener accepts control-plane websocket connections and moves messages
// between them and the dispatcher. Each websocket message carries exactly
// one JSON control message, so a partial read can never produce a
// malformed envelope. Events are broadcast to every connected client;
// losing a control connection never affects tunnels.
type Listener struct {
	addr string
	disp *Dispatch

	ln net.Listener

	mu    sync.Mutex
	conns map[*ctlConn]struct{}
}

// ctlConn is one control connection. Writes are serialized through the
// outbox by a single writer goroutine, as gorilla requires.
type ctlConn struct {
	ws        *websocket.Conn
	outbox    chan *Message
	done      chan struct{}
	closeOnce sync.Once
}

func (c *ctlConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// NewListener creates a listener on addr and registers it as the
// dispatcher's event sink.
func NewListener(addr string, disp *Dispatch) *Listener {
	l := &Listener{
		addr:  addr,
		disp:  disp,
		conns: make(map[*ctlConn]struct{}),
	}
	disp.SetEventSink(l.Broadcast)
	return l
}

// Serve accepts control connections until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("control listen on %s: %w", l.addr, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/ctl", l.handleWS)

	go func() {
		<-ctx.Done()
		ln.Close()
		l.closeConns()
	}()

	util.LogInfo("control listener on %s", ln.Addr())

	if err := http.Serve(ln, mux); err != nil {
		select {
		case <-ctx.Done():
			return nil // normal shutdown
		default:
			return fmt.Errorf("control serve: %w", err)
		}
	}
	return nil
}

// Addr returns the bound address, or nil before Serve has started
// listening.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &ctlConn{
		ws:     ws,
		outbox: make(chan *Message, connOutboxSize),
		done:   make(chan struct{}),
	}

	l.mu.Lock()
	l.conns[c] = struct{}{}
	l.mu.Unlock()

	util.LogDebug("control connection from %s", ws.RemoteAddr())

	go l.writeLoop(c)
	l.readLoop(c)

	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
	c.close()
	util.LogDebug("control connection from %s closed", ws.RemoteAddr())
}

// readLoop parses requests and dispatches them. A message that fails to
// decode earns an error response but keeps the connection; a websocket
// read error (corrupt framing, disconnect) ends only this connection.
func (l *Listener) readLoop(c *ctlConn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		msg, err := Decode(data)
		if err != nil {
			// Correlate the error if the envelope carried a usable ID.
			var probe struct {
				ID uint64 `json:"id"`
			}
			json.Unmarshal(data, &probe)
			raw, _ := json.Marshal(Ack{OK: false, Error: err.Error()})
			l.enqueue(c, &Message{ID: probe.ID, Type: TypeResponse, Command: "error", Payload: raw})
			continue
		}

		l.enqueue(c, l.disp.Handle(msg))
	}
}

// writeLoop is the connection's single writer.
func (l *Listener) writeLoop(c *ctlConn) {
	for {
		select {
		case m := <-c.outbox:
			data, err := Encode(m)
			if err != nil {
				util.LogError("encode control message: %v", err)
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue hands a message to the connection's writer without blocking the
// caller; a stalled connection drops rather than stalling dispatch.
func (l *Listener) enqueue(c *ctlConn, m *Message) {
	select {
	case c.outbox <- m:
	default:
		util.LogWarning("control connection outbox full, dropping %s", m.Command)
	}
}

// Broadcast fans an event out to every connected control client.
func (l *Listener) Broadcast(m *Message) {
	l.mu.Lock()
	conns := make([]*ctlConn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	for _, c := range conns {
		l.enqueue(c, m)
	}
}

func (l *Listener) closeConns() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for c := range l.conns {
		c.close()
	}
}
