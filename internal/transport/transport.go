// Package transport implements the station's WS connection to the LNS:
// gorilla/websocket framing over a two-stage discovery+muxs handshake,
// modeled as the TC (transport/session) state machine spec §9 calls for
// ("Coroutine-style control flow" - a sum of states with pure transition
// functions, storage owned by the event loop, not the machine itself).
//
// Text frames carry JSON (internal/protocol); binary frames carry
// remote-shell I/O (spec §6): byte0 is the rmtsh session index, the rest
// is opaque, and an empty binary frame signals EOF.
package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is one state of the TC handshake/session state machine, named
// per original_source's tc.c (spec SPEC_FULL §4 supplemented features).
type State int

const (
	StateIni State = iota
	StateInfosReqPend
	StateInfosGotURI
	StateMuxsReqPend
	StateMuxsConnected
	StateErrFailed
	StateErrRejected
	StateErrTimeout
	StateErrDead
)

func (s State) String() string {
	switch s {
	case StateIni:
		return "INI"
	case StateInfosReqPend:
		return "INFOS_REQ_PEND"
	case StateInfosGotURI:
		return "INFOS_GOT_URI"
	case StateMuxsReqPend:
		return "MUXS_REQ_PEND"
	case StateMuxsConnected:
		return "MUXS_CONNECTED"
	case StateErrFailed:
		return "ERR_FAILED"
	case StateErrRejected:
		return "ERR_REJECTED"
	case StateErrTimeout:
		return "ERR_TIMEOUT"
	case StateErrDead:
		return "ERR_DEAD"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is one of the ERR_* states: the connection
// must be torn down and a fresh attempt scheduled.
func (s State) Terminal() bool { return s >= StateErrFailed }

// HandshakeTimeout bounds the whole infos+muxs handshake (spec §5
// TC_TIMEOUT).
const HandshakeTimeout = 60 * time.Second

// Event drives a state transition.
type Event int

const (
	EventStart Event = iota
	EventInfosOK
	EventInfosRejected
	EventMuxsConnected
	EventMuxsRejected
	EventIOError
	EventTimeout
)

// Transition is a pure function from (state, event) to the next state;
// the event loop owns all side effects (dialing, timers), this only
// decides what state comes next.
func Transition(s State, e Event) State {
	switch s {
	case StateIni:
		if e == EventStart {
			return StateInfosReqPend
		}
	case StateInfosReqPend:
		switch e {
		case EventInfosOK:
			return StateInfosGotURI
		case EventInfosRejected:
			return StateErrRejected
		case EventIOError:
			return StateErrFailed
		case EventTimeout:
			return StateErrTimeout
		}
	case StateInfosGotURI:
		if e == EventStart {
			return StateMuxsReqPend
		}
	case StateMuxsReqPend:
		switch e {
		case EventMuxsConnected:
			return StateMuxsConnected
		case EventMuxsRejected:
			return StateErrRejected
		case EventIOError:
			return StateErrFailed
		case EventTimeout:
			return StateErrTimeout
		}
	case StateMuxsConnected:
		if e == EventIOError {
			return StateErrDead
		}
	}
	return s
}

// SendBufferCap bounds the outbound mailbox; per spec §5/§7, uplink
// frames are dropped (never queued unbounded) when the WS connection is
// backpressured, and the encoder is expected to retry on the next flush.
const SendBufferCap = 256

// ErrBackpressure is returned by TrySendText when the mailbox is full;
// the caller (the RX path) must stop and wait for a flush, per spec
// §4.2's "Emission to LNS" rule.
var ErrBackpressure = errors.New("transport: send buffer full")

// Conn wraps one WS connection to the LNS: a gorilla/websocket.Conn, the
// TC state, and a bounded outbound mailbox satisfying the "discard on
// full" backpressure rule.
type Conn struct {
	log      *zap.Logger
	ws       *websocket.Conn
	sessionID string

	state State

	outCh chan wsMessage
	inCh  chan inboundFrame

	closeOnce chanCloser
}

type wsMessage struct {
	binary bool
	data   []byte
}

// inboundFrame is the internal representation of one decoded WS message.
type inboundFrame struct {
	binary bool
	data   []byte
}

// InboundFrame is the exported shape of a received WS message.
type InboundFrame struct {
	Binary bool
	Data   []byte
}

type chanCloser struct{ done chan struct{} }

// Dial opens a WS connection to uri (already resolved via the infos
// handshake) and starts its background read and write pumps. The caller
// receives inbound frames through Recv and tears down with Close.
func Dial(ctx context.Context, log *zap.Logger, uri string, header http.Header) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, uri, header)
	if err != nil {
		return nil, errors.Wrap(err, "transport: dial")
	}
	c := &Conn{
		log:       log,
		ws:        ws,
		sessionID: uuid.NewString(),
		state:     StateMuxsConnected,
		outCh:     make(chan wsMessage, SendBufferCap),
		inCh:      make(chan inboundFrame, SendBufferCap),
		closeOnce: chanCloser{done: make(chan struct{})},
	}
	go c.writePump(ctx)
	go c.readPump()
	return c, nil
}

// NewTestConn builds a Conn with no underlying websocket, for tests in
// other packages (internal/s2e) that need to drive TrySendText/Recv
// without a real LNS dial. Close is a no-op since there is no socket to
// tear down; Sent drains whatever TrySendText/SendBinary has queued so
// far without blocking.
func NewTestConn() *Conn {
	return &Conn{
		sessionID: "test",
		state:     StateMuxsConnected,
		outCh:     make(chan wsMessage, SendBufferCap),
		inCh:      make(chan inboundFrame, SendBufferCap),
		closeOnce: chanCloser{done: make(chan struct{})},
	}
}

// Sent drains and returns every frame queued via TrySendText/SendBinary
// so far, for test assertions.
func (c *Conn) Sent() [][]byte {
	var out [][]byte
	for {
		select {
		case m := <-c.outCh:
			out = append(out, m.data)
		default:
			return out
		}
	}
}

// Deliver injects an inbound frame as if it had arrived over the socket,
// for tests driving the s2e dispatch path without a real LNS peer.
func (c *Conn) Deliver(frame InboundFrame) {
	c.inCh <- inboundFrame{binary: frame.Binary, data: frame.Data}
}

// SessionID is a UUID correlating this connection's log lines and
// diagnostic messages (SPEC_FULL §2 DOMAIN STACK: google/uuid for WS
// session correlation).
func (c *Conn) SessionID() string { return c.sessionID }

// State returns the connection's current TC state.
func (c *Conn) State() State { return c.state }

// TrySendText enqueues a JSON text frame, failing immediately (rather
// than blocking) if the mailbox is full.
func (c *Conn) TrySendText(data []byte) error {
	select {
	case c.outCh <- wsMessage{data: data}:
		return nil
	default:
		return ErrBackpressure
	}
}

// SendBinary enqueues a binary (rmtsh) frame; binary I/O is not subject
// to the uplink-drop policy, so this blocks briefly rather than
// discarding - a remote shell session expects reliable delivery.
func (c *Conn) SendBinary(ctx context.Context, data []byte) error {
	select {
	case c.outCh <- wsMessage{binary: true, data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the channel of inbound frames; the caller (s2e) ranges
// over it until it closes.
func (c *Conn) Recv() <-chan InboundFrame {
	out := make(chan InboundFrame)
	go func() {
		defer close(out)
		for f := range c.inCh {
			out <- InboundFrame{Binary: f.binary, Data: f.data}
		}
	}()
	return out
}

func (c *Conn) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeOnce.done:
			return
		case m := <-c.outCh:
			mt := websocket.TextMessage
			if m.binary {
				mt = websocket.BinaryMessage
			}
			if err := c.ws.WriteMessage(mt, m.data); err != nil {
				c.log.Warn("transport: write failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	defer close(c.inCh)
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.TextMessage:
			c.inCh <- inboundFrame{data: data}
		case websocket.BinaryMessage:
			c.inCh <- inboundFrame{binary: true, data: data}
		}
	}
}

// Close tears down the WS connection.
func (c *Conn) Close() error {
	select {
	case <-c.closeOnce.done:
	default:
		close(c.closeOnce.done)
	}
	if c.ws == nil {
		return nil
	}
	return c.ws.Close()
}
