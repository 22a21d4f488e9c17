package session

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/parleyvoice/parley/pkg/errorsx"
	"github.com/parleyvoice/parley/pkg/wire"
)

// Socket is the client's half of one relay connection. Send never blocks
// the caller; Close is safe to call more than once.
type Socket interface {
	Send(msg wire.Message) error
	Close() error
}

// Dialer opens a relay connection. onMessage and onClose are invoked from
// the socket's read goroutine; implementations of the session machine hand
// them off to their own execution context.
type Dialer interface {
	Dial(ctx context.Context, onMessage func(wire.Message), onClose func(error)) (Socket, error)
}

// WebsocketDialer dials the relay's websocket endpoint.
type WebsocketDialer struct {
	URL    string
	Header http.Header
}

func (d *WebsocketDialer) Dial(ctx context.Context, onMessage func(wire.Message), onClose func(error)) (Socket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonRelaySend)
	}
	s := &wsSocket{
		conn:   conn,
		sendCh: make(chan []byte, 256),
	}
	go s.writeLoop()
	go s.readLoop(onMessage, onClose)
	return s, nil
}

type wsSocket struct {
	conn   *websocket.Conn
	sendCh chan []byte
	mu     sync.Mutex
	closed atomic.Bool
}

func (s *wsSocket) Send(msg wire.Message) error {
	if s.closed.Load() {
		return errorsx.Wrap(errClosed, errorsx.ReasonRelaySend)
	}
	select {
	case s.sendCh <- wire.Encode(msg):
	default:
		// Best-effort: audio frames are droppable, and control messages
		// never queue 256 deep on a healthy connection.
	}
	return nil
}

func (s *wsSocket) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.sendCh)
	}
	return s.conn.Close()
}

func (s *wsSocket) writeLoop() {
	for msg := range s.sendCh {
		s.mu.Lock()
		_ = s.conn.WriteMessage(websocket.TextMessage, msg)
		s.mu.Unlock()
	}
}

func (s *wsSocket) readLoop(onMessage func(wire.Message), onClose func(error)) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				onClose(err)
			}
			return
		}
		if m, ok := wire.Decode(data); ok {
			onMessage(m)
		}
	}
}

var errClosed = &closedError{}

type closedError struct{}

func (*closedError) Error() string { return "socket closed" }
