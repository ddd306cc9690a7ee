package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Session is one live transport connection.
type Session interface {
	// ReadMessage blocks until the next data frame arrives or the session dies.
	ReadMessage() ([]byte, error)

	// WriteJSON sends a control request. Callers serialize writes.
	WriteJSON(v any) error

	// Ping sends a keepalive ping. Safe to call concurrently with reads.
	Ping(deadline time.Time) error

	// SetPongHandler registers fn to run whenever a pong arrives.
	SetPongHandler(fn func())

	// Close tears the session down and unblocks ReadMessage.
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, url string) (Session, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// NewWebsocketDialer returns a dialer with the given handshake timeout.
func NewWebsocketDialer(handshake time.Duration) *WebsocketDialer {
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = handshake
	return &WebsocketDialer{Dialer: &d}
}

func (w *WebsocketDialer) Dial(ctx context.Context, url string) (Session, error) {
	conn, _, err := w.Dialer.DialContext(ctx, url, w.Header)
	if err != nil {
		return nil, err
	}
	return &wsSession{conn: conn}, nil
}

type wsSession struct {
	conn *websocket.Conn
}

func (s *wsSession) ReadMessage() ([]byte, error) {
	_, msg, err := s.conn.ReadMessage()
	return msg, err
}

func (s *wsSession) WriteJSON(v any) error { return s.conn.WriteJSON(v) }

func (s *wsSession) Ping(deadline time.Time) error {
	return s.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (s *wsSession) SetPongHandler(fn func()) {
	s.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

func (s *wsSession) Close() error {
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}
