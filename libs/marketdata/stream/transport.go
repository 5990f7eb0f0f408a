package stream

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Transport abstracts the wire connection so the state machine and frame
// processing loop can be tested without a real socket.
type Transport interface {
	Dial(ctx context.Context, url string) error
	WriteJSON(v any) error
	ReadMessage() (messageType int, data []byte, err error)
	SetReadDeadline(t time.Time) error
	// Ping sends a control-frame ping that must be acknowledged by deadline;
	// the heartbeat monitor uses this to actively probe liveness per §4.4
	// rather than only watching for inbound traffic.
	Ping(deadline time.Time) error
	// SetPongHandler registers the callback invoked when a pong control
	// frame arrives; ReadMessage must dispatch to it transparently.
	SetPongHandler(handler func(appData string) error)
	Close() error
}

// WebsocketTransport is the gorilla/websocket-backed Transport used by
// every vendor client in production.
type WebsocketTransport struct {
	conn   *websocket.Conn
	dialer *websocket.Dialer
}

// NewWebsocketTransport builds a Transport with a bounded handshake
// timeout.
func NewWebsocketTransport(handshakeTimeout time.Duration) *WebsocketTransport {
	return &WebsocketTransport{
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
}

func (t *WebsocketTransport) Dial(ctx context.Context, url string) error {
	conn, _, err := t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *WebsocketTransport) WriteJSON(v any) error {
	return t.conn.WriteJSON(v)
}

func (t *WebsocketTransport) ReadMessage() (int, []byte, error) {
	return t.conn.ReadMessage()
}

func (t *WebsocketTransport) SetReadDeadline(dl time.Time) error {
	return t.conn.SetReadDeadline(dl)
}

func (t *WebsocketTransport) Ping(deadline time.Time) error {
	return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (t *WebsocketTransport) SetPongHandler(handler func(appData string) error) {
	t.conn.SetPongHandler(handler)
}

func (t *WebsocketTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
