package asr

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Frame types, mirroring the WebSocket opcodes
const (
	TextMessage   = websocket.TextMessage
	BinaryMessage = websocket.BinaryMessage
)

// Conn is the subset of a WebSocket connection the bridge uses.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens streaming connections to the ASR service.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials the ASR service with gorilla/websocket.
type WebSocketDialer struct {
	dialer *websocket.Dialer
	header http.Header
}

// NewWebSocketDialer returns a dialer with the given handshake timeout.
func NewWebSocketDialer(timeout time.Duration) *WebSocketDialer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebSocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  32 * 1024,
		},
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}
