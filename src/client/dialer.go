package client

import (
	"context"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/shiftline/realtime/src/protocol"
)

// Dialer opens a framed socket to the realtime server. Production code uses
// the WebSocket dialer; tests substitute in-memory pipes.
type Dialer interface {
	Dial(ctx context.Context, url string) (protocol.Conn, error)
}

type wsDialer struct {
	dialer *websocket.Dialer
}

// NewWebSocketDialer returns a Dialer backed by a WebSocket client with the
// given handshake timeout.
func NewWebSocketDialer(handshakeTimeout time.Duration) Dialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &wsDialer{
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}
}

func (d *wsDialer) Dial(ctx context.Context, url string) (protocol.Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
