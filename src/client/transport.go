package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the client uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// readLimit caps a single frame. Large guilds produce multi-megabyte
// GUILD_CREATE payloads when compression is off.
const readLimit = 32 << 20

type wsDialer struct {
	dialer    *websocket.Dialer
	readLimit int64
}

// NewDialer wraps a gorilla dialer; nil uses websocket.DefaultDialer.
func NewDialer(d *websocket.Dialer) Dialer {
	if d == nil {
		d = websocket.DefaultDialer
	}
	return wsDialer{dialer: d, readLimit: readLimit}
}

func (w wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := w.dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("could not connect to WebSocket (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("could not connect to WebSocket: %w", err)
	}
	conn.SetReadLimit(w.readLimit)
	return conn, nil
}
