package ws

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
)

// Conn is the minimal transport surface the manager needs. The
// production implementation wraps a gorilla websocket connection; tests
// substitute an in-memory fake.
type Conn interface {
	// ReadMessage blocks until the next frame arrives.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer establishes a transport to the given endpoint.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DefaultDialer dials over a websocket.
func DefaultDialer(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.c.Close()
}
