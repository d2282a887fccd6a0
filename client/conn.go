package client

import (
	"context"

	"github.com/gorilla/websocket"
)

// Conn is the minimal transport surface the client needs. The real dialer
// wraps gorilla/websocket; tests inject an in-memory fake.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialFunc opens a connection to the collab server. The context carries the
// handshake deadline.
type DialFunc func(ctx context.Context, url string) (Conn, error)

type gorillaConn struct {
	conn *websocket.Conn
}

func (g *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := g.conn.ReadMessage()
	return data, err
}

func (g *gorillaConn) WriteMessage(data []byte) error {
	return g.conn.WriteMessage(websocket.TextMessage, data)
}

func (g *gorillaConn) Close() error {
	return g.conn.Close()
}

func gorillaDial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return &gorillaConn{conn: conn}, nil
}
