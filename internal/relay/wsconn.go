// wsconn.go — Conn implementation over a loopback gorilla/websocket socket.
package relay

import (
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/brennhill/gasoline-relay/internal/wire"
)

type wsConn struct {
	ws    *websocket.Conn
	label string
}

// NewWSConn wraps an established *websocket.Conn as a relay.Conn.
func NewWSConn(ws *websocket.Conn, label string) Conn {
	ws.SetReadLimit(wire.MaxFrameBytes)
	return &wsConn{ws: ws, label: label}
}

func (c *wsConn) ReadFrame() (wire.Frame, error) {
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return wire.Frame{}, fmt.Errorf("relay: read from %s: %w", c.label, err)
	}
	return decodeFrame(raw)
}

func (c *wsConn) WriteFrame(f wire.Frame) error {
	raw, err := encodeFrame(f)
	if err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("relay: write to %s: %w", c.label, err)
	}
	return nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) RemoteLabel() string {
	return c.label
}
