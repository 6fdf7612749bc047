// dial.go — connecting to the active router as a client (spec §4.1).
package relay

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
)

// Dial opens a WebSocket connection to the active router at addr
// (e.g. "127.0.0.1:54321") and wraps it as a relay.Conn.
func Dial(ctx context.Context, addr string) (Conn, error) {
	url := fmt.Sprintf("ws://%s/", addr)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", addr, err)
	}
	return NewWSConn(ws, addr), nil
}
