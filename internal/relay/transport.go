// transport.go — the Conn abstraction every relay participant speaks over.
//
// The production transport is a loopback WebSocket (gorilla/websocket, spec
// §6.1); tests use an in-memory pair (MemConn) so the election/routing/
// backpressure logic can be exercised without binding real sockets.
package relay

import (
	"encoding/json"
	"fmt"

	"github.com/brennhill/gasoline-relay/internal/wire"
)

// Conn is one framed, bidirectional connection carrying wire.Frame values.
// ReadFrame/WriteFrame must each be safe to call from their own dedicated
// goroutine (one reader, one writer) — neither needs to be safe for
// concurrent readers or concurrent writers among themselves.
type Conn interface {
	ReadFrame() (wire.Frame, error)
	WriteFrame(wire.Frame) error
	Close() error
	// RemoteLabel is a human-readable identifier for logs (address or test id).
	RemoteLabel() string
}

func encodeFrame(f wire.Frame) ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("relay: encode frame: %w", err)
	}
	if len(raw) > wire.MaxFrameBytes {
		return nil, fmt.Errorf("relay: frame exceeds max size %d bytes", wire.MaxFrameBytes)
	}
	return raw, nil
}

func decodeFrame(raw []byte) (wire.Frame, error) {
	if len(raw) > wire.MaxFrameBytes {
		return wire.Frame{}, fmt.Errorf("relay: frame exceeds max size %d bytes", wire.MaxFrameBytes)
	}
	var f wire.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return wire.Frame{}, fmt.Errorf("relay: decode frame: %w", err)
	}
	return f, nil
}
