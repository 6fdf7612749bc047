// client.go — the identify-then-route session any relay participant (EG or
// TSC) uses once it has a Conn, whether that Conn came from Dial or from
// winning the election (spec §4.1 Handshake).
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/brennhill/gasoline-relay/internal/health"
	"github.com/brennhill/gasoline-relay/internal/wire"
)

// ErrIdentifyRefused is returned when the server rejects identify (spec
// §4.1: a second "endpoint" connection gets accepted=false).
var ErrIdentifyRefused = errors.New("relay: identify refused by server")

// Client is a connected, identified relay participant.
type Client struct {
	conn  Conn
	id    string
	log   *zap.Logger
	stats *health.Stats

	frames chan wire.Frame
	errs   chan error
}

// Identify performs the spec §4.1 handshake over conn and, on success,
// starts the background read loop. The caller owns conn's lifecycle via the
// returned Client's Close method.
func Identify(ctx context.Context, conn Conn, identity wire.IdentifyPayload, log *zap.Logger) (*Client, error) {
	req, err := wire.WithPayload(wire.Frame{Type: wire.TypeIdentify, Timestamp: time.Now().UnixMilli()}, identity)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteFrame(req); err != nil {
		return nil, fmt.Errorf("relay: send identify: %w", err)
	}

	type result struct {
		frame wire.Frame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := conn.ReadFrame()
		ch <- result{f, err}
	}()

	var ack wire.Frame
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("relay: await identify.ack: %w", r.err)
		}
		ack = r.frame
	case <-ctx.Done():
		_ = conn.Close()
		return nil, ctx.Err()
	case <-time.After(HandshakeTimeout):
		_ = conn.Close()
		return nil, errors.New("relay: identify.ack not received within handshake timeout")
	}

	if ack.Type != wire.TypeIdentifyAck {
		return nil, fmt.Errorf("relay: expected identify.ack, got %s", ack.Type)
	}
	var payload wire.IdentifyAckPayload
	if err := ack.DecodePayload(&payload); err != nil {
		return nil, err
	}
	if !payload.Accepted {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrIdentifyRefused, payload.Reason)
	}

	c := &Client{
		conn:   conn,
		id:     payload.ID,
		log:    log,
		stats:  &health.Stats{},
		frames: make(chan wire.Frame, 64),
		errs:   make(chan error, 1),
	}
	c.stats.Connected(time.Now())
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		f, err := c.conn.ReadFrame()
		if err != nil {
			c.stats.Disconnected()
			c.errs <- err
			close(c.frames)
			return
		}
		c.stats.RecordReceive(time.Now())
		c.frames <- f
	}
}

// ID returns the identifier the server assigned.
func (c *Client) ID() string { return c.id }

// Frames delivers every frame addressed to this client, in arrival order.
// The channel closes when the connection dies; read Err() for the cause.
func (c *Client) Frames() <-chan wire.Frame { return c.frames }

// Err delivers the terminal read error once the connection dies.
func (c *Client) Err() <-chan error { return c.errs }

// Stats exposes this connection's passive health counters.
func (c *Client) Stats() *health.Stats { return c.stats }

// Send writes f to the relay, addressed per f.To.
func (c *Client) Send(f wire.Frame) error {
	if f.Timestamp == 0 {
		f.Timestamp = time.Now().UnixMilli()
	}
	if err := c.conn.WriteFrame(f); err != nil {
		return err
	}
	c.stats.RecordSend(time.Now())
	return nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
