// holder.go — the persistent connection holder (spec §4.2 Connection
// topology, §9 "service-worker eviction with a surviving connection
// holder" re-architected as a goroutine that outlives the worker).
//
// The holder owns the relay connection and buffers inbound frames while the
// worker is not yet ready; once the worker signals readiness it replays
// everything buffered, in order, then streams frames through directly.
package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/brennhill/gasoline-relay/internal/relay"
	"github.com/brennhill/gasoline-relay/internal/wire"
)

// DefaultHolderBuffer matches the relay's own backpressure bound (spec §4.2:
// "bounded, see §4.1 backpressure policy applied symmetrically").
const DefaultHolderBuffer = relay.DefaultQueueCapacity

// Holder buffers inbound frames for a worker that may not be running yet.
type Holder struct {
	client *relay.Client
	log    *zap.Logger

	mu     sync.Mutex
	ready  bool
	buffer []wire.Frame
	out    chan wire.Frame
	cap    int
	done   chan struct{}
}

// NewHolder wraps an identified relay client.
func NewHolder(client *relay.Client, log *zap.Logger) *Holder {
	return &Holder{
		client: client,
		log:    log,
		out:    make(chan wire.Frame, DefaultHolderBuffer),
		cap:    DefaultHolderBuffer,
		done:   make(chan struct{}),
	}
}

// Run reads frames from the relay client until ctx is cancelled or the
// connection dies, routing each one into deliver. A holder is one
// connection's worth of buffering: Run's return (for any reason) closes
// Done, telling whoever is consuming Frames() that this generation is over
// and a new Holder is coming on the next reconnect.
func (h *Holder) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case f, ok := <-h.client.Frames():
			if !ok {
				return <-h.client.Err()
			}
			h.deliver(f)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done reports when this holder's connection has ended, either because the
// transport died or ctx was cancelled.
func (h *Holder) Done() <-chan struct{} { return h.done }

func (h *Holder) deliver(f wire.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ready {
		select {
		case h.out <- f:
		default:
			h.evictOldestLocked()
			h.out <- f
		}
		return
	}
	if len(h.buffer) >= h.cap {
		h.buffer = h.buffer[1:]
		if h.log != nil {
			h.log.Warn("gateway: holder buffer full, dropping oldest inbound frame")
		}
	}
	h.buffer = append(h.buffer, f)
}

// evictOldestLocked drops the oldest frame from out to make room for a new
// one; out is a channel so "oldest" is simply whatever Receive would return
// next. Caller holds h.mu.
func (h *Holder) evictOldestLocked() {
	select {
	case <-h.out:
	default:
	}
}

// SignalWorkerReady replays every buffered frame into the delivery channel,
// in order, then switches to direct passthrough (spec §4.2: "The worker
// signals readiness by sending a worker.ready frame; until then the holder
// buffers all inbound frames").
func (h *Holder) SignalWorkerReady() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range h.buffer {
		select {
		case h.out <- f:
		default:
			h.evictOldestLocked()
			h.out <- f
		}
	}
	h.buffer = nil
	h.ready = true
}

// Frames is what the worker consumes.
func (h *Holder) Frames() <-chan wire.Frame { return h.out }

// Send writes a frame to the relay via the underlying client.
func (h *Holder) Send(f wire.Frame) error { return h.client.Send(f) }

// ClientID returns the relay-assigned id for this connection.
func (h *Holder) ClientID() string { return h.client.ID() }
