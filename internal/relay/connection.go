// connection.go — per-connection outbound queue enforcing spec §4.1 backpressure:
// ordered delivery, a bounded queue per receiver, oldest-non-response eviction
// on overflow.
package relay

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/brennhill/gasoline-relay/internal/health"
	"github.com/brennhill/gasoline-relay/internal/wire"
)

// DefaultQueueCapacity is the spec §4.1 default per-receiver queue bound.
const DefaultQueueCapacity = 256

// DefaultInboundFramesPerSecond bounds how fast one client may push frames
// into the router before they start getting route.error'd back (spec §4.1
// backpressure, client side: a single misbehaving client must not be able
// to starve every other connection's fair share of routing work).
const DefaultInboundFramesPerSecond = 200

type serverConn struct {
	id    string
	conn  Conn
	stats *health.Stats
	log   *zap.Logger

	mu       sync.Mutex
	queue    []wire.Frame
	wake     chan struct{}
	closed   bool
	capacity int

	inbound *rate.Limiter
}

func newServerConn(id string, conn Conn, log *zap.Logger, capacity int) *serverConn {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	sc := &serverConn{
		id:       id,
		conn:     conn,
		stats:    &health.Stats{},
		log:      log,
		wake:     make(chan struct{}, 1),
		capacity: capacity,
		inbound:  rate.NewLimiter(rate.Limit(DefaultInboundFramesPerSecond), DefaultInboundFramesPerSecond),
	}
	sc.stats.Connected(time.Now())
	return sc
}

// enqueue appends f to the outbound queue, applying the overflow policy: if
// the queue is at capacity, the oldest non-response frame (one without a
// RequestID answering a prior request; identify, command and cancel frames
// always count as non-responses) is dropped to make room. If every
// queued frame looks like a response, the new frame is dropped instead so
// the queue never grows past capacity.
func (sc *serverConn) enqueue(f wire.Frame) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return
	}

	if len(sc.queue) >= sc.capacity {
		if idx := indexOfOldestDroppable(sc.queue); idx >= 0 {
			dropped := sc.queue[idx]
			sc.queue = append(sc.queue[:idx], sc.queue[idx+1:]...)
			if sc.log != nil {
				sc.log.Warn("relay: dropping queued frame on overflow",
					zap.String("receiver", sc.id), zap.String("droppedType", string(dropped.Type)))
			}
		} else {
			if sc.log != nil {
				sc.log.Warn("relay: outbound queue full of responses, dropping new frame",
					zap.String("receiver", sc.id), zap.String("frameType", string(f.Type)))
			}
			return
		}
	}

	sc.queue = append(sc.queue, f)
	sc.stats.SetQueueLength(len(sc.queue))
	select {
	case sc.wake <- struct{}{}:
	default:
	}
}

// isResponseShaped reports whether f looks like a response frame, i.e. it is
// not one of the request-originating types.
func isResponseShaped(f wire.Frame) bool {
	switch f.Type {
	case wire.TypeIdentify, wire.TypeCommand, wire.TypeCancel:
		return false
	default:
		return f.RequestID != ""
	}
}

func indexOfOldestDroppable(queue []wire.Frame) int {
	for i, f := range queue {
		if !isResponseShaped(f) {
			return i
		}
	}
	return -1
}

// run drains the outbound queue to conn in FIFO order until closed.
func (sc *serverConn) run() {
	for {
		sc.mu.Lock()
		if sc.closed {
			sc.mu.Unlock()
			return
		}
		if len(sc.queue) == 0 {
			sc.mu.Unlock()
			<-sc.wake
			continue
		}
		f := sc.queue[0]
		sc.queue = sc.queue[1:]
		sc.stats.SetQueueLength(len(sc.queue))
		sc.mu.Unlock()

		if err := sc.conn.WriteFrame(f); err != nil {
			return
		}
		sc.stats.RecordSend(time.Now())
	}
}

// allowInbound reports whether the sender is still within its inbound rate
// budget; callers should route.error and drop the frame on false rather
// than queue it.
func (sc *serverConn) allowInbound() bool {
	return sc.inbound.Allow()
}

func (sc *serverConn) close() {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.closed = true
	sc.mu.Unlock()
	select {
	case sc.wake <- struct{}{}:
	default:
	}
	sc.stats.Disconnected()
	_ = sc.conn.Close()
}
