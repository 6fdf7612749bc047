// outqueue.go — the outbound-frame holding pen for a transport blip (spec
// §4.4 Reconnect).
package relay

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brennhill/gasoline-relay/internal/wire"
)

// MaxQueuedFrameAge is the spec §4.4 reconnect bound: a frame still queued
// this long after it was minted is dropped rather than flushed.
const MaxQueuedFrameAge = 60 * time.Second

type queuedFrame struct {
	frame    wire.Frame
	queuedAt time.Time
}

// OutQueue buffers frames a caller tried to send while disconnected, then
// flushes them in enqueue order once a live connection is available again
// (spec §4.4: "any outbound frame queued during the outage is flushed in
// enqueue order; frames older than 60s are dropped with a warning").
//
// Shaped after Holder's own buffer-then-replay idiom (holder.go), but keyed
// on wall-clock age instead of a capacity bound, since this queue survives
// across the Client generations a reconnect throws away rather than living
// only as long as one connection does.
type OutQueue struct {
	mu      sync.Mutex
	pending []queuedFrame
	flushMu sync.Mutex // one Flush at a time, so frames leave in queue order
}

// Push appends f to the queue.
func (q *OutQueue) Push(f wire.Frame) {
	q.mu.Lock()
	q.pending = append(q.pending, queuedFrame{frame: f, queuedAt: time.Now()})
	q.mu.Unlock()
}

// Len reports the current queue depth.
func (q *OutQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Flush sends every queued frame, oldest first, through send. A frame older
// than MaxQueuedFrameAge by the time Flush reaches it is dropped instead,
// logged as a warning. If send fails partway through, that frame and every
// frame after it are put back at the head of the queue (ahead of anything
// pushed during the flush) so the next Flush resumes in the same order.
// Concurrent Flush calls run one after another.
func (q *OutQueue) Flush(send func(wire.Frame) error, log *zap.Logger) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	now := time.Now()
	for i, qf := range pending {
		if now.Sub(qf.queuedAt) > MaxQueuedFrameAge {
			if log != nil {
				log.Warn("relay: dropping outbound frame queued past the reconnect window", zap.String("type", string(qf.frame.Type)))
			}
			continue
		}
		if err := send(qf.frame); err != nil {
			q.requeueFront(pending[i:])
			return err
		}
	}
	return nil
}

func (q *OutQueue) requeueFront(rest []queuedFrame) {
	q.mu.Lock()
	merged := make([]queuedFrame, 0, len(rest)+len(q.pending))
	merged = append(merged, rest...)
	merged = append(merged, q.pending...)
	q.pending = merged
	q.mu.Unlock()
}
