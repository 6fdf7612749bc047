// worker.go — command dispatch, tab locking, and milestone emission (spec §4.2).
package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brennhill/gasoline-relay/internal/lock"
	"github.com/brennhill/gasoline-relay/internal/relay"
	"github.com/brennhill/gasoline-relay/internal/wire"
)

// DefaultLockWait is how long a tab-targeted command waits to acquire the
// tab lock before the caller sees resource_busy.
const DefaultLockWait = 10 * time.Second

// Worker dispatches inbound command/cancel frames to registered handlers,
// serializing per-tab access through the CHL tab lock and emitting
// milestones back to the originating TSC.
//
// A Worker outlives any single relay connection (spec §4.2: "Transport loss
// is not fatal to in-flight operations: the worker keeps the lock and keeps
// the observer registered"). Session builds one Worker for the process's
// whole lifetime and reattaches it to a fresh Holder on every reconnect via
// ServeHolder; running/cancellable/originators and every lock the Manager
// holds survive the gap between holders untouched.
type Worker struct {
	registry *Registry
	locks    *lock.Manager
	log      *zap.Logger
	lockWait time.Duration
	out      *relay.OutQueue
	handlers map[string]Handler

	mu          sync.Mutex
	holder      *Holder // nil while disconnected; outbound frames queue in out instead
	running     map[string]context.CancelFunc // operationId -> cancel, while in flight
	cancellable map[string]bool
	originators map[string]string // operationId -> originating client id, while in flight
}

// NewWorker builds a Worker, dispatching to handlers. It has no live
// connection until ServeHolder attaches one.
func NewWorker(registry *Registry, locks *lock.Manager, log *zap.Logger, handlers []Handler) *Worker {
	w := &Worker{
		registry:    registry,
		locks:       locks,
		log:         log,
		lockWait:    DefaultLockWait,
		out:         &relay.OutQueue{},
		handlers:    make(map[string]Handler, len(handlers)),
		running:     make(map[string]context.CancelFunc),
		cancellable: make(map[string]bool),
		originators: make(map[string]string),
	}
	for _, h := range handlers {
		w.handlers[h.Command] = h
	}
	return w
}

// ServeHolder attaches h as the worker's current connection, flushes any
// outbound frames queued while disconnected, and processes inbound frames
// from h until h's connection ends or ctx is cancelled. It always detaches
// before returning, so the caller is free to build a new Holder and call
// ServeHolder again for the next reconnect.
func (w *Worker) ServeHolder(ctx context.Context, h *Holder) {
	w.attach(h)
	defer w.detach()

	h.SignalWorkerReady()
	for {
		select {
		case f, ok := <-h.Frames():
			if !ok {
				return
			}
			w.handleFrame(ctx, f)
		case <-h.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) attach(h *Holder) {
	w.mu.Lock()
	w.holder = h
	w.mu.Unlock()
	w.flushOutbox()
}

func (w *Worker) detach() {
	w.mu.Lock()
	w.holder = nil
	w.mu.Unlock()
}

func (w *Worker) handleFrame(ctx context.Context, f wire.Frame) {
	switch f.Type {
	case wire.TypeCommand:
		go w.handleCommand(ctx, f)
	case wire.TypeCancel:
		w.handleCancel(f)
	}
}

func (w *Worker) handleCommand(ctx context.Context, f wire.Frame) {
	var payload wire.CommandPayload
	if err := f.DecodePayload(&payload); err != nil {
		return
	}
	originator := f.From
	opID := payload.OperationID

	w.ackCommand(originator, opID)
	w.emit(originator, opID, wire.MilestoneStarted, nil)

	tabID, _ := payload.Params["tabId"].(string)
	// destroy_tab's handler releases the lock itself as teardown step 5; it
	// must not first acquire the very lock it is about to release, or it
	// would fail its own in-flight operation.
	skipLock := payload.Command == "destroy_tab"

	opCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.running[opID] = cancel
	w.originators[opID] = originator
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.running, opID)
		delete(w.cancellable, opID)
		delete(w.originators, opID)
		w.mu.Unlock()
		cancel()
	}()

	if tabID != "" && !skipLock {
		result, ticket := w.locks.TryAcquire(tabID, opID, w.lockWait)
		switch result {
		case lock.Rejected:
			w.emit(originator, opID, wire.MilestoneFailed, map[string]any{"error": string(wire.ErrResourceBusy)})
			return
		case lock.Queued:
			// A non-Acquired result here was already reported to the
			// originator by HandleLockFailure (the Manager's FailFunc),
			// invoked synchronously as part of failing the wait; emitting
			// again here would double up the terminal milestone.
			if res := w.locks.Wait(ticket, w.lockWait); res != lock.Acquired {
				return
			}
		case lock.Acquired:
			// fall through
		}
		defer w.locks.Release(tabID, opID)
	}

	handler, ok := w.handlers[payload.Command]
	if !ok {
		w.emit(originator, opID, wire.MilestoneFailed, map[string]any{"error": string(wire.ErrUnknownCommand)})
		return
	}

	w.mu.Lock()
	w.cancellable[opID] = handler.Cancellable
	w.mu.Unlock()

	w.emit(originator, opID, wire.MilestoneDispatched, nil)

	req := HandlerRequest{
		TabID:       tabID,
		OperationID: opID,
		Params:      payload.Params,
		Emit: func(name string, data map[string]any) {
			w.emit(originator, opID, name, data)
		},
		FailOperation: func(operationID, reasonCode string) {
			w.HandleLockFailure(operationID, lock.Reason(reasonCode))
		},
	}

	result, err := handler.Run(opCtx, req)
	switch {
	case err == context.Canceled:
		w.emit(originator, opID, wire.MilestoneCancelled, nil)
	case err != nil:
		w.emit(originator, opID, wire.MilestoneFailed, map[string]any{"error": string(classify(err)), "message": err.Error()})
	default:
		w.emit(originator, opID, wire.MilestoneResponseCompleted, result)
	}
}

// classify maps an unclassified handler error onto the spec's taxonomy; a
// well-behaved handler should return a *TaxonomyError directly instead.
func classify(err error) wire.ErrorCode {
	if te, ok := err.(*TaxonomyError); ok {
		return te.Code
	}
	return wire.ErrInternal
}

// TaxonomyError lets a handler report a specific spec §7 error code.
type TaxonomyError struct {
	Code    wire.ErrorCode
	Message string
}

func (e *TaxonomyError) Error() string { return e.Message }

func (w *Worker) handleCancel(f wire.Frame) {
	var payload wire.CancelPayload
	if err := f.DecodePayload(&payload); err != nil {
		return
	}
	opID := payload.OperationID

	w.mu.Lock()
	cancelFn, running := w.running[opID]
	cancellable := w.cancellable[opID]
	w.mu.Unlock()

	if !running {
		return
	}
	if !cancellable {
		w.emit(f.From, opID, wire.MilestoneCancelRefused, nil)
		return
	}
	cancelFn()
}

func (w *Worker) ackCommand(to, operationID string) {
	f := wire.Frame{Type: wire.TypeCommandAck, To: to, Timestamp: time.Now().UnixMilli()}
	f, _ = wire.WithPayload(f, wire.CommandAckPayload{OperationID: operationID})
	w.sendFrame(f)
}

func (w *Worker) emit(to, operationID, name string, data map[string]any) {
	f := wire.Frame{Type: wire.TypeMilestone, To: to, Timestamp: time.Now().UnixMilli()}
	f, _ = wire.WithPayload(f, wire.MilestonePayload{OperationID: operationID, Name: name, Data: data})
	w.sendFrame(f)
}

// sendFrame queues f and flushes immediately if a connection is attached.
// Routing every outbound frame through the queue, rather than only falling
// back to it on a failed direct send, is what gives reconnect replay its
// ordering guarantee (spec §4.2/§4.4): nothing jumps ahead of frames still
// waiting from a prior outage.
func (w *Worker) sendFrame(f wire.Frame) {
	w.out.Push(f)
	w.flushOutbox()
}

func (w *Worker) flushOutbox() {
	w.mu.Lock()
	h := w.holder
	w.mu.Unlock()
	if h == nil {
		return
	}
	if err := w.out.Flush(h.Send, w.log); err != nil && w.log != nil {
		w.log.Warn("gateway: outbound flush interrupted, frame requeued for next reconnect", zap.Error(err))
	}
}

// HandleLockFailure is the lock.Manager's FailFunc: it routes a queued or
// expired operation's forced failure back to its originator as a milestone
// (resource_busy or resource_gone for a waiter, lock_expired for an owner
// past its hold). The originator is recorded before the lock is requested
// and forgotten when handleCommand returns, so an operation that has
// already finished has none on record and is dropped with a log line.
func (w *Worker) HandleLockFailure(operationID string, reason lock.Reason) {
	w.mu.Lock()
	to, ok := w.originators[operationID]
	w.mu.Unlock()
	if !ok {
		if w.log != nil {
			w.log.Warn("gateway: lock failure for operation with no tracked originator", zap.String("operationId", operationID), zap.String("reason", string(reason)))
		}
		return
	}
	w.emit(to, operationID, wire.MilestoneFailed, map[string]any{"error": string(reason)})
}
