// session.go — the endpoint gateway's relay connection lifecycle: race the
// election (or dial the winner), identify as the endpoint, and run the
// holder/worker pair until the connection dies, then reconnect with backoff
// (spec §4.1 election, §4.4 reconnect backoff).
package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/brennhill/gasoline-relay/internal/health"
	"github.com/brennhill/gasoline-relay/internal/lock"
	"github.com/brennhill/gasoline-relay/internal/relay"
	"github.com/brennhill/gasoline-relay/internal/wire"
)

// Session owns one EG process's relay connection, reconnecting with
// exponential backoff whenever it is lost (spec §4.4).
type Session struct {
	addr     string
	identity wire.IdentifyPayload
	log      *zap.Logger

	registry *Registry
	locks    *lock.Manager
	handlers []Handler
}

// NewSession builds a Session. identity.Type should be wire.ClientEndpoint.
func NewSession(addr string, identity wire.IdentifyPayload, registry *Registry, locks *lock.Manager, handlers []Handler, log *zap.Logger) *Session {
	return &Session{addr: addr, identity: identity, registry: registry, locks: locks, handlers: handlers, log: log}
}

// Run connects and serves until ctx is done, reconnecting with backoff on
// every connection loss. The Worker is built once here and reused across
// every reconnect attempt: its in-flight operations, tab locks, and
// observers must survive a transport blip rather than being torn down and
// rebuilt with the connection (spec §4.2).
func (s *Session) Run(ctx context.Context) error {
	worker := NewWorker(s.registry, s.locks, s.log, s.handlers)
	s.locks.SetOnFail(worker.HandleLockFailure)

	backoff := health.NewBackoff()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.connectAndServe(ctx, worker)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := backoff.Next()
		if s.log != nil {
			s.log.Warn("gateway: connection lost, reconnecting", zap.Error(err), zap.Duration("backoff", delay))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// connectAndServe wins or dials into the relay once, then runs worker
// against that one connection's Holder until it dies. ctx is the Session's
// whole-lifetime context, not a per-connection one: it is only ever
// cancelled on shutdown, so a dead connection never cancels an opCtx the
// worker handed to a still-running handler.
func (s *Session) connectAndServe(ctx context.Context, worker *Worker) error {
	participant := &relay.Participant{Addr: s.addr, Log: s.log}
	result, err := participant.Acquire(ctx)
	if err != nil {
		return err
	}

	client, err := relay.Identify(ctx, result.Conn, s.identity, s.log)
	if err != nil {
		return err
	}
	defer client.Close()

	holder := NewHolder(client, s.log)
	errCh := make(chan error, 1)
	go func() { errCh <- holder.Run(ctx) }()

	worker.ServeHolder(ctx, holder)
	return <-errCh
}
