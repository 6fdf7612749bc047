// session.go — the Tool-Server Client's relay session: connect (by racing
// the election or dialing the winner), identify, dispatch commands minted
// by the Operation Manager, and apply inbound milestones back onto their
// records (spec §3.4, §4.3).
//
// The upstream tool-protocol handshake that would hand this process actual
// work is explicitly out of scope (spec §1 Non-goals); UpstreamAgent is the
// narrow seam a real integration plugs into.
package toolserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brennhill/gasoline-relay/internal/health"
	"github.com/brennhill/gasoline-relay/internal/operation"
	"github.com/brennhill/gasoline-relay/internal/relay"
	"github.com/brennhill/gasoline-relay/internal/wire"
)

// ErrNotConnected is returned by Dispatch/Cancel while the session has no
// live relay connection.
var ErrNotConnected = errors.New("toolserver: not connected to relay")

// UpstreamAgent receives terminal operation records. The tool-protocol
// handshake that would route these to a live upstream agent session stays
// an external collaborator; this interface is the whole seam.
type UpstreamAgent interface {
	Deliver(rec *operation.Record)
}

// Session is one tool-server client's relay connection plus its Operation
// Manager. It owns the reconnect loop (spec §4.4: exponential backoff, 1s
// base, 30s ceiling); Dispatch never waits for a connection, returning
// ErrNotConnected while there is none.
type Session struct {
	addr     string
	identity wire.IdentifyPayload
	log      *zap.Logger

	ops   *operation.Manager
	agent UpstreamAgent

	mu     sync.Mutex
	client *relay.Client
}

// NewSession builds a Session. ops should already have Recover called on it
// by the caller before Run starts, so in-flight operations from a prior
// process survive a restart (spec §4.3, §8 scenario 5).
func NewSession(addr string, identity wire.IdentifyPayload, ops *operation.Manager, agent UpstreamAgent, log *zap.Logger) *Session {
	return &Session{addr: addr, identity: identity, ops: ops, agent: agent, log: log}
}

// Run connects, serves frames, and reconnects with backoff until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	backoff := health.NewBackoff()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			backoff.Reset()
			continue
		}
		delay := backoff.Next()
		if s.log != nil {
			s.log.Warn("toolserver: connection lost, reconnecting", zap.Error(err), zap.Duration("backoff", delay))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) connectAndServe(ctx context.Context) error {
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

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.client = nil
		s.mu.Unlock()
	}()

	for {
		select {
		case f, ok := <-client.Frames():
			if !ok {
				return <-client.Err()
			}
			s.handleFrame(f)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) handleFrame(f wire.Frame) {
	switch f.Type {
	case wire.TypeCommandAck:
		var p wire.CommandAckPayload
		if err := f.DecodePayload(&p); err != nil {
			return
		}
		if err := s.ops.MarkDispatched(p.OperationID); err != nil && s.log != nil {
			s.log.Warn("toolserver: command.ack for unknown operation", zap.String("operationId", p.OperationID))
		}

	case wire.TypeMilestone:
		var p wire.MilestonePayload
		if err := f.DecodePayload(&p); err != nil {
			return
		}
		rec, err := s.ops.ApplyMilestone(p.OperationID, p.Name, p.Data)
		if err != nil {
			if s.log != nil {
				s.log.Warn("toolserver: milestone for unknown operation", zap.String("operationId", p.OperationID), zap.String("milestone", p.Name))
			}
			return
		}
		if wire.IsTerminal(p.Name) && s.agent != nil {
			s.agent.Deliver(rec)
		}

	case wire.TypeRouteError:
		var p wire.RouteErrorPayload
		if err := f.DecodePayload(&p); err != nil {
			return
		}
		if s.log != nil {
			s.log.Warn("toolserver: route error", zap.String("reason", p.Reason), zap.String("to", p.To))
		}
	}
}

// Dispatch mints an operation via the Operation Manager and sends the
// command frame to the endpoint gateway. The returned record reflects the
// queued state; the caller observes progress through ops.Get or the
// UpstreamAgent callback as milestones arrive. A record that Create already
// made terminal (a zero deadline) is returned as is, with no frame sent.
func (s *Session) Dispatch(command string, params map[string]any, deadline time.Duration) (*operation.Record, error) {
	rec, err := s.ops.Create(command, deadline, s.onTimeout)
	if err != nil {
		return nil, err
	}
	if rec.Status.IsTerminal() {
		return rec, nil
	}

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return rec, ErrNotConnected
	}

	f := wire.Frame{Type: wire.TypeCommand, To: string(wire.ClientEndpoint)}
	f, err = wire.WithPayload(f, wire.CommandPayload{OperationID: rec.ID, Command: command, Params: params})
	if err != nil {
		return rec, err
	}
	if err := client.Send(f); err != nil {
		return rec, err
	}
	return rec, nil
}

// Cancel best-effort asks the endpoint gateway to cancel operationID (spec
// §4.4/§5 cooperative cancellation — the EG may refuse).
func (s *Session) Cancel(operationID string) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	f := wire.Frame{Type: wire.TypeCancel, To: string(wire.ClientEndpoint)}
	f, err := wire.WithPayload(f, wire.CancelPayload{OperationID: operationID})
	if err != nil {
		return err
	}
	return client.Send(f)
}

// onTimeout best-effort notifies the endpoint gateway when the Operation
// Manager's own deadline elapses with no terminal milestone (spec §4.3 step 5).
func (s *Session) onTimeout(operationID string) {
	_ = s.Cancel(operationID)
}
