// server.go — the active router: identify-before-route, addressed delivery,
// roster broadcast (spec §4.1).
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brennhill/gasoline-relay/internal/health"
	"github.com/brennhill/gasoline-relay/internal/wire"
)

// MetricsReportInterval is how often a running Server pushes each
// connection's passive-health snapshot into its Meter (spec §3.7).
const MetricsReportInterval = 15 * time.Second

// HandshakeTimeout is the spec §4.1 identify deadline.
const HandshakeTimeout = 5 * time.Second

// endpointRefusalLinger is how long a refused second "endpoint" connection
// is kept open after identify.ack{accepted:false} before the server closes it.
const endpointRefusalLinger = 1 * time.Second

// Server is the active router for one relay instance. Exactly one Server
// per machine holds the well-known port at a time (spec §4.1 Election);
// Server itself is transport-agnostic — Serve accepts any relay.Conn, so the
// election/accept loop (net/http + gorilla upgrader) lives in listener.go.
type Server struct {
	log      *zap.Logger
	reg      *registry
	queueCap int
	meter    *health.Meter

	mu             sync.Mutex
	conns          map[string]*serverConn
	readyAnnounced bool
}

// NewServer constructs a Server. queueCap<=0 uses DefaultQueueCapacity.
// meter may be nil, in which case no metrics are reported.
func NewServer(log *zap.Logger, queueCap int, meter *health.Meter) *Server {
	return &Server{
		log:      log,
		reg:      newRegistry(),
		queueCap: queueCap,
		meter:    meter,
		conns:    make(map[string]*serverConn),
	}
}

// ReportMetrics runs until ctx is done, pushing every connected client's
// passive-health snapshot into s.meter every MetricsReportInterval. A nil
// meter makes this a no-op loop that still respects ctx cancellation.
func (s *Server) ReportMetrics(ctx context.Context) {
	ticker := time.NewTicker(MetricsReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.meter == nil {
				continue
			}
			now := time.Now()
			for _, c := range s.reg.all() {
				s.meter.Observe(ctx, c.ID, c.stats.Classify(now))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Serve drives one accepted connection through handshake, routing, and
// teardown. It blocks until the connection closes, so callers should invoke
// it in its own goroutine per accepted connection.
func (s *Server) Serve(conn Conn) {
	rec, sc, ok := s.handshake(conn)
	if !ok {
		return
	}
	defer s.teardown(rec.ID)

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			return
		}
		now := time.Now()
		sc.stats.RecordReceive(now)
		s.mu.Lock()
		if r, ok2 := s.reg.get(rec.ID); ok2 {
			r.LastActivityAt = now
		}
		s.mu.Unlock()

		if !sc.allowInbound() {
			s.sendError(rec.ID, f.RequestID, "rate limit exceeded")
			continue
		}

		f.From = rec.ID
		if f.Timestamp == 0 {
			f.Timestamp = now.UnixMilli()
		}
		s.route(rec.ID, f)
	}
}

func (s *Server) handshake(conn Conn) (*ClientRecord, *serverConn, bool) {
	type result struct {
		frame wire.Frame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := conn.ReadFrame()
		ch <- result{f, err}
	}()

	var first wire.Frame
	select {
	case r := <-ch:
		if r.err != nil {
			_ = conn.Close()
			return nil, nil, false
		}
		first = r.frame
	case <-time.After(HandshakeTimeout):
		_ = conn.Close()
		if s.log != nil {
			s.log.Warn("relay: handshake timeout", zap.String("remote", conn.RemoteLabel()))
		}
		return nil, nil, false
	}

	if first.Type != wire.TypeIdentify {
		_ = conn.Close()
		return nil, nil, false
	}

	var payload wire.IdentifyPayload
	if err := first.DecodePayload(&payload); err != nil {
		_ = conn.Close()
		return nil, nil, false
	}

	id := uuid.NewString()
	now := time.Now()

	if payload.Type == wire.ClientEndpoint && s.reg.countOfType(wire.ClientEndpoint) > 0 {
		s.writeRaw(conn, ackFrame(id, false, "endpoint already connected"))
		go func() {
			time.Sleep(endpointRefusalLinger)
			_ = conn.Close()
		}()
		return nil, nil, false
	}

	rec := &ClientRecord{
		ID:             id,
		Type:           payload.Type,
		Name:           payload.Name,
		Version:        payload.Version,
		Capabilities:   payload.Capabilities,
		PID:            payload.PID,
		ConnectedAt:    now,
		LastActivityAt: now,
		conn:           conn,
	}
	sc := newServerConn(id, conn, s.log, s.queueCap)
	rec.stats = sc.stats
	s.reg.add(rec)

	s.mu.Lock()
	s.conns[id] = sc
	s.mu.Unlock()
	go sc.run()

	sc.enqueue(ackFrame(id, true, ""))
	s.announceReady()
	s.broadcastRoster()

	return rec, sc, true
}

// announceReady broadcasts relay.ready exactly once per Server instance, to
// whatever is connected at the moment it first fires (spec §4.1: "the
// winner announces itself with a relay.ready broadcast"). A Server only
// exists once its Participant has won the bind race, so the first client to
// complete handshake against it is, by construction, the post-election
// audience this is for.
func (s *Server) announceReady() {
	s.mu.Lock()
	if s.readyAnnounced {
		s.mu.Unlock()
		return
	}
	s.readyAnnounced = true
	targets := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		targets = append(targets, sc)
	}
	s.mu.Unlock()

	f := wire.Frame{Type: wire.TypeRelayReady, From: relaySelfSymbol, Timestamp: time.Now().UnixMilli()}
	for _, sc := range targets {
		sc.enqueue(f)
	}
}

func ackFrame(id string, accepted bool, reason string) wire.Frame {
	f := wire.Frame{Type: wire.TypeIdentifyAck, To: id, Timestamp: time.Now().UnixMilli()}
	f, _ = wire.WithPayload(f, wire.IdentifyAckPayload{ID: id, Accepted: accepted, Reason: reason})
	return f
}

func (s *Server) writeRaw(conn Conn, f wire.Frame) {
	_ = conn.WriteFrame(f)
}

func (s *Server) teardown(id string) {
	s.reg.remove(id)
	s.mu.Lock()
	sc, ok := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	if ok {
		sc.close()
	}
	s.broadcastRoster()
}

// route implements spec §4.1 routing and backpressure.
func (s *Server) route(senderID string, f wire.Frame) {
	if f.To == relaySelfSymbol {
		s.handleSelfDirected(senderID, f)
		return
	}

	if f.To == senderID {
		s.sendError(senderID, f.RequestID, "frame cannot be routed to its origin")
		return
	}

	target, ambiguous := s.reg.resolve(f.To)
	if ambiguous {
		s.sendError(senderID, f.RequestID, fmt.Sprintf("multiple clients of type %q; address by id", f.To))
		return
	}
	if target == nil {
		s.sendError(senderID, f.RequestID, fmt.Sprintf("no such client or type %q", f.To))
		return
	}

	s.mu.Lock()
	sc, ok := s.conns[target.ID]
	s.mu.Unlock()
	if !ok {
		s.sendError(senderID, f.RequestID, fmt.Sprintf("client %q is gone", target.ID))
		return
	}
	sc.enqueue(f)
}

// relaySelfSymbol is the `to` value meaning "answer this yourself", used by
// health.report requests aimed at the router rather than a peer.
const relaySelfSymbol = "relay"

func (s *Server) handleSelfDirected(senderID string, f wire.Frame) {
	if f.Type != wire.TypeHealthReport {
		s.sendError(senderID, f.RequestID, "relay accepts only health.report as self-directed")
		return
	}
	now := time.Now()
	var clients []wire.ClientHealth
	for _, c := range s.reg.all() {
		snap := c.stats.Classify(now)
		clients = append(clients, wire.ClientHealth{
			ID:               c.ID,
			IdleSeconds:      snap.IdleSeconds,
			Classification:   string(snap.Classification),
			MessagesReceived: snap.MessagesReceived,
			MessagesSent:     snap.MessagesSent,
			ReconnectCount:   snap.ReconnectCount,
			QueueLength:      snap.QueueLength,
		})
	}

	reply := wire.Frame{Type: wire.TypeHealthReport, From: relaySelfSymbol, To: senderID, RequestID: f.RequestID, Timestamp: now.UnixMilli()}
	reply, _ = wire.WithPayload(reply, wire.HealthReportPayload{Clients: clients})

	s.mu.Lock()
	sc, ok := s.conns[senderID]
	s.mu.Unlock()
	if ok {
		sc.enqueue(reply)
	}
}

func (s *Server) sendError(senderID, requestID, reason string) {
	s.mu.Lock()
	sc, ok := s.conns[senderID]
	s.mu.Unlock()
	if !ok {
		return
	}
	f := wire.Frame{Type: wire.TypeRouteError, From: relaySelfSymbol, To: senderID, RequestID: requestID, Timestamp: time.Now().UnixMilli()}
	f, _ = wire.WithPayload(f, wire.RouteErrorPayload{Reason: reason})
	sc.enqueue(f)
}

func (s *Server) broadcastRoster() {
	snap := s.reg.snapshot()
	payload := wire.RosterUpdatePayload{Clients: snap}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	now := time.Now().UnixMilli()

	s.mu.Lock()
	targets := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		targets = append(targets, sc)
	}
	s.mu.Unlock()

	for _, sc := range targets {
		sc.enqueue(wire.Frame{Type: wire.TypeRosterUpdate, From: relaySelfSymbol, To: sc.id, Payload: raw, Timestamp: now})
	}
}
