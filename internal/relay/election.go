// election.go — the race to bind the well-known loopback port (spec §4.1).
//
// One attempt at a time: Participant.Acquire either wins the bind race (in
// which case it also runs the router and hands the caller a self-loopback
// Conn to it, realizing the "embedded relay" topology from spec §9's open
// question) or loses and dials out to whoever holds the port. Callers are
// expected to retry Acquire, jittered by health.Backoff, whenever their
// Conn dies — that retry loop is CHL's reconnect logic (spec §4.4), kept in
// the caller (toolserver/gateway) rather than duplicated here.
package relay

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/brennhill/gasoline-relay/internal/health"
)

// RebindJitterMin/Max are the spec §4.1 post-server-death rebind delay bounds.
const (
	RebindJitterMin = 100 * time.Millisecond
	RebindJitterMax = 500 * time.Millisecond
)

// RebindJitter returns a uniform random delay in [RebindJitterMin, RebindJitterMax).
func RebindJitter() time.Duration {
	span := RebindJitterMax - RebindJitterMin
	return RebindJitterMin + time.Duration(rand.Int63n(int64(span)))
}

// Role distinguishes which side of the election a participant landed on.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Participant races for the router role on one address.
type Participant struct {
	Addr     string
	Log      *zap.Logger
	QueueCap int
	Meter    *health.Meter // optional; reported on only if this participant wins
}

// AcquireResult is the outcome of one Acquire call.
type AcquireResult struct {
	Role   Role
	Conn   Conn
	Server *ServerRole // non-nil only when Role == RoleServer
}

// Acquire makes one attempt: try to bind; on EADDRINUSE, dial out instead.
// The caller owns the returned Conn/ServerRole's lifecycle.
func (p *Participant) Acquire(ctx context.Context) (AcquireResult, error) {
	ln, err := TryBind(p.Addr)
	if err == nil {
		srv := NewServer(p.Log, p.QueueCap, p.Meter)
		role := ListenAndServe(ln, srv, p.Log)

		selfConn, routerConn := NewMemConnPair("self", "embedded-router")
		go srv.Serve(routerConn)
		go srv.ReportMetrics(ctx)

		if p.Log != nil {
			p.Log.Info("relay: won election, now serving", zap.String("addr", p.Addr))
		}
		return AcquireResult{Role: RoleServer, Conn: selfConn, Server: role}, nil
	}
	if err != ErrPortTaken {
		return AcquireResult{}, err
	}

	conn, dialErr := Dial(ctx, p.Addr)
	if dialErr != nil {
		return AcquireResult{}, dialErr
	}
	return AcquireResult{Role: RoleClient, Conn: conn}, nil
}
