package relay

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brennhill/gasoline-relay/internal/wire"
)

// freeLoopbackAddr picks an ephemeral port by binding and releasing it
// immediately, giving the election test a real address to race over
// without a hardcoded port.
func freeLoopbackAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestAcquireFirstParticipantWinsAndServesEmbeddedRouter(t *testing.T) {
	t.Parallel()
	addr := freeLoopbackAddr(t)
	p := &Participant{Addr: addr, Log: zap.NewNop()}

	result, err := p.Acquire(t.Context())
	require.NoError(t, err)
	require.Equal(t, RoleServer, result.Role)
	require.NotNil(t, result.Server)
	defer result.Server.Shutdown(t.Context())

	client, err := Identify(t.Context(), result.Conn, wire.IdentifyPayload{Type: wire.ClientToolServer, Name: "winner"}, zap.NewNop())
	require.NoError(t, err)
	defer client.Close()
}

func TestAcquireSecondParticipantLosesAndDialsTheWinner(t *testing.T) {
	t.Parallel()
	addr := freeLoopbackAddr(t)
	winner := &Participant{Addr: addr, Log: zap.NewNop()}

	winResult, err := winner.Acquire(t.Context())
	require.NoError(t, err)
	require.Equal(t, RoleServer, winResult.Role)
	defer winResult.Server.Shutdown(t.Context())

	loser := &Participant{Addr: addr, Log: zap.NewNop()}
	loseResult, err := loser.Acquire(t.Context())
	require.NoError(t, err)
	require.Equal(t, RoleClient, loseResult.Role)
	require.Nil(t, loseResult.Server)
	defer loseResult.Conn.Close()

	client, err := Identify(t.Context(), loseResult.Conn, wire.IdentifyPayload{Type: wire.ClientEndpoint, Name: "loser"}, zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	// The loser is the first peer to complete handshake against the winner's
	// freshly-bound Server, so it observes both the one-time relay.ready
	// broadcast and the roster update that follows it, in that order.
	select {
	case f := <-client.Frames():
		require.Equal(t, wire.TypeRelayReady, f.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("dialed client never received the relay.ready announcement")
	}

	select {
	case f := <-client.Frames():
		require.Equal(t, wire.TypeRosterUpdate, f.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("dialed client never received the initial roster update")
	}
}

func TestAcquireAfterServerShutdownLetsAnotherParticipantWinTheSameAddr(t *testing.T) {
	addr := freeLoopbackAddr(t)
	first := &Participant{Addr: addr, Log: zap.NewNop()}

	firstResult, err := first.Acquire(t.Context())
	require.NoError(t, err)
	require.Equal(t, RoleServer, firstResult.Role)

	require.NoError(t, firstResult.Server.Shutdown(t.Context()))
	select {
	case <-firstResult.Server.Died():
	case <-time.After(2 * time.Second):
		t.Fatal("server role never reported death after shutdown")
	}

	time.Sleep(RebindJitterMax)

	second := &Participant{Addr: addr, Log: zap.NewNop()}
	secondResult, err := second.Acquire(t.Context())
	require.NoError(t, err)
	require.Equal(t, RoleServer, secondResult.Role)
	defer secondResult.Server.Shutdown(t.Context())
}
