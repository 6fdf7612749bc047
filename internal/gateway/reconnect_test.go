package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brennhill/gasoline-relay/internal/lock"
	"github.com/brennhill/gasoline-relay/internal/relay"
	"github.com/brennhill/gasoline-relay/internal/wire"
)

// TestWorkerSurvivesReconnectAndReplaysQueuedMilestones exercises spec
// §4.2's reconnect contract: an in-flight operation's lock and handler keep
// running across a dropped EG connection, and the milestone it emits while
// disconnected is delivered, in order, once the EG reconnects, rather than
// being dropped or duplicated.
func TestWorkerSurvivesReconnectAndReplaysQueuedMilestones(t *testing.T) {
	t.Parallel()
	srv := relay.NewServer(zap.NewNop(), 0, nil)

	locks := lock.NewManager(30*time.Second, nil)
	registry := NewRegistryForLocks(DefaultEventRingCapacity, locks)

	release := make(chan struct{})
	slow := Handler{
		Command:     "slow_tab_op",
		Cancellable: false,
		Run: func(ctx context.Context, req HandlerRequest) (map[string]any, error) {
			select {
			case <-release:
				return map[string]any{"tabId": req.TabID}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	worker := NewWorker(registry, locks, zap.NewNop(), []Handler{slow})
	locks.SetOnFail(worker.HandleLockFailure)

	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)

	tscSelf, tscRouter := relay.NewMemConnPair("tsc", "tsc-router")
	go srv.Serve(tscRouter)
	tsc, err := relay.Identify(t.Context(), tscSelf, wire.IdentifyPayload{Type: wire.ClientToolServer, Name: "tsc"}, zap.NewNop())
	require.NoError(t, err)

	egSelf1, egRouter1 := relay.NewMemConnPair("eg", "eg-router-1")
	go srv.Serve(egRouter1)
	egClient1, err := relay.Identify(t.Context(), egSelf1, wire.IdentifyPayload{Type: wire.ClientEndpoint, Name: "eg"}, zap.NewNop())
	require.NoError(t, err)
	holder1 := NewHolder(egClient1, zap.NewNop())
	go holder1.Run(ctx)
	serveDone1 := make(chan struct{})
	go func() { worker.ServeHolder(ctx, holder1); close(serveDone1) }()

	dispatch := func(command, opID string, params map[string]any) {
		f := wire.Frame{Type: wire.TypeCommand, To: string(wire.ClientEndpoint)}
		f, err := wire.WithPayload(f, wire.CommandPayload{OperationID: opID, Command: command, Params: params})
		require.NoError(t, err)
		require.NoError(t, tsc.Send(f))
	}
	nextMilestone := func() wire.MilestonePayload {
		deadline := time.After(2 * time.Second)
		for {
			select {
			case f := <-tsc.Frames():
				if f.Type != wire.TypeMilestone {
					continue
				}
				var p wire.MilestonePayload
				require.NoError(t, f.DecodePayload(&p))
				return p
			case <-deadline:
				t.Fatal("timed out waiting for a milestone")
				return wire.MilestonePayload{}
			}
		}
	}

	dispatch("slow_tab_op", "op-1", map[string]any{"tabId": "tab-1"})
	require.Equal(t, wire.MilestoneStarted, nextMilestone().Name)
	require.Equal(t, wire.MilestoneDispatched, nextMilestone().Name)

	require.Eventually(t, func() bool {
		_, ok := locks.Owner("tab-1")
		return ok
	}, time.Second, 10*time.Millisecond)

	// Drop the EG's connection. The handler keeps running and keeps the
	// lock; ServeHolder notices the dead holder and returns.
	require.NoError(t, egClient1.Close())
	select {
	case <-serveDone1:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeHolder never returned after the connection died")
	}
	_, stillOwned := locks.Owner("tab-1")
	require.True(t, stillOwned, "lock must survive a transport blip")

	// Let the handler finish while the EG is disconnected; its completion
	// milestone queues in the worker's outbox instead of being dropped.
	close(release)
	require.Eventually(t, func() bool { return worker.out.Len() > 0 }, time.Second, 10*time.Millisecond)

	// Reconnect (identify may be briefly refused until the server finishes
	// tearing down the dead endpoint connection) and resume serving; the
	// queued milestone flushes in order as soon as the new holder attaches.
	var egClient2 *relay.Client
	require.Eventually(t, func() bool {
		egSelf2, egRouter2 := relay.NewMemConnPair("eg", "eg-router-2")
		go srv.Serve(egRouter2)
		c, identErr := relay.Identify(t.Context(), egSelf2, wire.IdentifyPayload{Type: wire.ClientEndpoint, Name: "eg"}, zap.NewNop())
		if identErr != nil {
			return false
		}
		egClient2 = c
		return true
	}, 2*time.Second, 20*time.Millisecond)

	holder2 := NewHolder(egClient2, zap.NewNop())
	go holder2.Run(ctx)
	go worker.ServeHolder(ctx, holder2)

	completed := nextMilestone()
	require.Equal(t, wire.MilestoneResponseCompleted, completed.Name)
	require.Equal(t, "op-1", completed.OperationID)

	require.Eventually(t, func() bool {
		_, ok := locks.Owner("tab-1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}
