package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type failRecord struct {
	operationID string
	reason      Reason
}

type failRecorder struct {
	mu      sync.Mutex
	records []failRecord
}

func (f *failRecorder) onFail(operationID string, reason Reason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, failRecord{operationID, reason})
}

func (f *failRecorder) snapshot() []failRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]failRecord, len(f.records))
	copy(out, f.records)
	return out
}

func TestTryAcquireFirstCallerWins(t *testing.T) {
	t.Parallel()
	m := NewManager(30*time.Second, nil)
	res, ticket := m.TryAcquire("tab-1", "op-1", time.Second)
	require.Equal(t, Acquired, res)
	require.Nil(t, ticket)
}

func TestTryAcquireZeroWaitRejectsRatherThanQueues(t *testing.T) {
	t.Parallel()
	m := NewManager(30*time.Second, nil)
	res, _ := m.TryAcquire("tab-1", "op-1", time.Second)
	require.Equal(t, Acquired, res)
	res, ticket := m.TryAcquire("tab-1", "op-2", 0)
	require.Equal(t, Rejected, res)
	require.Nil(t, ticket)
	require.Zero(t, m.QueueLength("tab-1"))
}

func TestTryAcquireSecondCallerQueuesFIFO(t *testing.T) {
	t.Parallel()
	m := NewManager(30*time.Second, nil)
	res, _ := m.TryAcquire("tab-1", "op-1", time.Second)
	require.Equal(t, Acquired, res)
	res, ticket := m.TryAcquire("tab-1", "op-2", time.Second)
	require.Equal(t, Queued, res)
	require.NotNil(t, ticket)
	res, ticket = m.TryAcquire("tab-1", "op-3", time.Second)
	require.Equal(t, Queued, res)
	require.NotNil(t, ticket)
	require.Equal(t, 2, m.QueueLength("tab-1"))
}

func TestReleasePromotesNextWaiterInOrder(t *testing.T) {
	t.Parallel()
	rec := &failRecorder{}
	m := NewManager(30*time.Second, rec.onFail)

	res, _ := m.TryAcquire("tab-1", "op-1", time.Second)
	require.Equal(t, Acquired, res)
	res, ticket2 := m.TryAcquire("tab-1", "op-2", time.Second)
	require.Equal(t, Queued, res)
	res, _ = m.TryAcquire("tab-1", "op-3", time.Second)
	require.Equal(t, Queued, res)

	done := make(chan AcquireResult, 1)
	go func() { done <- m.Wait(ticket2, time.Second) }()

	m.Release("tab-1", "op-1")

	require.Equal(t, Acquired, <-done)
	owner, ok := m.Owner("tab-1")
	require.True(t, ok)
	require.Equal(t, "op-2", owner)
	require.Equal(t, 1, m.QueueLength("tab-1"))
}

func TestReleaseByNonOwnerIsNoOp(t *testing.T) {
	t.Parallel()
	m := NewManager(30*time.Second, nil)
	res, _ := m.TryAcquire("tab-1", "op-1", time.Second)
	require.Equal(t, Acquired, res)
	m.Release("tab-1", "someone-else")
	owner, ok := m.Owner("tab-1")
	require.True(t, ok)
	require.Equal(t, "op-1", owner)
}

func TestWaitTimesOutAndFailsWithResourceBusy(t *testing.T) {
	t.Parallel()
	rec := &failRecorder{}
	m := NewManager(30*time.Second, rec.onFail)

	res, _ := m.TryAcquire("tab-1", "op-1", time.Second)
	require.Equal(t, Acquired, res)
	res, ticket := m.TryAcquire("tab-1", "op-2", 20*time.Millisecond)
	require.Equal(t, Queued, res)

	got := m.Wait(ticket, 20*time.Millisecond)
	require.Equal(t, Rejected, got)

	records := rec.snapshot()
	require.Len(t, records, 1)
	require.Equal(t, "op-2", records[0].operationID)
	require.Equal(t, ReasonResourceBusy, records[0].reason)
}

func TestWaitStillObservesAcquiredAfterConcurrentPromotion(t *testing.T) {
	t.Parallel()
	m := NewManager(30*time.Second, nil)

	res, _ := m.TryAcquire("tab-1", "op-1", time.Second)
	require.Equal(t, Acquired, res)
	res, ticket := m.TryAcquire("tab-1", "op-2", time.Second)
	require.Equal(t, Queued, res)

	// Promote op-2 to owner before Wait ever looks at the queue, simulating
	// Release/ExpireSweep/Fail winning the race against the caller's own
	// Wait call. Wait must still observe the buffered Acquired on the
	// ticket's own channel rather than reporting Rejected because a queue
	// scan would no longer find op-2 queued.
	m.Release("tab-1", "op-1")

	require.Equal(t, Acquired, m.Wait(ticket, time.Second))
	owner, ok := m.Owner("tab-1")
	require.True(t, ok)
	require.Equal(t, "op-2", owner)
}

func TestExpireSweepEvictsOwnerAndPromotesQueue(t *testing.T) {
	t.Parallel()
	rec := &failRecorder{}
	m := NewManager(10*time.Millisecond, rec.onFail)

	res, _ := m.TryAcquire("tab-1", "op-1", time.Second)
	require.Equal(t, Acquired, res)
	res, _ = m.TryAcquire("tab-1", "op-2", time.Second)
	require.Equal(t, Queued, res)

	m.ExpireSweep(time.Now().Add(1 * time.Hour))

	owner, ok := m.Owner("tab-1")
	require.True(t, ok)
	require.Equal(t, "op-2", owner)

	records := rec.snapshot()
	require.Len(t, records, 1)
	require.Equal(t, "op-1", records[0].operationID)
	require.Equal(t, ReasonLockExpired, records[0].reason)
}

func TestReleaseAndFailQueueClearsLockAndFailsWaitersWithResourceGone(t *testing.T) {
	t.Parallel()
	rec := &failRecorder{}
	m := NewManager(30*time.Second, rec.onFail)

	res, _ := m.TryAcquire("tab-1", "op-1", time.Second)
	require.Equal(t, Acquired, res)
	res, _ = m.TryAcquire("tab-1", "op-2", time.Second)
	require.Equal(t, Queued, res)

	m.ReleaseAndFailQueue("tab-1")

	_, ok := m.Owner("tab-1")
	require.False(t, ok)

	records := rec.snapshot()
	require.Len(t, records, 1)
	require.Equal(t, "op-2", records[0].operationID)
	require.Equal(t, ReasonResourceGone, records[0].reason)
}

func TestFailForcesReleaseOfCurrentOwner(t *testing.T) {
	t.Parallel()
	rec := &failRecorder{}
	m := NewManager(30*time.Second, rec.onFail)

	res, _ := m.TryAcquire("tab-1", "op-1", time.Second)
	require.Equal(t, Acquired, res)
	m.Fail("tab-1", "op-1", ReasonCancelled)

	_, ok := m.Owner("tab-1")
	require.False(t, ok)

	records := rec.snapshot()
	require.Len(t, records, 1)
	require.Equal(t, "op-1", records[0].operationID)
	require.Equal(t, ReasonCancelled, records[0].reason)
}

func TestSetOnFailInstallsCallbackAfterConstruction(t *testing.T) {
	t.Parallel()
	m := NewManager(30*time.Second, nil)
	rec := &failRecorder{}
	m.SetOnFail(rec.onFail)

	res, _ := m.TryAcquire("tab-1", "op-1", time.Second)
	require.Equal(t, Acquired, res)
	m.Fail("tab-1", "op-1", ReasonCancelled)

	require.Len(t, rec.snapshot(), 1)
}
