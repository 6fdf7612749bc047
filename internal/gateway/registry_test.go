package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInjectScriptIsIdempotentOnceReady(t *testing.T) {
	t.Parallel()
	r := NewRegistry(10, nil, nil)

	alreadyReady := r.InjectScript("tab-1", "v1")
	require.False(t, alreadyReady)
	require.False(t, r.ScriptReady("tab-1"))

	r.MarkScriptReady("tab-1")
	require.True(t, r.ScriptReady("tab-1"))

	alreadyReady = r.InjectScript("tab-1", "v2")
	require.True(t, alreadyReady)
}

func TestEventRingEvictsOldestOnOverflow(t *testing.T) {
	t.Parallel()
	r := NewRegistry(3, nil, nil)

	for i := 0; i < 5; i++ {
		r.AppendEvent("tab-1", Event{Kind: "request", URL: string(rune('a' + i))})
	}

	events := r.Events("tab-1")
	require.Len(t, events, 3)
	require.Equal(t, "c", events[0].URL)
	require.Equal(t, "e", events[2].URL)
}

func TestCaptureAndDebugFlagsTrackIndependently(t *testing.T) {
	t.Parallel()
	r := NewRegistry(10, nil, nil)

	r.StartCapture("tab-1")
	r.AttachDebug("tab-1")
	require.True(t, r.CaptureActive("tab-1"))
	require.True(t, r.DebugAttached("tab-1"))

	r.StopCapture("tab-1")
	require.False(t, r.CaptureActive("tab-1"))
	require.True(t, r.DebugAttached("tab-1"))

	r.DetachDebug("tab-1")
	require.False(t, r.DebugAttached("tab-1"))
}

func TestDestroyTabRunsFullCleanupOrder(t *testing.T) {
	t.Parallel()

	var freedTab string
	var failedOp, failedReason string

	r := NewRegistry(10, func(tabID string) (string, bool) {
		if tabID == "tab-1" {
			return "op-holding-lock", true
		}
		return "", false
	}, func(tabID string) { freedTab = tabID })

	r.StartCapture("tab-1")
	r.AttachDebug("tab-1")
	r.InjectScript("tab-1", "v1")

	r.DestroyTab("tab-1", func(operationID, reasonCode string) {
		failedOp = operationID
		failedReason = reasonCode
	})

	require.Equal(t, "op-holding-lock", failedOp)
	require.Equal(t, "resource_missing", failedReason)
	require.Equal(t, "tab-1", freedTab)
	require.False(t, r.CaptureActive("tab-1"))
	require.False(t, r.DebugAttached("tab-1"))
	require.False(t, r.ScriptReady("tab-1"))
	require.Empty(t, r.Events("tab-1"))
}

func TestDestroyTabWithoutLockOwnerSkipsOnOpFail(t *testing.T) {
	t.Parallel()
	r := NewRegistry(10, func(tabID string) (string, bool) { return "", false }, func(string) {})

	called := false
	r.DestroyTab("tab-1", func(string, string) { called = true })
	require.False(t, called)
}
