package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherResolvesOnMatchingNetworkEvent(t *testing.T) {
	t.Parallel()
	w := NewWatcher("/api/complete")

	go func() {
		time.Sleep(10 * time.Millisecond)
		w.NotifyNetworkEvent(Event{Kind: "response", URL: "https://example.com/api/complete?id=1"})
	}()

	sig, err := w.AwaitCompletion(t.Context())
	require.NoError(t, err)
	require.False(t, sig.Fallback)
}

func TestWatcherIgnoresNonMatchingNetworkEvent(t *testing.T) {
	t.Parallel()
	w := NewWatcher("/api/complete")

	w.NotifyNetworkEvent(Event{Kind: "response", URL: "https://example.com/other"})
	w.NotifyNetworkEvent(Event{Kind: "request", URL: "https://example.com/api/complete"})

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err := w.AwaitCompletion(ctx)
	require.Error(t, err)
}

func TestWatcherFallsBackAfterStabilityWindowWithNoStopControl(t *testing.T) {
	t.Parallel()
	w := NewWatcher("/api/complete")

	ctx, cancel := context.WithTimeout(t.Context(), DOMStabilityWindow+500*time.Millisecond)
	defer cancel()

	sig, err := w.AwaitCompletion(ctx)
	require.NoError(t, err)
	require.True(t, sig.Fallback)
}

func TestWatcherDoesNotFallBackWhileStopControlVisible(t *testing.T) {
	t.Parallel()
	w := NewWatcher("/api/complete")
	w.NotifyStopControlVisible(true)

	ctx, cancel := context.WithTimeout(t.Context(), DOMStabilityWindow+200*time.Millisecond)
	defer cancel()

	_, err := w.AwaitCompletion(ctx)
	require.Error(t, err, "still-visible stop control must suppress the fallback")
}

func TestWatcherResolvesOnlyOnce(t *testing.T) {
	t.Parallel()
	w := NewWatcher("/api/complete")
	w.NotifyNetworkEvent(Event{Kind: "response", URL: "/api/complete"})
	w.NotifyNetworkEvent(Event{Kind: "response", URL: "/api/complete"})

	sig, err := w.AwaitCompletion(t.Context())
	require.NoError(t, err)
	require.False(t, sig.Fallback)
}
