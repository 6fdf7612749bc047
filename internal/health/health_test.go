package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatsClassifyDisconnectedBeforeConnect(t *testing.T) {
	t.Parallel()
	var s Stats
	snap := s.Classify(time.Now())
	require.Equal(t, Disconnected, snap.Classification)
	require.False(t, snap.Connected)
}

func TestStatsClassifyThresholds(t *testing.T) {
	t.Parallel()
	base := time.Now()
	var s Stats
	s.Connected(base)

	require.Equal(t, Active, s.Classify(base.Add(2*time.Second)).Classification)
	require.Equal(t, IdleSeconds, s.Classify(base.Add(10*time.Second)).Classification)
	require.Equal(t, IdleMinutes, s.Classify(base.Add(45*time.Second)).Classification)
}

func TestStatsRecordReceiveAndSendTrackCounters(t *testing.T) {
	t.Parallel()
	var s Stats
	now := time.Now()
	s.Connected(now)
	s.RecordReceive(now)
	s.RecordReceive(now)
	s.RecordSend(now)

	snap := s.Classify(now)
	require.Equal(t, int64(2), snap.MessagesReceived)
	require.Equal(t, int64(1), snap.MessagesSent)
}

func TestStatsSetQueueLengthReflectsInSnapshot(t *testing.T) {
	t.Parallel()
	var s Stats
	now := time.Now()
	s.Connected(now)
	s.SetQueueLength(7)
	require.Equal(t, 7, s.Classify(now).QueueLength)
}

func TestStatsDisconnectedResetsClassification(t *testing.T) {
	t.Parallel()
	var s Stats
	now := time.Now()
	s.Connected(now)
	s.Disconnected()
	require.Equal(t, Disconnected, s.Classify(now).Classification)
}
