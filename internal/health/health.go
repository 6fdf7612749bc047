// health.go — passive connection health (spec §3.7, §4.4).
//
// No periodic ping frames: idleness is derived from observed message flow,
// not pushed. Reported on demand via Snapshot, mirroring the spec's "health
// is derived, not pushed" design.
package health

import (
	"sync/atomic"
	"time"
)

// Classification buckets for idle time (spec §4.4).
type Classification string

const (
	Active       Classification = "active"
	IdleSeconds  Classification = "idle-seconds"
	IdleMinutes  Classification = "idle-minutes"
	Disconnected Classification = "disconnected"
)

// Stats tracks one connection's passive-health counters. Safe for
// concurrent use: every field is accessed only via atomics or the
// connectedAt/lastActivityAt accessors below, so a Stats value may be
// embedded in a connection wrapper without extra locking.
type Stats struct {
	connectedAt    atomic.Int64 // unix nanos; 0 means disconnected
	lastActivityAt atomic.Int64 // unix nanos

	messagesReceived atomic.Int64
	messagesSent     atomic.Int64
	reconnectCount   atomic.Int64
	queueLength      atomic.Int64
}

// Connected marks the connection as live as of now.
func (s *Stats) Connected(now time.Time) {
	s.connectedAt.Store(now.UnixNano())
	s.lastActivityAt.Store(now.UnixNano())
}

// Disconnected marks the connection as no longer live.
func (s *Stats) Disconnected() {
	s.connectedAt.Store(0)
}

// RecordReceive marks activity from an inbound frame.
func (s *Stats) RecordReceive(now time.Time) {
	s.messagesReceived.Add(1)
	s.lastActivityAt.Store(now.UnixNano())
}

// RecordSend marks activity from an outbound frame.
func (s *Stats) RecordSend(now time.Time) {
	s.messagesSent.Add(1)
	s.lastActivityAt.Store(now.UnixNano())
}

// RecordReconnect increments the reconnect counter.
func (s *Stats) RecordReconnect() {
	s.reconnectCount.Add(1)
}

// SetQueueLength records the current outbound queue depth.
func (s *Stats) SetQueueLength(n int) {
	s.queueLength.Store(int64(n))
}

// Snapshot is a point-in-time read of Stats, classified relative to now.
type Snapshot struct {
	Connected        bool
	IdleSeconds      int64
	Classification   Classification
	MessagesReceived int64
	MessagesSent     int64
	ReconnectCount   int64
	QueueLength      int
}

// Classify computes a Snapshot as of now (spec §3.7, §4.4 thresholds:
// active <5s, idle-seconds <30s, idle-minutes >=30s).
func (s *Stats) Classify(now time.Time) Snapshot {
	connectedAt := s.connectedAt.Load()
	if connectedAt == 0 {
		return Snapshot{Classification: Disconnected}
	}
	last := time.Unix(0, s.lastActivityAt.Load())
	idle := now.Sub(last)
	idleSeconds := int64(idle / time.Second)

	var class Classification
	switch {
	case idle < 5*time.Second:
		class = Active
	case idle < 30*time.Second:
		class = IdleSeconds
	default:
		class = IdleMinutes
	}

	return Snapshot{
		Connected:        true,
		IdleSeconds:      idleSeconds,
		Classification:   class,
		MessagesReceived: s.messagesReceived.Load(),
		MessagesSent:     s.messagesSent.Load(),
		ReconnectCount:   s.reconnectCount.Load(),
		QueueLength:      int(s.queueLength.Load()),
	}
}
