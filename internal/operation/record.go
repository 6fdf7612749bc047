// record.go — the Operation Record tracked by the Operation Manager (spec §3.3).
package operation

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"time"
)

// Status is one of the closed set of operation states. Transitions are
// monotone: no move ever leaves a terminal status (spec §3.3 invariant).
type Status string

const (
	StatusQueued    Status = "queued"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
	// StatusRecovered is a transient pre-state assigned on snapshot reload
	// (spec §4.3 Persistence) before the grace window resolves it further.
	StatusRecovered Status = "recovered"
)

// IsTerminal reports whether status never transitions further.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	default:
		return false
	}
}

// Milestone is one ordered, timestamped event in an operation's life (spec §3.3).
type Milestone struct {
	Name      string         `json:"name"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Record is the durable, per-operation state the OM owns (spec §3.3).
type Record struct {
	ID          string       `json:"id"`
	Command     string       `json:"command"`
	Status      Status       `json:"status"`
	Milestones  []Milestone  `json:"milestones"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	Result      any          `json:"result,omitempty"`
	Error       *RecordError `json:"error,omitempty"`
}

// RecordError mirrors the taxonomy-tagged error surfaced to callers (spec §7).
type RecordError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewID mints an operation identifier: op_<command>_<ms>_<rand> with >=64
// bits of randomness in <rand> (spec §4.3). Identifiers are minted only by
// the TSC; the EG never invents one.
func NewID(command string, now time.Time) (string, error) {
	var buf [10]byte // 80 bits, comfortably over the 64-bit floor
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("operation: mint id: %w", err)
	}
	suffix := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf[:])
	return fmt.Sprintf("op_%s_%d_%s", command, now.UnixMilli(), suffix), nil
}

// clone deep-copies a Record so callers never observe a record the OM is
// concurrently mutating, and so a reloaded snapshot cannot alias live state.
func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Milestones = append([]Milestone(nil), r.Milestones...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	if r.Error != nil {
		e := *r.Error
		cp.Error = &e
	}
	return &cp
}
