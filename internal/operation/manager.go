// manager.go — the Operation Manager: creates, mutates, times out, persists,
// and garbage-collects operation records (spec §3.3, §4.3).
//
// Concurrency model: each record has exactly one logical writer at a time,
// enforced by a per-record mutex (spec §4.3 Concurrency) rather than one
// global lock, so the frame receiver and the timeout scheduler never block
// on unrelated operations.
package operation

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownOperation is returned (and should be logged, not surfaced
// upstream) when a milestone arrives for an operationId the OM never
// minted (spec §4.3 invariant).
var ErrUnknownOperation = errors.New("operation: unknown operation id")

// DefaultOperationTimeout is the spec §4.3 default deadline.
const DefaultOperationTimeout = 180 * time.Second

// DefaultGCGrace is the spec §3.3 default grace window past terminal status.
const DefaultGCGrace = 10 * time.Minute

// DefaultRecoveryGrace is the spec §4.3 default post-restart grace window.
const DefaultRecoveryGrace = 30 * time.Second

type entry struct {
	mu    sync.Mutex
	rec   *Record
	timer *time.Timer
}

// Manager is the Operation Manager. One Manager per tool-server process.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
	store   *Store
	log     *zap.Logger

	operationTimeout time.Duration
	gcGrace          time.Duration
	recoveryGrace    time.Duration

	now func() time.Time
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithOperationTimeout overrides DefaultOperationTimeout.
func WithOperationTimeout(d time.Duration) Option { return func(m *Manager) { m.operationTimeout = d } }

// WithClock overrides the Manager's notion of "now"; intended for tests.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager constructs a Manager backed by store.
func NewManager(store *Store, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		entries:          make(map[string]*entry),
		store:            store,
		log:              log,
		operationTimeout: DefaultOperationTimeout,
		gcGrace:          DefaultGCGrace,
		recoveryGrace:    DefaultRecoveryGrace,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// onTimeout is invoked when an operation's deadline elapses with no
// terminal milestone; it lets the caller best-effort send a cancel frame to
// the EG (spec §4.3 step 5).
type onTimeoutFunc func(id string)

// Create mints a new operation, persists it in status queued, and arms its
// deadline timer. A deadline of zero transitions immediately to timed_out
// with no command ever dispatched (spec §8 boundary behavior).
func (m *Manager) Create(command string, deadline time.Duration, onTimeout onTimeoutFunc) (*Record, error) {
	now := m.now()
	id, err := NewID(command, now)
	if err != nil {
		return nil, err
	}
	if deadline <= 0 {
		deadline = 0
	}

	rec := &Record{
		ID:        id,
		Command:   command,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	e := &entry{rec: rec}
	m.mu.Lock()
	m.entries[id] = e
	m.mu.Unlock()

	if deadline == 0 {
		m.timeoutLocked(e, onTimeout)
		return rec.clone(), m.persist(rec)
	}

	e.timer = time.AfterFunc(deadline, func() { m.timeoutLocked(e, onTimeout) })
	return rec.clone(), m.persist(rec)
}

// MarkDispatched transitions a queued record to in_flight once the TSC has
// sent the command frame.
func (m *Manager) MarkDispatched(id string) error {
	e, ok := m.lookup(id)
	if !ok {
		return ErrUnknownOperation
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.Status.IsTerminal() {
		return nil
	}
	e.rec.Status = StatusInFlight
	e.rec.UpdatedAt = m.now()
	return m.persist(e.rec)
}

// ApplyMilestone appends a milestone and, if it is terminal, transitions the
// record's status and stops its deadline timer. Milestones for an unknown
// operationId return ErrUnknownOperation; callers must log and drop rather
// than propagate (spec §4.3 invariant).
func (m *Manager) ApplyMilestone(id, name string, data map[string]any) (*Record, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, ErrUnknownOperation
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.Status.IsTerminal() {
		// Terminal records are immutable except GC deletion (spec §3.3).
		return e.rec.clone(), nil
	}

	now := m.now()
	e.rec.Milestones = append(e.rec.Milestones, Milestone{Name: name, Timestamp: now, Data: data})
	e.rec.UpdatedAt = now

	if isTerminalName(name) {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.rec.Status = terminalStatus(name)
		completed := now
		e.rec.CompletedAt = &completed
		if name == "failed" || name == "timed_out" {
			e.rec.Error = extractError(data)
		} else if name == "response_completed" {
			e.rec.Result = data
		}
	}

	return e.rec.clone(), m.persist(e.rec)
}

func isTerminalName(name string) bool {
	switch name {
	case "response_completed", "failed", "timed_out", "cancelled":
		return true
	default:
		return false
	}
}

func terminalStatus(milestoneName string) Status {
	switch milestoneName {
	case "response_completed":
		return StatusCompleted
	case "failed":
		return StatusFailed
	case "timed_out":
		return StatusTimedOut
	case "cancelled":
		return StatusCancelled
	default:
		return StatusFailed
	}
}

func extractError(data map[string]any) *RecordError {
	if data == nil {
		return nil
	}
	code, _ := data["error"].(string)
	msg, _ := data["message"].(string)
	if code == "" {
		code = "internal"
	}
	return &RecordError{Code: code, Message: msg}
}

// timeoutLocked transitions a non-terminal record to timed_out. Safe to call
// from the AfterFunc goroutine.
func (m *Manager) timeoutLocked(e *entry, onTimeout onTimeoutFunc) {
	e.mu.Lock()
	if e.rec.Status.IsTerminal() {
		e.mu.Unlock()
		return
	}
	now := m.now()
	e.rec.Status = StatusTimedOut
	e.rec.CompletedAt = &now
	e.rec.UpdatedAt = now
	e.rec.Error = &RecordError{Code: "internal", Message: "operation deadline elapsed"}
	id := e.rec.ID
	_ = m.persist(e.rec)
	e.mu.Unlock()

	if onTimeout != nil {
		onTimeout(id)
	}
}

// Get returns a defensive copy of the current record.
func (m *Manager) Get(id string) (*Record, bool) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.clone(), true
}

// List returns a defensive copy of every tracked record.
func (m *Manager) List() []*Record {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec.clone())
		e.mu.Unlock()
	}
	return out
}

func (m *Manager) lookup(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

func (m *Manager) persist(rec *Record) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.Save(rec); err != nil {
		if m.log != nil {
			m.log.Warn("operation: persist failed", zap.String("operationId", rec.ID), zap.Error(err))
		}
		return err
	}
	return nil
}

// Purge deletes every terminal record whose completedAt is more than
// gcGrace in the past (spec §3.3 lifecycle). Intended to run on a ticker.
func (m *Manager) Purge(now time.Time) {
	m.mu.Lock()
	var toDelete []string
	for id, e := range m.entries {
		e.mu.Lock()
		stale := e.rec.Status.IsTerminal() && e.rec.CompletedAt != nil && now.Sub(*e.rec.CompletedAt) > m.gcGrace
		e.mu.Unlock()
		if stale {
			toDelete = append(toDelete, id)
		}
	}
	for _, id := range toDelete {
		delete(m.entries, id)
	}
	m.mu.Unlock()

	for _, id := range toDelete {
		if m.store != nil {
			_ = m.store.Delete(id)
		}
	}
}

// Recover loads every persisted snapshot on startup. Records still in a
// non-terminal state are marked recovered and given recoveryGrace to
// receive a milestone before being failed with recovery_timeout (spec
// §4.3 Persistence, §8 scenario 5).
func (m *Manager) Recover(onRecoveryTimeout onTimeoutFunc) error {
	if m.store == nil {
		return nil
	}
	records, err := m.store.LoadAll()
	if err != nil {
		return err
	}

	for _, rec := range records {
		e := &entry{rec: rec}
		if !rec.Status.IsTerminal() {
			rec.Status = StatusRecovered
			rec.UpdatedAt = m.now()
			_ = m.persist(rec)
			e.timer = time.AfterFunc(m.recoveryGrace, func() { m.recoveryTimeout(e, onRecoveryTimeout) })
		}
		m.mu.Lock()
		m.entries[rec.ID] = e
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) recoveryTimeout(e *entry, onRecoveryTimeout onTimeoutFunc) {
	e.mu.Lock()
	if e.rec.Status != StatusRecovered {
		e.mu.Unlock()
		return
	}
	now := m.now()
	e.rec.Status = StatusFailed
	e.rec.CompletedAt = &now
	e.rec.UpdatedAt = now
	e.rec.Error = &RecordError{Code: "recovery_timeout", Message: "no milestone received within recovery grace window"}
	id := e.rec.ID
	_ = m.persist(e.rec)
	e.mu.Unlock()

	if onRecoveryTimeout != nil {
		onRecoveryTimeout(id)
	}
}
