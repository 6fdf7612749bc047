// registry.go — the ResourceRegistry unifying the per-tab resource maps
// (spec §3.5, §3.6, §4.2, §9 "Scattered resource maps").
//
// Grounded on the teacher's cmd/dev-console/websocket.go ring-buffer
// eviction idiom (bounded slice, oldest-first eviction under a single
// mutex) for EventRing, generalized here from WebSocket-specific events to
// the spec's generic "request"/"response" network events.
package gateway

import (
	"sync"
	"time"
)

// ScriptState is one tab's injected-observer bookkeeping (spec §3.5).
type ScriptState struct {
	InjectedAt    time.Time
	ScriptVersion string
	Ready         bool
}

// Event is one captured network event (spec §3.6).
type Event struct {
	Kind      string // "request" | "response"
	URL       string
	Timestamp time.Time
	Data      map[string]any
}

// EventRing is a bounded per-tab ring of captured events; oldest entries are
// evicted on overflow (spec §3.6, default cap 500).
type EventRing struct {
	cap    int
	events []Event
}

func newEventRing(capacity int) *EventRing {
	if capacity <= 0 {
		capacity = DefaultEventRingCapacity
	}
	return &EventRing{cap: capacity}
}

func (r *EventRing) add(e Event) {
	r.events = append(r.events, e)
	if len(r.events) > r.cap {
		excess := len(r.events) - r.cap
		r.events = append([]Event(nil), r.events[excess:]...)
	}
}

func (r *EventRing) snapshot() []Event {
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// DefaultEventRingCapacity is the spec §3.6 default.
const DefaultEventRingCapacity = 500

// tabState bundles every per-tab resource the registry tracks.
type tabState struct {
	script        *ScriptState
	captureActive bool
	debugAttached bool
	ring          *EventRing
}

// Registry is the single owner of every per-tab resource EG tracks: the
// injected-script registry, the captured-event buffer, debug-session
// attachment, and capture state. Callers never reach into the underlying
// maps — every mutation goes through a named method, and DestroyTab encodes
// the full spec §4.2 teardown order in one place.
type Registry struct {
	mu        sync.Mutex
	tabs      map[string]*tabState
	ringCap   int
	lockOwner func(tabID string) (operationID string, ok bool)
	lockFree  func(tabID string)
}

// NewRegistry builds a Registry. lockOwner/lockFree bridge to the lock
// Manager, kept as narrow function values so Registry does not import the
// lock package's full surface.
func NewRegistry(ringCap int, lockOwner func(tabID string) (string, bool), lockFree func(tabID string)) *Registry {
	return &Registry{
		tabs:      make(map[string]*tabState),
		ringCap:   ringCap,
		lockOwner: lockOwner,
		lockFree:  lockFree,
	}
}

// NewRegistryForLocks builds a Registry wired to locks for ownership lookups
// and release-and-fail-queue on teardown (spec §4.2 steps 3 and 5).
func NewRegistryForLocks(ringCap int, locks interface {
	Owner(tabID string) (string, bool)
	ReleaseAndFailQueue(tabID string)
}) *Registry {
	return NewRegistry(ringCap, locks.Owner, locks.ReleaseAndFailQueue)
}

func (r *Registry) state(tabID string) *tabState {
	ts, ok := r.tabs[tabID]
	if !ok {
		ts = &tabState{ring: newEventRing(r.ringCap)}
		r.tabs[tabID] = ts
	}
	return ts
}

// InjectScript is idempotent: re-injection while Ready is true is a no-op
// and does not reset per-tab state (spec §4.2 Script injection, §8
// Round-trip/idempotence).
func (r *Registry) InjectScript(tabID, version string) (alreadyReady bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.state(tabID)
	if ts.script != nil && ts.script.Ready {
		return true
	}
	ts.script = &ScriptState{InjectedAt: time.Now(), ScriptVersion: version, Ready: false}
	return false
}

// MarkScriptReady flips a tab's injected script to ready.
func (r *Registry) MarkScriptReady(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.state(tabID)
	if ts.script != nil {
		ts.script.Ready = true
	}
}

// ScriptReady reports whether tabID's observer script is ready.
func (r *Registry) ScriptReady(tabID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.tabs[tabID]
	return ok && ts.script != nil && ts.script.Ready
}

// StartCapture marks tabID as having an active network capture.
func (r *Registry) StartCapture(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state(tabID).captureActive = true
}

// StopCapture marks tabID's network capture inactive; safe to call when
// none is active.
func (r *Registry) StopCapture(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts, ok := r.tabs[tabID]; ok {
		ts.captureActive = false
	}
}

// CaptureActive reports whether tabID has an active capture.
func (r *Registry) CaptureActive(tabID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.tabs[tabID]
	return ok && ts.captureActive
}

// AttachDebug marks a debug session attached to tabID.
func (r *Registry) AttachDebug(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state(tabID).debugAttached = true
}

// DetachDebug detaches tabID's debug session; safe to call when none attached.
func (r *Registry) DetachDebug(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts, ok := r.tabs[tabID]; ok {
		ts.debugAttached = false
	}
}

// DebugAttached reports whether tabID has an attached debug session.
func (r *Registry) DebugAttached(tabID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.tabs[tabID]
	return ok && ts.debugAttached
}

// AppendEvent records a captured network event for tabID, evicting the
// oldest entry if the ring is at capacity.
func (r *Registry) AppendEvent(tabID string, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state(tabID).ring.add(e)
}

// Events returns a snapshot of tabID's captured events, oldest first.
func (r *Registry) Events(tabID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.tabs[tabID]
	if !ok {
		return nil
	}
	return ts.ring.snapshot()
}

// DestroyTab runs the spec §4.2 cleanup order and does not skip a step on
// an intermediate error:
//
//  1. Stop any in-progress network capture for the tab.
//  2. Detach any attached debug session.
//  3. Cancel and fail any in-flight operation holding the tab lock
//     (resource_missing), via onOpFail.
//  4. Remove the injected-script registry entry.
//  5. Release the tab lock; fail all queued waiters (resource_gone).
//
// onOpFail is supplied by the caller rather than stored on the Registry so
// concurrent DestroyTab calls for different tabs never race over which
// callback is installed.
func (r *Registry) DestroyTab(tabID string, onOpFail func(operationID, reasonCode string)) {
	r.StopCapture(tabID)
	r.DetachDebug(tabID)

	if r.lockOwner != nil && onOpFail != nil {
		if owner, ok := r.lockOwner(tabID); ok {
			onOpFail(owner, "resource_missing")
		}
	}

	r.mu.Lock()
	delete(r.tabs, tabID)
	r.mu.Unlock()

	if r.lockFree != nil {
		r.lockFree(tabID)
	}
}
