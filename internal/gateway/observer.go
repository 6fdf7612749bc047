// observer.go — the page-observer protocol (spec §4.2 Page-observer
// protocol, §8 scenario 6, §9 "dual-world page injection").
//
// Modeled per the Design Notes as two cooperating components joined by a
// strictly-typed event channel: the Watcher (holds DOM/network mutation
// state — which event arrived, whether content is still growing) and the
// worker (holds the outbound milestone capability). Neither reaches into
// the other's state; the Watcher only ever returns a CompletionSignal.
package gateway

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DOMStabilityWindow is the spec §4.2/§8 fallback threshold: 2s with no
// content growth and no visible stop/cancel control.
const DOMStabilityWindow = 2 * time.Second

// CompletionSignal is what AwaitCompletion resolves with.
type CompletionSignal struct {
	Fallback bool
	Data     map[string]any
}

// Watcher detects operation completion for one in-flight, page-observing
// command: canonically via a completion-confirmation network event, with a
// DOM-stability fallback (spec §4.2 Page-observer protocol).
type Watcher struct {
	completionURLSubstring string

	mu          sync.Mutex
	lastGrowth  time.Time
	stopVisible bool
	done        chan CompletionSignal
	closeOnce   sync.Once
}

// NewWatcher builds a Watcher for one operation. completionURLSubstring is
// matched against captured response events' URLs to detect the canonical
// completion signal (spec: "treating the completion-confirmation endpoint
// as the canonical signal").
func NewWatcher(completionURLSubstring string) *Watcher {
	return &Watcher{
		completionURLSubstring: completionURLSubstring,
		lastGrowth:             time.Now(),
		done:                   make(chan CompletionSignal, 1),
	}
}

// NotifyNetworkEvent feeds one captured event to the watcher. A response
// event whose URL matches the completion endpoint resolves AwaitCompletion
// canonically (fallback=false).
func (w *Watcher) NotifyNetworkEvent(e Event) {
	if e.Kind != "response" || !strings.Contains(e.URL, w.completionURLSubstring) {
		return
	}
	w.resolve(CompletionSignal{Fallback: false, Data: e.Data})
}

// NotifyContentGrowth resets the DOM-stability clock; call on every observed
// page-content mutation.
func (w *Watcher) NotifyContentGrowth() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastGrowth = time.Now()
}

// NotifyStopControlVisible records whether a stop/cancel control is
// currently visible on the page; while visible, the stability fallback
// never fires (the page is still actively working).
func (w *Watcher) NotifyStopControlVisible(visible bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopVisible = visible
}

func (w *Watcher) resolve(sig CompletionSignal) {
	w.closeOnce.Do(func() {
		w.done <- sig
	})
}

// AwaitCompletion blocks until the canonical signal arrives, the DOM
// stability fallback fires, or ctx is done.
func (w *Watcher) AwaitCompletion(ctx context.Context) (CompletionSignal, error) {
	ticker := time.NewTicker(DOMStabilityWindow / 4)
	defer ticker.Stop()

	for {
		select {
		case sig := <-w.done:
			return sig, nil
		case <-ticker.C:
			w.mu.Lock()
			idle := time.Since(w.lastGrowth)
			stopVisible := w.stopVisible
			w.mu.Unlock()
			if !stopVisible && idle >= DOMStabilityWindow {
				sig := CompletionSignal{Fallback: true}
				w.resolve(sig)
			}
		case <-ctx.Done():
			return CompletionSignal{}, ctx.Err()
		}
	}
}
