// driver.go — the boundary interface to the out-of-scope browser-automation
// primitives (spec §1: "tab creation, script injection, DOM scraping, HTTP
// API invocation against the target web property" stay external
// collaborators; only the dispatch/lock/registry/milestone plumbing around
// them is in scope).
package gateway

import "context"

// BrowserDriver is implemented by whatever holds real browser capabilities.
// The worker calls it from inside a handler after the tab lock is held; it
// never talks to the browser directly.
type BrowserDriver interface {
	// Execute runs command against tabID with params, returning a JSON-able
	// result on success. A Driver may emit intermediate milestones through
	// the Emitter passed at registration time (see Handler).
	Execute(ctx context.Context, tabID, command string, params map[string]any) (map[string]any, error)
}

// Emitter lets a handler push a non-terminal milestone while it runs (spec
// §4.2: "optional intermediate milestones").
type Emitter interface {
	Emit(name string, data map[string]any)
}
