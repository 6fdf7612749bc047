// handlers.go — the concrete command catalog (spec §6.3). Every handler here
// talks to BrowserDriver/Emitter rather than touching automation primitives
// directly, keeping the actual automation surface an external collaborator
// (spec §1 Non-goals: "actual browser-automation primitives").
package gateway

import (
	"context"

	"github.com/brennhill/gasoline-relay/internal/wire"
)

// DebugEchoHandler answers "debug_echo" by returning params.text unchanged
// (spec §8 scenario 1: single-client round trip). It ignores TabID and
// never touches the tab lock path since it reports no tabId param.
var DebugEchoHandler = Handler{
	Command:     "debug_echo",
	Cancellable: false,
	Run: func(_ context.Context, req HandlerRequest) (map[string]any, error) {
		text, _ := req.Params["text"].(string)
		return map[string]any{"text": text}, nil
	},
}

// NewCreateTabHandler returns a handler for "create_tab", delegating the
// actual tab creation to driver and registering the result with registry so
// later lifecycle operations (destroy, observer attach) see it.
func NewCreateTabHandler(driver BrowserDriver, registry *Registry) Handler {
	return Handler{
		Command:     "create_tab",
		Cancellable: false,
		Run: func(ctx context.Context, req HandlerRequest) (map[string]any, error) {
			result, err := driver.Execute(ctx, "", "create_tab", req.Params)
			if err != nil {
				return nil, &TaxonomyError{Code: wire.ErrInternal, Message: err.Error()}
			}
			if tabID, ok := result["tabId"].(string); ok {
				registry.InjectScript(tabID, "")
			}
			return result, nil
		},
	}
}

// NewSendMessageHandler returns a handler for "send_message", a
// page-observer-backed command: it dispatches through driver and then waits
// on a Watcher for completion (spec §4.2 Page-observer protocol). The
// Watcher is built inside the handler and nothing feeds it network events
// or content growth, so the canonical completion signal never reaches it:
// the result always comes from the DOM-stability fallback, with
// fallback=true, DOMStabilityWindow after dispatch.
func NewSendMessageHandler(driver BrowserDriver, completionURLSubstring string) Handler {
	return Handler{
		Command:     "send_message",
		Cancellable: true,
		Run: func(ctx context.Context, req HandlerRequest) (map[string]any, error) {
			if req.TabID == "" {
				return nil, &TaxonomyError{Code: wire.ErrValidation, Message: "send_message requires tabId"}
			}
			if _, err := driver.Execute(ctx, req.TabID, "send_message", req.Params); err != nil {
				return nil, &TaxonomyError{Code: wire.ErrInternal, Message: err.Error()}
			}

			watcher := NewWatcher(completionURLSubstring)
			sig, err := watcher.AwaitCompletion(ctx)
			if err != nil {
				return nil, err
			}
			result := map[string]any{}
			for k, v := range sig.Data {
				result[k] = v
			}
			if sig.Fallback {
				result["fallback"] = true
			}
			return result, nil
		},
	}
}

// NewDestroyTabHandler returns a handler for "destroy_tab": it runs the
// registry's spec §4.2 teardown order for the target tab, routing the
// forced failure of whichever operation held the tab lock through the
// dispatching worker's own FailOperation hook (req.FailOperation), since
// this handler never gets a *Worker of its own.
func NewDestroyTabHandler(registry *Registry) Handler {
	return Handler{
		Command:     "destroy_tab",
		Cancellable: false,
		Run: func(_ context.Context, req HandlerRequest) (map[string]any, error) {
			if req.TabID == "" {
				return nil, &TaxonomyError{Code: wire.ErrValidation, Message: "destroy_tab requires tabId"}
			}
			registry.DestroyTab(req.TabID, req.FailOperation)
			return map[string]any{"tabId": req.TabID, "destroyed": true}, nil
		},
	}
}
