// listener.go — binding the well-known loopback port and upgrading incoming
// HTTP connections to WebSocket (spec §6.1).
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrPortTaken is returned by TryBind when the well-known port is already
// held by another participant (spec §4.1: "address in use" -> client role).
var ErrPortTaken = errors.New("relay: port already bound by another participant")

var upgrader = websocket.Upgrader{
	// Loopback-only by design (spec §1 Non-goals: no auth, trusts local
	// processes); every Origin is accepted, browser-origin WebSocket
	// upgrade requests included.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// TryBind attempts to take the well-known port. A typed EADDRINUSE check is
// tried first; a string-match fallback covers platforms/wrappers that lose
// the typed error (the same typed-then-string idiom the teacher repo uses
// in bridge.IsConnectionError).
func TryBind(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, nil
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return nil, ErrPortTaken
	}
	if isAddrInUseMessage(err) {
		return nil, ErrPortTaken
	}
	return nil, fmt.Errorf("relay: bind %s: %w", addr, err)
}

func isAddrInUseMessage(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "address already in use") || strings.Contains(msg, "bind: address in use")
}

// ServerRole bundles an active Server with the listener and HTTP server
// serving it, so the election supervisor can shut it down cleanly or detect
// an unexpected death.
type ServerRole struct {
	Server   *Server
	listener net.Listener
	http     *http.Server
	died     chan struct{}
}

// ListenAndServe starts serving WebSocket upgrades on ln, routing every
// accepted connection through srv.Serve. It returns immediately; serving
// happens in background goroutines. Died() fires if the HTTP server stops
// for any reason (including a deliberate Shutdown).
func ListenAndServe(ln net.Listener, srv *Server, log *zap.Logger) *ServerRole {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			if log != nil {
				log.Warn("relay: websocket upgrade failed", zap.Error(err))
			}
			return
		}
		conn := NewWSConn(ws, r.RemoteAddr)
		go srv.Serve(conn)
	})

	httpSrv := &http.Server{Handler: mux}
	role := &ServerRole{Server: srv, listener: ln, http: httpSrv, died: make(chan struct{})}

	go func() {
		_ = httpSrv.Serve(ln)
		close(role.died)
	}()

	return role
}

// Died fires once the server role has stopped serving, for any reason.
func (r *ServerRole) Died() <-chan struct{} { return r.died }

// Shutdown stops serving and releases the port.
func (r *ServerRole) Shutdown(ctx context.Context) error {
	return r.http.Shutdown(ctx)
}
