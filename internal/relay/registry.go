// registry.go — the Client Record roster held by the active router (spec §3.2).
package relay

import (
	"sync"
	"time"

	"github.com/brennhill/gasoline-relay/internal/health"
	"github.com/brennhill/gasoline-relay/internal/wire"
)

// ClientRecord is the server's bookkeeping for one connected client (spec §3.2).
// Mutation is restricted to activity timestamps once created; the record is
// destroyed on socket close.
type ClientRecord struct {
	ID             string
	Type           wire.ClientType
	Name           string
	Version        string
	Capabilities   []string
	PID            int
	ConnectedAt    time.Time
	LastActivityAt time.Time

	conn  Conn
	stats *health.Stats
}

func (c *ClientRecord) summary() wire.ClientSummary {
	return wire.ClientSummary{
		ID:             c.ID,
		Type:           c.Type,
		Name:           c.Name,
		Version:        c.Version,
		Capabilities:   c.Capabilities,
		ConnectedAt:    c.ConnectedAt.UnixMilli(),
		LastActivityAt: c.LastActivityAt.UnixMilli(),
	}
}

// registry is the server's live client table, keyed by id and indexed by type.
type registry struct {
	mu     sync.RWMutex
	byID   map[string]*ClientRecord
	byType map[wire.ClientType]map[string]*ClientRecord
}

func newRegistry() *registry {
	return &registry{
		byID:   make(map[string]*ClientRecord),
		byType: make(map[wire.ClientType]map[string]*ClientRecord),
	}
}

func (r *registry) add(c *ClientRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[c.ID] = c
	if r.byType[c.Type] == nil {
		r.byType[c.Type] = make(map[string]*ClientRecord)
	}
	r.byType[c.Type][c.ID] = c
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if m := r.byType[c.Type]; m != nil {
		delete(m, id)
	}
}

func (r *registry) get(id string) (*ClientRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// resolve implements spec §4.1 routing: concrete id, or a type symbol that
// resolves to exactly one member. A type symbol with multiple members is
// ambiguous and the caller must produce a failure frame.
func (r *registry) resolve(to string) (target *ClientRecord, ambiguous bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.byID[to]; ok {
		return c, false
	}
	members, ok := r.byType[wire.ClientType(to)]
	if !ok || len(members) == 0 {
		return nil, false
	}
	if len(members) > 1 {
		return nil, true
	}
	for _, c := range members {
		return c, false
	}
	return nil, false
}

func (r *registry) snapshot() []wire.ClientSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wire.ClientSummary, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c.summary())
	}
	return out
}

func (r *registry) all() []*ClientRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ClientRecord, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

func (r *registry) countOfType(t wire.ClientType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byType[t])
}
