// Package relay provides the shared connection-lifecycle services of the
// proxy engine: a registry of live connections supporting bulk cancellation,
// and the byte pump that splices two connected streams.
package relay

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tracked is a registry entry for a live connection. The registry holds the
// reference for cancellation only; it never reads or writes stream data.
type Tracked struct {
	// ID uniquely identifies the connection
	ID uuid.UUID

	// Conn is the underlying network connection
	Conn net.Conn

	// Inbound marks connections accepted from a listener. Only inbound
	// connections count towards the published client count.
	Inbound bool

	// CreatedAt records when the connection was registered
	CreatedAt time.Time
}

// Registry tracks live inbound and outbound connections. It serializes
// mutation from accept, dial, and close paths. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	conns   map[uuid.UUID]*Tracked
	onCount func(int)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[uuid.UUID]*Tracked),
	}
}

// OnCountChange registers a callback invoked with the inbound connection
// count after every add or remove. Set before the engine starts.
func (r *Registry) OnCountChange(fn func(int)) {
	r.onCount = fn
}

// Add registers a connection and returns its tracking entry.
func (r *Registry) Add(conn net.Conn, inbound bool) *Tracked {
	t := &Tracked{
		ID:        uuid.New(),
		Conn:      conn,
		Inbound:   inbound,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.conns[t.ID] = t
	count := r.clientCountLocked()
	r.mu.Unlock()

	r.notify(count)
	return t
}

// Remove drops a connection from the registry by identity.
// Removing an unknown ID is a no-op.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	_, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	count := r.clientCountLocked()
	r.mu.Unlock()

	if ok {
		r.notify(count)
	}
}

// CloseAll cancels every tracked connection. It iterates a snapshot, so
// state-change callbacks fired by the closes are tolerated.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	snapshot := make([]*Tracked, 0, len(r.conns))
	for _, t := range r.conns {
		snapshot = append(snapshot, t)
	}
	r.mu.Unlock()

	for _, t := range snapshot {
		t.Conn.Close()
	}
}

// ClientCount returns the number of live inbound connections.
func (r *Registry) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clientCountLocked()
}

// Len returns the number of tracked connections, inbound and outbound.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) clientCountLocked() int {
	n := 0
	for _, t := range r.conns {
		if t.Inbound {
			n++
		}
	}
	return n
}

func (r *Registry) notify(count int) {
	if r.onCount != nil {
		r.onCount(count)
	}
}
