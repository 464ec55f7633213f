package internal

import (
	"sort"
	"sync"
)

// Registry holds the open connections of one relay.
type Registry struct {
	lock        sync.RWMutex
	connections map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{connections: make(map[string]*Connection)}
}

func (r *Registry) Add(c *Connection) {
	r.lock.Lock()
	defer r.lock.Unlock()

	c.setState(StateOpen)
	r.connections[c.ID] = c
}

// Remove reports whether c was still registered.
func (r *Registry) Remove(c *Connection) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	current, ok := r.connections[c.ID]
	if !ok || current != c {
		return false
	}

	delete(r.connections, c.ID)
	return true
}

func (r *Registry) Get(id string) (*Connection, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	c, ok := r.connections[id]
	return c, ok
}

// Snapshot copies the current set so callers can iterate while others evict.
func (r *Registry) Snapshot() []*Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()

	out := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
	}

	return out
}

func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.connections)
}

func (r *Registry) IDs() []string {
	r.lock.RLock()
	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		ids = append(ids, id)
	}
	r.lock.RUnlock()

	sort.Strings(ids)
	return ids
}
