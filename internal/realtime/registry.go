package realtime

import "sync"

// Registry is the process-wide table of live consumer sockets. The live
// handle for a consumer-ID exists in at most one process; within this process
// the registry enforces at most one entry per ID.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry builds an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Get returns the live connection for consumerID, if this process holds one.
func (r *Registry) Get(consumerID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[consumerID]
	return c, ok
}

// Has reports whether consumerID has a live local connection.
func (r *Registry) Has(consumerID string) bool {
	_, ok := r.Get(consumerID)
	return ok
}

// Len is the number of live local connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// add registers conn under its consumer-ID, returning any displaced
// connection so the caller can close it.
func (r *Registry) add(conn *Conn) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[conn.ConsumerID()]
	r.conns[conn.ConsumerID()] = conn
	return prev
}

// remove unregisters conn only if it is still the registered handle for its
// ID; a newer connection that took the slot over stays put.
func (r *Registry) remove(conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[conn.ConsumerID()] != conn {
		return false
	}
	delete(r.conns, conn.ConsumerID())
	return true
}

// each snapshots the current connections for iteration outside the lock.
func (r *Registry) each() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}
