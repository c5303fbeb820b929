package chat

import (
	"sort"
	"sync"
)

// Conn is a live connection the hub can push frames to.
type Conn interface {
	// Deliver queues frame without blocking and reports whether it was
	// accepted.
	Deliver(frame []byte) bool
	// Close terminates the connection with a websocket close code.
	Close(code int, reason string)
}

// Registry maps an authenticated user ID to its single live connection.
// A limit of zero means unbounded.
type Registry struct {
	mu    sync.RWMutex
	conns map[int]Conn
	limit int
}

func NewRegistry(limit int) *Registry {
	return &Registry{
		conns: make(map[int]Conn),
		limit: limit,
	}
}

// Register binds c to userID. An existing entry for userID is replaced and
// returned so the caller can close it; a new user is refused with
// ErrCapacityExceeded once the registry is full.
func (r *Registry) Register(userID int, c Conn) (Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, exists := r.conns[userID]
	if !exists && r.limit > 0 && len(r.conns) >= r.limit {
		return nil, ErrCapacityExceeded
	}
	r.conns[userID] = c
	if prev == c {
		return nil, nil
	}
	return prev, nil
}

// Unregister removes userID only while c is still its registered
// connection, so a late close of a superseded connection is ignored.
func (r *Registry) Unregister(userID int, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.conns[userID]; !ok || cur != c {
		return false
	}
	delete(r.conns, userID)
	return true
}

func (r *Registry) Get(userID int) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns every registered connection.
func (r *Registry) Snapshot() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// UserIDs returns the registered user IDs in ascending order.
func (r *Registry) UserIDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
