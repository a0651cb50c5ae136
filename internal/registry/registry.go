// Package registry holds the single active tunnel connection.
package registry

import (
	"sync"
	"time"
)

// Conn is a tunnel connection as seen by the registry.
type Conn interface {
	RelayID() string
	ConnectedAt() time.Time
}

// Registry is a lock-guarded slot for at most one active connection.
type Registry struct {
	mu      sync.RWMutex
	current Conn
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Attach makes c the active connection and returns the one it superseded, if any.
func (r *Registry) Attach(c Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.current
	r.current = c
	if prev == c {
		return nil
	}
	return prev
}

// Detach clears the slot only if c is still the active connection.
func (r *Registry) Detach(c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != c || c == nil {
		return false
	}
	r.current = nil
	return true
}

// Current returns the active connection, or false when none is attached.
func (r *Registry) Current() (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current, r.current != nil
}

// Info describes the active connection.
type Info struct {
	RelayID     string    `json:"relay_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Info returns details of the active connection, or false when none is attached.
func (r *Registry) Info() (Info, bool) {
	c, ok := r.Current()
	if !ok {
		return Info{}, false
	}
	return Info{RelayID: c.RelayID(), ConnectedAt: c.ConnectedAt()}, true
}
