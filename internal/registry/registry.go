// Package registry implements the owning VoIP registry design note of §9:
// a process-wide collection of live group call sessions keyed by VoipId,
// mutated only by enter() and leave() (I6), modeled as an injected handle
// rather than a singleton.
package registry

import (
	"sync"

	"github.com/famedly/groupcall/internal/callid"
)

// Registry is a generic, concurrency-safe VoipId-keyed collection, the same
// shape as internal/eventbus.Bus's generic subscriber map but specialized
// to keyed lookup instead of broadcast.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries map[callid.VoipID]T
}

// New constructs an empty Registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[callid.VoipID]T)}
}

// Register installs v under id, overwriting any prior entry.
func (r *Registry[T]) Register(id callid.VoipID, v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = v
}

// Unregister removes id, per I6 ("the VoipId is removed from the owning
// registry" after leave()). Idempotent.
func (r *Registry[T]) Unregister(id callid.VoipID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Get looks up the entry for id.
func (r *Registry[T]) Get(id callid.VoipID) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[id]
	return v, ok
}

// Has reports whether id is currently registered — used to assert P5's
// "VoipId absent from the owning registry" after leave().
func (r *Registry[T]) Has(id callid.VoipID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Len reports how many sessions are currently registered.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// All returns a snapshot of every registered entry.
func (r *Registry[T]) All() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.entries))
	for _, v := range r.entries {
		out = append(out, v)
	}
	return out
}
