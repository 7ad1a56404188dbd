// Package allowlist implements the endpoint allowlist that every VM egress
// filtering strategy consults: a deny-by-default set of (addr, port) pairs
// the guest workload is allowed to reach.
package allowlist

import (
	"sync"

	"github.com/omerta-net/netcore/pkg/wire"
)

// Allowlist is a thread-safe set of wire.Endpoint: a single RWMutex around
// a plain map, the same mutex-guarded-map shape as pkg/relayserver's
// session table (which uses a plain Mutex). Every operation is
// linearizable.
//
// An empty Allowlist blocks everything — there is no implicit default-allow.
type Allowlist struct {
	mu   sync.RWMutex
	set  map[wire.Endpoint]struct{}
}

// New creates an empty allowlist (blocks all traffic until populated).
func New() *Allowlist {
	return &Allowlist{set: make(map[wire.Endpoint]struct{})}
}

// NewFromEndpoints creates an allowlist pre-populated with endpoints.
func NewFromEndpoints(endpoints ...wire.Endpoint) *Allowlist {
	a := New()
	a.SetAllowed(endpoints)
	return a
}

// IsAllowed reports whether (addr, port) is a member of the allowlist.
func (a *Allowlist) IsAllowed(addr string, port uint16) bool {
	ep, err := wire.NewEndpoint(addr, port)
	if err != nil {
		return false
	}
	return a.Contains(ep)
}

// Contains reports whether ep is a member of the allowlist.
func (a *Allowlist) Contains(ep wire.Endpoint) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.set[ep]
	return ok
}

// SetAllowed replaces the entire allowlist contents atomically.
func (a *Allowlist) SetAllowed(endpoints []wire.Endpoint) {
	set := make(map[wire.Endpoint]struct{}, len(endpoints))
	for _, ep := range endpoints {
		set[ep] = struct{}{}
	}
	a.mu.Lock()
	a.set = set
	a.mu.Unlock()
}

// Add inserts a single endpoint.
func (a *Allowlist) Add(ep wire.Endpoint) {
	a.mu.Lock()
	a.set[ep] = struct{}{}
	a.mu.Unlock()
}

// Remove deletes a single endpoint. A no-op if absent.
func (a *Allowlist) Remove(ep wire.Endpoint) {
	a.mu.Lock()
	delete(a.set, ep)
	a.mu.Unlock()
}

// Clear empties the allowlist (blocks everything until repopulated).
func (a *Allowlist) Clear() {
	a.mu.Lock()
	a.set = make(map[wire.Endpoint]struct{})
	a.mu.Unlock()
}

// Count returns the number of allowed endpoints.
func (a *Allowlist) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.set)
}

// IsEmpty reports whether the allowlist currently blocks all traffic.
func (a *Allowlist) IsEmpty() bool {
	return a.Count() == 0
}

// Snapshot returns a copy of the current endpoint set, safe to range over
// without holding the lock.
func (a *Allowlist) Snapshot() []wire.Endpoint {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]wire.Endpoint, 0, len(a.set))
	for ep := range a.set {
		out = append(out, ep)
	}
	return out
}
