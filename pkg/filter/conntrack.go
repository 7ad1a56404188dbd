package filter

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/omerta-net/netcore/pkg/allowlist"
	"github.com/omerta-net/netcore/pkg/wire"
)

// flowState caches the one-time allowlist verdict for a (dstAddr, dstPort)
// flow, per spec.md §4.3's state machine:
// unseen -> checked(allowed|blocked) -> forward-on-hit | terminate-on-hit,
// expiring after the strategy's flowTimeout of inactivity.
type flowState struct {
	allowed    bool
	lastSeenAt time.Time
}

// ConntrackStrategy consults the allowlist exactly once per flow lifetime.
// Once a flow is known-blocked, every subsequent packet on it is a
// terminate (not just drop): the guest is actively retrying a destination
// it was already told no to.
type ConntrackStrategy struct {
	allowlist          *allowlist.Allowlist
	flowTimeout        time.Duration

	mu    sync.Mutex
	flows map[wire.Endpoint]*flowState

	packetsProcessed atomic.Uint64
	allowlistChecks  atomic.Uint64
	fastPathHits     atomic.Uint64
}

// NewConntrackStrategy creates a flow-caching strategy. flowTimeout bounds
// how long an established flow's cached verdict stays valid.
func NewConntrackStrategy(a *allowlist.Allowlist, flowTimeout time.Duration) *ConntrackStrategy {
	return &ConntrackStrategy{
		allowlist:   a,
		flowTimeout: flowTimeout,
		flows:       make(map[wire.Endpoint]*flowState),
	}
}

// ConntrackStats is a point-in-time snapshot of ConntrackStrategy counters.
type ConntrackStats struct {
	PacketsProcessed uint64
	AllowlistChecks  uint64
	FastPathHits     uint64
	TrackedFlows     int
}

func (s *ConntrackStrategy) Stats() ConntrackStats {
	s.mu.Lock()
	tracked := len(s.flows)
	s.mu.Unlock()
	return ConntrackStats{
		PacketsProcessed: s.packetsProcessed.Load(),
		AllowlistChecks:  s.allowlistChecks.Load(),
		FastPathHits:     s.fastPathHits.Load(),
		TrackedFlows:     tracked,
	}
}

func (s *ConntrackStrategy) ShouldForward(pkt *wire.IPv4Packet) Decision {
	s.packetsProcessed.Add(1)

	ep, ok := destEndpoint(pkt)
	if !ok {
		return drop(reasonNoPorts)
	}

	now := time.Now()

	s.mu.Lock()
	flow, exists := s.flows[ep]
	if exists && now.Sub(flow.lastSeenAt) > s.flowTimeout {
		delete(s.flows, ep)
		exists = false
	}
	if exists {
		flow.lastSeenAt = now
		allowed := flow.allowed
		s.mu.Unlock()

		s.fastPathHits.Add(1)
		if allowed {
			return forward()
		}
		return terminate(reasonNotAllowed)
	}
	s.mu.Unlock()

	// First sight of this flow: consult the allowlist exactly once.
	s.allowlistChecks.Add(1)
	allowed := s.allowlist.Contains(ep)

	s.mu.Lock()
	s.flows[ep] = &flowState{allowed: allowed, lastSeenAt: now}
	s.mu.Unlock()

	if allowed {
		return forward()
	}
	return terminate(reasonNotAllowed)
}

// ExpireFlows drops cached flow state older than the configured timeout.
// Callers may invoke this periodically; ShouldForward also expires lazily
// on next access, so calling this is an optimization, not a correctness
// requirement.
func (s *ConntrackStrategy) ExpireFlows(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for ep, flow := range s.flows {
		if now.Sub(flow.lastSeenAt) > s.flowTimeout {
			delete(s.flows, ep)
			removed++
		}
	}
	return removed
}
