package filter

import (
	"sync/atomic"

	"github.com/omerta-net/netcore/pkg/allowlist"
	"github.com/omerta-net/netcore/pkg/wire"
)

// FullFilterStrategy checks every packet against the allowlist. It is the
// strictest (and simplest) of the three strategies: no caching, no
// sampling, one allowlist lookup per packet.
type FullFilterStrategy struct {
	allowlist *allowlist.Allowlist

	packetsChecked   atomic.Uint64
	packetsForwarded atomic.Uint64
	packetsDropped   atomic.Uint64
}

// NewFullFilterStrategy binds a strategy to an allowlist. The allowlist may
// be mutated live by the session owning it.
func NewFullFilterStrategy(a *allowlist.Allowlist) *FullFilterStrategy {
	return &FullFilterStrategy{allowlist: a}
}

// FullFilterStats is a point-in-time snapshot of FullFilterStrategy counters.
type FullFilterStats struct {
	PacketsChecked   uint64
	PacketsForwarded uint64
	PacketsDropped   uint64
}

func (s *FullFilterStrategy) Stats() FullFilterStats {
	return FullFilterStats{
		PacketsChecked:   s.packetsChecked.Load(),
		PacketsForwarded: s.packetsForwarded.Load(),
		PacketsDropped:   s.packetsDropped.Load(),
	}
}

func (s *FullFilterStrategy) ShouldForward(pkt *wire.IPv4Packet) Decision {
	s.packetsChecked.Add(1)

	ep, ok := destEndpoint(pkt)
	if !ok {
		s.packetsDropped.Add(1)
		return drop(reasonNoPorts)
	}

	if s.allowlist.Contains(ep) {
		s.packetsForwarded.Add(1)
		return forward()
	}

	s.packetsDropped.Add(1)
	return drop(reasonNotAllowed)
}
