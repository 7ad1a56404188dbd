// Package filter implements the three VM egress filtering strategies that
// decide, for each packet leaving the guest, whether it may continue into
// the tunnel: FullFilterStrategy, ConntrackStrategy, and SampledStrategy.
package filter

import (
	"github.com/omerta-net/netcore/pkg/wire"
)

// Verdict is the outcome of a filtering decision.
type Verdict int

const (
	Forward Verdict = iota
	Drop
	Terminate
)

func (v Verdict) String() string {
	switch v {
	case Forward:
		return "forward"
	case Drop:
		return "drop"
	case Terminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// Decision is the structured return value of a filtering strategy, never
// an error: strategy-level forward/drop/terminate decisions are surfaced
// as data, per spec.md §7.
type Decision struct {
	Verdict Verdict
	Reason  string
}

func forward() Decision           { return Decision{Verdict: Forward} }
func drop(reason string) Decision { return Decision{Verdict: Drop, Reason: reason} }
func terminate(reason string) Decision {
	return Decision{Verdict: Terminate, Reason: reason}
}

// Strategy is the common contract all three filtering strategies implement.
type Strategy interface {
	// ShouldForward inspects an outbound packet and returns a decision.
	// Packet-level parse failures are the caller's concern; Strategy only
	// sees already-parsed IPv4 packets.
	ShouldForward(pkt *wire.IPv4Packet) Decision
}

// destEndpoint extracts (dst, dstPort) from a packet, if it has ports.
func destEndpoint(pkt *wire.IPv4Packet) (wire.Endpoint, bool) {
	if pkt.DestinationPort == nil {
		return wire.Endpoint{}, false
	}
	return wire.Endpoint{Addr: pkt.Dst, Port: *pkt.DestinationPort}, true
}

// compile-time interface checks
var (
	_ Strategy = (*FullFilterStrategy)(nil)
	_ Strategy = (*ConntrackStrategy)(nil)
	_ Strategy = (*SampledStrategy)(nil)
)

// reasonNoPorts is the drop/terminate reason used when a packet has no
// destination port (e.g. a bare ICMP packet) and therefore can never match
// the allowlist.
const reasonNoPorts = "protocol carries no destination port"
const reasonNotAllowed = "destination not in allowlist"
