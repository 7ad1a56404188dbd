// Package vmnet creates the VM NIC attachment a provider-side job uses to
// give a guest VM egress, in one of four modes that trade off inspection
// cost against the strength of the egress guarantee.
package vmnet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/omerta-net/netcore/pkg/allowlist"
	"github.com/omerta-net/netcore/pkg/bridge"
	"github.com/omerta-net/netcore/pkg/filter"
	"github.com/omerta-net/netcore/pkg/tunnel"
	"github.com/omerta-net/netcore/pkg/wire"
)

// Mode selects how guest egress is handled, per spec §4.13.
type Mode string

const (
	ModeDirect     Mode = "direct"
	ModeSampled    Mode = "sampled"
	ModeConntrack  Mode = "conntrack"
	ModeFiltered   Mode = "filtered"
)

// ErrFilteringRequiresEndpoint is returned when a filtering mode is
// requested without a consumer endpoint to allowlist.
var ErrFilteringRequiresEndpoint = errors.New("vmnet: filteringRequiresEndpoint")

// Network is the handle returned by CreateNetwork: the guest-facing bridge
// and, for filtering modes, the strategy enforcing egress policy.
type Network struct {
	Mode     Mode
	Bridge   *bridge.FramePacketBridge
	Strategy filter.Strategy

	session *tunnel.TunnelSession
}

// Config parameterizes CreateNetwork.
type Config struct {
	Mode             Mode
	ConsumerEndpoint *wire.Endpoint // required for sampled/conntrack/filtered
	SamplingRate     float64        // sampled only
	FlowTimeout      int64          // conntrack only, seconds; 0 uses the package default
}

// CreateNetwork constructs the guest NIC attachment and, when filtering is
// enabled, the packet-processor strategy that HandleEgressFrame runs every
// guest packet through before injecting it into session.
func CreateNetwork(cfg Config, session *tunnel.TunnelSession) (*Network, error) {
	n := &Network{Mode: cfg.Mode, Bridge: bridge.New(), session: session}

	switch cfg.Mode {
	case ModeDirect:
		return n, nil

	case ModeSampled, ModeConntrack, ModeFiltered:
		if cfg.ConsumerEndpoint == nil {
			return nil, ErrFilteringRequiresEndpoint
		}
		al := allowlist.NewFromEndpoints(*cfg.ConsumerEndpoint)

		switch cfg.Mode {
		case ModeSampled:
			rate := cfg.SamplingRate
			if rate <= 0 {
				rate = 0.1
			}
			n.Strategy = filter.NewSampledStrategy(al, rate)
		case ModeConntrack:
			timeout := cfg.FlowTimeout
			if timeout <= 0 {
				timeout = 30
			}
			n.Strategy = filter.NewConntrackStrategy(al, time.Duration(timeout)*time.Second)
		case ModeFiltered:
			n.Strategy = filter.NewFullFilterStrategy(al)
		}
		return n, nil

	default:
		return nil, fmt.Errorf("vmnet: unknown mode %q", cfg.Mode)
	}
}

// HandleEgressFrame processes a single Ethernet frame from the guest: it
// parses the frame into an IPv4 packet via the bridge, then (for filtering
// modes) consults the strategy. A Forward verdict is injected into the
// tunnel session immediately; the packet is also returned so callers can
// observe what happened. It returns nil if the packet was dropped or is
// not IPv4, and reports whether the strategy demanded flow termination.
func (n *Network) HandleEgressFrame(ctx context.Context, frame []byte) (pkt *wire.IPv4Packet, terminate bool, err error) {
	pkt, err = n.Bridge.HandleEgress(frame)
	if err != nil {
		return nil, false, err
	}
	if pkt == nil {
		return nil, false, nil
	}

	if n.Strategy == nil {
		return pkt, false, n.inject(ctx, pkt)
	}

	decision := n.Strategy.ShouldForward(pkt)
	switch decision.Verdict {
	case filter.Forward:
		return pkt, false, n.inject(ctx, pkt)
	case filter.Terminate:
		return nil, true, nil
	default: // Drop
		return nil, false, nil
	}
}

// inject forwards pkt into the tunnel session the network was created
// with, if any. Tests construct a Network with a nil session to exercise
// the bridge and strategy in isolation.
func (n *Network) inject(ctx context.Context, pkt *wire.IPv4Packet) error {
	if n.session == nil {
		return nil
	}
	return n.session.InjectPacket(ctx, pkt.Raw)
}

// Close releases the network's resources. The bridge itself holds no
// sockets (that lives in the tunnel session's netstack bridge); Close
// exists so callers have a single teardown point to extend if a mode ever
// needs to release ancillary state.
func (n *Network) Close() {}
