// Package bridge translates between the guest VM's Ethernet NIC and the
// stream of IPv4 packets routed through a tunnel session: FramePacketBridge
// learns the guest's MAC/IP from its egress traffic and, in the other
// direction, wraps return UDP payloads back into synthetic Ethernet frames.
package bridge

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/omerta-net/netcore/pkg/wire"
)

// FramePacketBridge holds the learned identity of one guest NIC.
type FramePacketBridge struct {
	gatewayMAC wire.MACAddr

	mu    sync.RWMutex
	vmMAC wire.MACAddr
	vmIP  netip.Addr
}

// New creates a bridge using the default gateway MAC. Use NewWithGateway to
// override it (e.g. for multiple VMs sharing a host, each needing a
// distinct synthetic gateway identity).
func New() *FramePacketBridge {
	return NewWithGateway(wire.DefaultGatewayMAC)
}

// NewWithGateway creates a bridge with an explicit gateway MAC.
func NewWithGateway(gatewayMAC wire.MACAddr) *FramePacketBridge {
	return &FramePacketBridge{gatewayMAC: gatewayMAC}
}

// HandleEgress parses a frame emitted by the guest. Non-IPv4 frames (ARP,
// IPv6, anything else) are ignored and return (nil, nil) — not an error;
// malformed frames are also reported via a nil packet, nil error per
// spec.md §7 (packet-level failures are never surfaced as errors).
func (b *FramePacketBridge) HandleEgress(frameBytes []byte) (*wire.IPv4Packet, error) {
	frame, err := wire.ParseEthernetFrame(frameBytes)
	if err != nil {
		return nil, nil
	}
	if frame.EtherType != wire.EtherTypeIPv4 {
		return nil, nil
	}

	pkt, err := wire.ParseIPv4(frame.Payload)
	if err != nil {
		return nil, nil
	}

	b.learn(frame.SrcMAC, pkt.Src)

	return pkt, nil
}

// learn records the guest's MAC/IP from its first IPv4 frame, updating them
// if the guest later reconfigures (spec.md §3 learning rule).
func (b *FramePacketBridge) learn(mac wire.MACAddr, ip netip.Addr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.vmMAC = mac
	b.vmIP = ip
}

// VMIdentity returns the learned MAC/IP pair, or ok=false if nothing has
// been learned yet.
func (b *FramePacketBridge) VMIdentity() (mac wire.MACAddr, ip netip.Addr, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.vmMAC.IsZero() || !b.vmIP.IsValid() {
		return wire.MACAddr{}, netip.Addr{}, false
	}
	return b.vmMAC, b.vmIP, true
}

// WrapResponse synthesizes an Ethernet frame carrying a UDP response
// destined for the guest: src = from, dst = (learned vmIP, vmPort).
// It refuses to synthesize anything before the guest's identity has been
// learned (spec.md §4.4 edge cases).
func (b *FramePacketBridge) WrapResponse(payload []byte, from wire.Endpoint, vmPort uint16) ([]byte, error) {
	vmMAC, vmIP, ok := b.VMIdentity()
	if !ok {
		return nil, fmt.Errorf("bridge: cannot synthesize response before learning guest MAC/IP")
	}

	dst := wire.Endpoint{Addr: vmIP, Port: vmPort}
	ipPacket := wire.BuildUDPv4(from, dst, payload)

	frame := &wire.EthernetFrame{
		DstMAC:    vmMAC,
		SrcMAC:    b.gatewayMAC,
		EtherType: wire.EtherTypeIPv4,
		Payload:   ipPacket,
	}

	return frame.Bytes(), nil
}
