package netstack

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const nicID tcpip.NICID = 1

// GVisorBridge is the reference Bridge implementation: a gVisor userspace
// network stack attached to a channel.Endpoint, the same "link layer is
// just a Go channel" pattern userspace VPN implementations (wireguard-go's
// netstack mode, tsnet) use to avoid a real TUN device on the host.
type GVisorBridge struct {
	mu       sync.Mutex
	stack    *stack.Stack
	ep       *channel.Endpoint
	onReturn ReturnFunc
	stopOnce sync.Once
	stopC    chan struct{}
	mtu      uint32
}

// NewGVisorBridge constructs an unstarted bridge.
func NewGVisorBridge() *GVisorBridge {
	return &GVisorBridge{}
}

func (g *GVisorBridge) Start(ctx context.Context, cfg Config, onReturn ReturnFunc) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	mtu := uint32(cfg.MTU)
	if mtu == 0 {
		mtu = 1500
	}

	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol, icmp.NewProtocol4},
	})

	ep := channel.New(512, mtu, "")
	ep.AddNotify(channelNotifier{bridge: g})

	if err := s.CreateNIC(nicID, ep); err != nil {
		return fmt.Errorf("netstack: create NIC: %v", err)
	}

	prefix, err := netip.ParsePrefix(cfg.GatewayCIDR)
	if err != nil {
		return fmt.Errorf("netstack: parse gateway CIDR %q: %w", cfg.GatewayCIDR, err)
	}

	protoAddr := tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddrFromSlice(prefix.Addr().AsSlice()).WithPrefix(),
	}
	if err := s.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
		return fmt.Errorf("netstack: add protocol address: %v", err)
	}

	s.SetRouteTable([]tcpip.Route{
		{Destination: header4RouteDest(), NIC: nicID},
	})

	g.stack = s
	g.ep = ep
	g.onReturn = onReturn
	g.mtu = mtu
	g.stopC = make(chan struct{})

	slog.Info("netstack: started", "gateway", cfg.GatewayCIDR, "mtu", mtu)
	return nil
}

// channelNotifier bridges gVisor's channel.Notification callback to our
// ReturnFunc, draining every packet the stack wants to emit.
type channelNotifier struct {
	bridge *GVisorBridge
}

func (n channelNotifier) WriteNotify() {
	b := n.bridge
	b.mu.Lock()
	ep := b.ep
	onReturn := b.onReturn
	b.mu.Unlock()
	if ep == nil {
		return
	}

	for {
		pkt := ep.Read()
		if pkt.IsNil() {
			return
		}
		view := pkt.ToView()
		pkt.DecRef()
		if onReturn != nil {
			onReturn(view.AsSlice())
		}
	}
}

func (g *GVisorBridge) InjectPacket(ipPacket []byte) error {
	g.mu.Lock()
	ep := g.ep
	g.mu.Unlock()
	if ep == nil {
		return fmt.Errorf("netstack: not started")
	}

	proto := ipVersionProtocol(ipPacket)
	if proto == 0 {
		slog.Warn("netstack: dropping packet of unknown IP version")
		return nil
	}

	if !ep.IsAttached() {
		slog.Warn("netstack: dropping packet, endpoint not attached (backpressure)")
		return nil
	}

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), ipPacket...)),
	})
	ep.InjectInbound(proto, pkt)
	pkt.DecRef()
	return nil
}

func (g *GVisorBridge) DialTCP(ctx context.Context, host string, port uint16) (net.Conn, error) {
	g.mu.Lock()
	s := g.stack
	g.mu.Unlock()
	if s == nil {
		return nil, fmt.Errorf("netstack: not started")
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("netstack: resolve %q: %w", host, err)
		}
		addr = ips[0]
	}

	fa := tcpip.FullAddress{
		NIC:  nicID,
		Addr: tcpip.AddrFromSlice(addr.AsSlice()),
		Port: port,
	}

	var proto tcpip.NetworkProtocolNumber = ipv4.ProtocolNumber
	if addr.Is6() {
		proto = ipv6.ProtocolNumber
	}

	conn, err := gonet.DialContextTCP(ctx, s, fa, proto)
	if err != nil {
		return nil, fmt.Errorf("netstack: dial %s:%d: %w", host, port, err)
	}
	return conn, nil
}

func (g *GVisorBridge) Stop() error {
	g.stopOnce.Do(func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.ep != nil {
			g.ep.AddNotify(nil)
		}
		if g.stack != nil {
			g.stack.Close()
		}
		if g.stopC != nil {
			close(g.stopC)
		}
		slog.Info("netstack: stopped")
	})
	return nil
}

func header4RouteDest() tcpip.Subnet {
	subnet, _ := tcpip.NewSubnet(
		tcpip.AddrFromSlice(make([]byte, 4)),
		tcpip.MaskFromBytes(make([]byte, 4)),
	)
	return subnet
}

// ipVersionProtocol returns the gVisor network protocol number for the
// first byte of an IP packet, or 0 if unrecognized.
func ipVersionProtocol(pkt []byte) tcpip.NetworkProtocolNumber {
	if len(pkt) == 0 {
		return 0
	}
	switch pkt[0] >> 4 {
	case 4:
		return ipv4.ProtocolNumber
	case 6:
		return ipv6.ProtocolNumber
	default:
		return 0
	}
}
