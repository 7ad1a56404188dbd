// Package tunnel implements the per-job TunnelSession state machine: a
// single bidirectional application-data channel to a remote machine,
// optionally upgraded into a raw-IP traffic path (source, exit, or
// dial-capable client role) backed by a netstack bridge.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/omerta-net/netcore/pkg/mesh"
	"github.com/omerta-net/netcore/pkg/netstack"
)

// State is the session's position in its state machine.
type State string

const (
	StateConnecting   State = "connecting"
	StateActive       State = "active"
	StateDisconnected State = "disconnected"
)

// Role tags which of the traffic-routing roles (if any) a session has
// taken on, mirroring spec §4.12's tagged-union role model.
type Role string

const (
	RolePeer         Role = "peer" // no traffic routing enabled
	RoleTrafficSource Role = "trafficSource"
	RoleTrafficExit  Role = "trafficExit"
	RoleTrafficClient Role = "trafficClient"
)

var (
	ErrNotConnected             = errors.New("tunnel: session is not active")
	ErrAlreadyConnected         = errors.New("tunnel: enableDialSupport requires role peer")
	ErrTrafficRoutingNotEnabled = errors.New("tunnel: trafficRoutingNotEnabled")
)

const (
	channelData    = "tunnel-data"
	channelTraffic = "tunnel-traffic"
	channelReturn  = "tunnel-return"

	gatewayCIDR = "10.200.0.1/24"
	defaultMTU  = 1500
)

// ForwardCallback receives raw IP packets arriving on tunnel-traffic when
// an exit's forwarding has been overridden via SetTrafficForwardCallback
// (the VM-bridging case, rather than real netstack-to-internet routing).
type ForwardCallback func(ipPacket []byte)

// TunnelSession is one job's tunnel to RemoteMachine.
type TunnelSession struct {
	mu sync.Mutex

	mesh          *mesh.Provider
	remoteMachine peer.ID

	state State
	role  Role

	dataIn chan []byte

	returnPackets chan []byte

	bridge       netstack.Bridge
	forwardCB    ForwardCallback
	newBridge    func() netstack.Bridge
}

// New creates a session in state connecting, targeting remoteMachine over
// provider. newBridge constructs the netstack.Bridge used when traffic
// routing is enabled as an exit or dial-capable client; pass a factory
// returning netstack.NewGVisorBridge() in production and a
// netstack.NewFake in tests.
func New(provider *mesh.Provider, remoteMachine peer.ID, newBridge func() netstack.Bridge) *TunnelSession {
	if newBridge == nil {
		newBridge = func() netstack.Bridge { return netstack.NewFake() }
	}
	return &TunnelSession{
		mesh:          provider,
		remoteMachine: remoteMachine,
		state:         StateConnecting,
		role:          RolePeer,
		dataIn:        make(chan []byte, 256),
		returnPackets: make(chan []byte, 256),
		newBridge:     newBridge,
	}
}

// Activate transitions connecting -> active, installing the tunnel-data
// handler. Sessions are created already wired for data exchange; traffic
// routing is opt-in via EnableTrafficRouting/EnableDialSupport.
func (s *TunnelSession) Activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return
	}
	s.state = StateActive

	s.mesh.OnChannel(channelData, func(sender peer.ID, payload []byte) {
		if sender != s.remoteMachine {
			return
		}
		select {
		case s.dataIn <- payload:
		default:
			slog.Warn("tunnel: dropping tunnel-data message, receive queue full")
		}
	})
}

// State reports the session's current state.
func (s *TunnelSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Role reports the session's current role.
func (s *TunnelSession) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Send writes payload on tunnel-data. Succeeds only in state active.
func (s *TunnelSession) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.mu.Unlock()

	return s.mesh.SendOnChannel(ctx, payload, s.remoteMachine, channelData)
}

// Receive returns the channel of inbound tunnel-data messages from
// remoteMachine. It is a lazy, finite stream: closed when the session
// leaves. Non-restartable — callers must not call Receive expecting a new
// independent stream after the session has left.
func (s *TunnelSession) Receive() <-chan []byte {
	return s.dataIn
}

// ReturnPackets returns the stream of raw IP packets a trafficSource
// session has collected on tunnel-return.
func (s *TunnelSession) ReturnPackets() <-chan []byte {
	return s.returnPackets
}

// EnableTrafficRouting installs the traffic-routing role per spec §4.12.
// asExit=true makes this session a trafficExit: it starts a netstack
// bridge with the standard gateway/MTU, installs a tunnel-traffic handler
// that injects into the bridge, and forwards packets the bridge emits on
// tunnel-return. asExit=false makes this session a trafficSource: it
// installs a tunnel-return handler feeding ReturnPackets.
func (s *TunnelSession) EnableTrafficRouting(ctx context.Context, asExit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return ErrNotConnected
	}

	if asExit {
		s.role = RoleTrafficExit
		bridge := s.newBridge()
		cfg := netstack.Config{GatewayCIDR: gatewayCIDR, MTU: defaultMTU}

		if err := bridge.Start(ctx, cfg, func(ipPacket []byte) {
			s.mu.Lock()
			cb := s.forwardCB
			s.mu.Unlock()
			if cb != nil {
				cb(ipPacket)
				return
			}
			if err := s.mesh.SendOnChannel(ctx, ipPacket, s.remoteMachine, channelReturn); err != nil {
				slog.Warn("tunnel: failed to forward return packet", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("tunnel: netstackError: %w", err)
		}
		s.bridge = bridge

		s.mesh.OnChannel(channelTraffic, func(sender peer.ID, payload []byte) {
			if sender != s.remoteMachine {
				return
			}
			s.mu.Lock()
			b := s.bridge
			s.mu.Unlock()
			if b == nil {
				return
			}
			if err := b.InjectPacket(payload); err != nil {
				slog.Warn("tunnel: inject failed", "error", err)
			}
		})
		return nil
	}

	s.role = RoleTrafficSource
	s.mesh.OnChannel(channelReturn, func(sender peer.ID, payload []byte) {
		if sender != s.remoteMachine {
			return
		}
		select {
		case s.returnPackets <- payload:
		default:
			slog.Warn("tunnel: dropping return packet, queue full")
		}
	})
	return nil
}

// EnableDialSupport upgrades a peer-role session into a trafficClient: a
// local netstack bridge whose outbound packets are sent on tunnel-traffic,
// and whose return packets (received on tunnel-return) are injected back
// into the bridge — giving the caller a local TCP dial surface (via the
// bridge's DialTCP) that tunnels through the remote exit.
func (s *TunnelSession) EnableDialSupport(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return ErrNotConnected
	}
	if s.role != RolePeer {
		return ErrAlreadyConnected
	}

	s.role = RoleTrafficClient
	bridge := s.newBridge()
	cfg := netstack.Config{GatewayCIDR: gatewayCIDR, MTU: defaultMTU}

	if err := bridge.Start(ctx, cfg, func(ipPacket []byte) {
		if err := s.mesh.SendOnChannel(ctx, ipPacket, s.remoteMachine, channelTraffic); err != nil {
			slog.Warn("tunnel: failed to send outbound traffic packet", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("tunnel: netstackError: %w", err)
	}
	s.bridge = bridge

	s.mesh.OnChannel(channelReturn, func(sender peer.ID, payload []byte) {
		if sender != s.remoteMachine {
			return
		}
		if err := bridge.InjectPacket(payload); err != nil {
			slog.Warn("tunnel: inject return packet failed", "error", err)
		}
	})
	return nil
}

// InjectPacket routes a raw IP packet per the current role: trafficSource
// sends it on tunnel-traffic; trafficExit injects it into the local
// netstack bridge. Any other role returns ErrTrafficRoutingNotEnabled.
func (s *TunnelSession) InjectPacket(ctx context.Context, ipPacket []byte) error {
	s.mu.Lock()
	role := s.role
	bridge := s.bridge
	s.mu.Unlock()

	switch role {
	case RoleTrafficSource:
		return s.mesh.SendOnChannel(ctx, ipPacket, s.remoteMachine, channelTraffic)
	case RoleTrafficExit:
		if bridge == nil {
			return ErrTrafficRoutingNotEnabled
		}
		return bridge.InjectPacket(ipPacket)
	default:
		return ErrTrafficRoutingNotEnabled
	}
}

// SetTrafficForwardCallback overrides the exit's netstack forwarding: the
// bridge's emitted packets are delivered to cb instead of being written to
// tunnel-return directly — used when the exit bridges a VM rather than the
// real internet (pkg/vmnet wires itself in here).
func (s *TunnelSession) SetTrafficForwardCallback(cb ForwardCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != RoleTrafficExit {
		return ErrTrafficRoutingNotEnabled
	}
	s.forwardCB = cb
	return nil
}

// SendReturnPacket pushes a raw IP packet back on tunnel-return. Used on
// the exit side when bridging a VM instead of a netstack (SetTrafficForwardCallback
// has already diverted inbound traffic away from the bridge).
func (s *TunnelSession) SendReturnPacket(ctx context.Context, pkt []byte) error {
	s.mu.Lock()
	role := s.role
	s.mu.Unlock()
	if role != RoleTrafficExit {
		return ErrTrafficRoutingNotEnabled
	}
	return s.mesh.SendOnChannel(ctx, pkt, s.remoteMachine, channelReturn)
}

// Leave transitions to disconnected: deregisters every channel handler
// this session installed, stops its netstack bridge if any, and closes the
// receive streams. Idempotent.
func (s *TunnelSession) Leave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return
	}
	s.state = StateDisconnected

	s.mesh.OffChannel(channelData)
	s.mesh.OffChannel(channelTraffic)
	s.mesh.OffChannel(channelReturn)

	if s.bridge != nil {
		if err := s.bridge.Stop(); err != nil {
			slog.Warn("tunnel: bridge stop failed", "error", err)
		}
		s.bridge = nil
	}

	close(s.dataIn)
	close(s.returnPackets)
}
