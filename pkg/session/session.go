// Package session implements the P2P session/VPN manager (spec §4.14): it
// ties rendezvous signaling, STUN/hole-punch NAT traversal, relay
// fallback, and per-peer tunnel sessions into a single start/stop surface.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/omerta-net/netcore/pkg/holepunch"
	"github.com/omerta-net/netcore/pkg/mesh"
	"github.com/omerta-net/netcore/pkg/rendezvous"
	"github.com/omerta-net/netcore/pkg/stun"
	"github.com/omerta-net/netcore/pkg/tunnel"
	"github.com/omerta-net/netcore/pkg/wire"
)

// ConnectionType classifies how a PeerConnection was established.
// Precedence when more than one method would work: direct > holePunched >
// relayed.
type ConnectionType string

const (
	ConnectionDirect      ConnectionType = "direct"
	ConnectionHolePunched ConnectionType = "holePunched"
	ConnectionRelayed     ConnectionType = "relayed"
)

// PeerConnection is the result of P2P setup with a single remote peer.
type PeerConnection struct {
	PeerID         string
	Endpoint       wire.Endpoint
	ConnectionType ConnectionType
	RTT            time.Duration
	NATType        stun.NATType

	IsRelayed    bool
	RelayEndpoint wire.Endpoint

	Session *tunnel.TunnelSession
}

// PublicEndpoint is this session's own reflexive endpoint and NAT class,
// as returned by Start.
type PublicEndpoint struct {
	Addr    string
	Port    uint16
	NATType stun.NATType
}

// Config parameterizes a Session.
type Config struct {
	LocalPeerID      string
	RendezvousURL    string
	STUNServerA      string
	STUNServerB      string
	EnableNATTraversal bool
	FallbackToRelay    bool
}

// Session is one peer's P2P manager: one rendezvous connection, one local
// UDP socket for STUN/hole-punch, and a cache of active PeerConnections.
type Session struct {
	cfg  Config
	mesh *mesh.Provider

	stunClient *stun.Client
	udpConn    *net.UDPConn
	rendez     *rendezvous.Client

	mu          sync.Mutex
	connections map[string]*PeerConnection
	waiters     map[string]chan rendezvous.Message

	public PublicEndpoint

	stopOnce sync.Once
}

var (
	ErrBothSymmetric   = errors.New("session: bothSymmetric")
	ErrPeerUnreachable = errors.New("session: peerUnreachable")
	ErrInvalidEndpoint = errors.New("session: invalidEndpoint")
)

// New creates an unstarted Session.
func New(cfg Config, meshProvider *mesh.Provider) *Session {
	return &Session{
		cfg:         cfg,
		mesh:        meshProvider,
		stunClient:  stun.New(),
		connections: make(map[string]*PeerConnection),
		waiters:     make(map[string]chan rendezvous.Message),
	}
}

// Start binds a local UDP socket, discovers this peer's reflexive endpoint
// and NAT type via STUN, opens the rendezvous connection, and registers.
// It returns the discovered PublicEndpoint.
func (s *Session) Start(ctx context.Context) (PublicEndpoint, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return PublicEndpoint{}, fmt.Errorf("session: bind local socket: %w", err)
	}
	s.udpConn = conn

	natType, _, err := s.stunClient.ClassifyNAT(ctx, s.cfg.STUNServerA, s.cfg.STUNServerB)
	if err != nil {
		return PublicEndpoint{}, fmt.Errorf("session: classify NAT: %w", err)
	}

	ep, err := s.stunClient.Bind(ctx, s.cfg.STUNServerA)
	if err != nil {
		return PublicEndpoint{}, fmt.Errorf("session: bind reflexive endpoint: %w", err)
	}

	s.public = PublicEndpoint{Addr: ep.Addr.String(), Port: ep.Port, NATType: natType}

	if s.cfg.RendezvousURL != "" {
		rc, err := rendezvous.Dial(ctx, s.cfg.RendezvousURL)
		if err != nil {
			return PublicEndpoint{}, fmt.Errorf("session: dial rendezvous: %w", err)
		}
		s.rendez = rc
		rc.OnMessage(s.dispatch)
		go rc.Run(ctx)

		if err := rc.Register(s.cfg.LocalPeerID, string(natType)); err != nil {
			return PublicEndpoint{}, fmt.Errorf("session: register: %w", err)
		}
		if err := rc.ReportEndpoint(ep.Addr.String(), ep.Port); err != nil {
			return PublicEndpoint{}, fmt.Errorf("session: report endpoint: %w", err)
		}
	}

	return s.public, nil
}

// dispatch routes a rendezvous-pushed message to whichever per-peer waiter
// channel is listening for it, preserving receive order: the rendezvous
// client's Run loop calls this synchronously per message, so
// holePunchStrategy is always delivered to the waiter before
// holePunchNow/Initiate/Wait/Continue for the same target, per spec §4.8.
func (s *Session) dispatch(msg Message) {
	target := msg.TargetPeerID
	s.mu.Lock()
	ch := s.waiters[target]
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- msg:
	default:
		slog.Warn("session: waiter channel full, dropping rendezvous message", "type", msg.Type, "target", target)
	}
}

// Message is an alias so this package's exported surface doesn't force
// callers to import rendezvous directly for the dispatch signature.
type Message = rendezvous.Message

func (s *Session) waiterFor(targetPeerID string) chan Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.waiters[targetPeerID]
	if !ok {
		ch = make(chan Message, 16)
		s.waiters[targetPeerID] = ch
	}
	return ch
}

func (s *Session) clearWaiter(targetPeerID string) {
	s.mu.Lock()
	delete(s.waiters, targetPeerID)
	s.mu.Unlock()
}

// ConnectToPeer establishes a connection to peerID. If NAT traversal is
// disabled or directEndpoint is supplied, it takes the direct fast path;
// otherwise it negotiates via rendezvous (strategy selection, hole punch,
// relay fallback) per the precedence direct > holePunched > relayed.
func (s *Session) ConnectToPeer(ctx context.Context, peerID string, directEndpoint *wire.Endpoint) (*PeerConnection, error) {
	if !s.cfg.EnableNATTraversal || directEndpoint != nil {
		if directEndpoint == nil {
			return nil, ErrInvalidEndpoint
		}
		pc := &PeerConnection{PeerID: peerID, Endpoint: *directEndpoint, ConnectionType: ConnectionDirect}
		s.cache(pc)
		return pc, nil
	}

	if s.rendez == nil {
		return nil, fmt.Errorf("session: rendezvous not started")
	}

	waiter := s.waiterFor(peerID)
	defer s.clearWaiter(peerID)

	start := time.Now()
	if err := s.rendez.RequestConnection(peerID); err != nil {
		return nil, fmt.Errorf("session: request connection: %w", err)
	}

	var peerEP wire.Endpoint
	var strategyMsg Message
	gotEndpoint, gotStrategy := false, false

	for !(gotEndpoint && gotStrategy) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg := <-waiter:
			switch msg.Type {
			case rendezvous.TypePeerEndpoint:
				ep, err := wire.NewEndpoint(msg.Addr, msg.Port)
				if err != nil {
					return nil, fmt.Errorf("session: %w: %v", ErrInvalidEndpoint, err)
				}
				peerEP = ep
				gotEndpoint = true
			case rendezvous.TypeHolePunchStrategy:
				strategyMsg = msg
				gotStrategy = true
			case rendezvous.TypeError:
				return nil, fmt.Errorf("session: rendezvous error: %s", msg.Reason)
			}
		}
	}

	if strategyMsg.Strategy == holepunch.StrategyRelay {
		return s.connectViaRelay(ctx, peerID, waiter)
	}

	pc, err := s.connectViaHolePunch(ctx, peerID, peerEP, strategyMsg.Strategy, waiter)
	if err == nil {
		pc.RTT = time.Since(start)
		s.cache(pc)
		return pc, nil
	}

	if s.cfg.FallbackToRelay {
		return s.connectViaRelay(ctx, peerID, waiter)
	}
	return nil, err
}

func (s *Session) connectViaHolePunch(ctx context.Context, peerID string, target wire.Endpoint, strat holepunch.Strategy, waiter chan Message) (*PeerConnection, error) {
	initiate := strat == holepunch.StrategySimultaneous || strat == holepunch.StrategyYouInitiate

	if err := s.rendez.HolePunchReady(peerID); err != nil {
		return nil, fmt.Errorf("session: hole punch ready: %w", err)
	}

	if !initiate {
		// peerInitiates: wait for the server's go-ahead before sending.
	waitNow:
		for {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case msg := <-waiter:
				if msg.Type == rendezvous.TypeHolePunchNow || msg.Type == rendezvous.TypeHolePunchInitiate {
					break waitNow
				}
			}
		}
	}

	outcome := holepunch.Attempt(ctx, s.udpConn, holepunch.Config{Target: target, Initiate: initiate})
	s.rendez.HolePunchResult(peerID, outcome.Succeeded)

	if !outcome.Succeeded {
		return nil, ErrPeerUnreachable
	}

	return &PeerConnection{PeerID: peerID, Endpoint: outcome.Endpoint, ConnectionType: ConnectionHolePunched}, nil
}

func (s *Session) connectViaRelay(ctx context.Context, peerID string, waiter chan Message) (*PeerConnection, error) {
	if err := s.rendez.RequestRelay(peerID); err != nil {
		return nil, fmt.Errorf("session: request relay: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg := <-waiter:
			if msg.Type != rendezvous.TypeRelayAssigned {
				continue
			}
			relayEP, err := wire.NewEndpoint(msg.RelayAddr, 0)
			if err != nil {
				return nil, fmt.Errorf("session: %w: %v", ErrInvalidEndpoint, err)
			}
			pc := &PeerConnection{
				PeerID:         peerID,
				ConnectionType: ConnectionRelayed,
				IsRelayed:      true,
				RelayEndpoint:  relayEP,
			}
			s.cache(pc)
			return pc, nil
		}
	}
}

// cache attaches a TunnelSession to pc (peerId strings are libp2p-encoded,
// per internal/identity, so they decode directly to the peer.ID the mesh
// provider addresses streams with) and stores pc in the connection cache.
func (s *Session) cache(pc *PeerConnection) {
	if pc.Session == nil && s.mesh != nil {
		if remote, err := peer.Decode(pc.PeerID); err == nil {
			ts := tunnel.New(s.mesh, remote, nil)
			ts.Activate()
			pc.Session = ts
		} else {
			slog.Warn("session: could not decode peer id for tunnel session", "peerId", pc.PeerID, "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[pc.PeerID] = pc
}

// GetConnection returns the cached PeerConnection for peerID, if any.
func (s *Session) GetConnection(peerID string) (*PeerConnection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.connections[peerID]
	return pc, ok
}

// ListConnections returns a snapshot of all cached PeerConnections.
func (s *Session) ListConnections() []*PeerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PeerConnection, 0, len(s.connections))
	for _, pc := range s.connections {
		out = append(out, pc)
	}
	return out
}

// Disconnect tears down and forgets the cached connection to peerID.
func (s *Session) Disconnect(peerID string) {
	s.mu.Lock()
	pc, ok := s.connections[peerID]
	delete(s.connections, peerID)
	s.mu.Unlock()

	if ok && pc.Session != nil {
		pc.Session.Leave()
	}
}

// Stop cancels all per-peer connections atomically and closes the
// rendezvous connection and local socket. Idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		conns := s.connections
		s.connections = make(map[string]*PeerConnection)
		s.mu.Unlock()

		for _, pc := range conns {
			if pc.Session != nil {
				pc.Session.Leave()
			}
		}

		if s.rendez != nil {
			s.rendez.Close()
		}
		if s.udpConn != nil {
			s.udpConn.Close()
		}
	})
}
