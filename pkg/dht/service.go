package dht

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/omerta-net/netcore/pkg/mesh"
)

// channelName is the mesh channel the DHT protocol runs on.
const channelName = "dht"

// Sender is the subset of mesh.Provider a Service needs to exchange DHT
// packets with peers.
type Sender interface {
	OnChannel(channelName string, handler mesh.Handler)
	SendOnChannel(ctx context.Context, payload []byte, to peer.ID, channelName string) error
}

// Service answers and issues DHT protocol packets (ping, find_node, store,
// find_value) on behalf of a local node, backed by a RoutingTable and an
// AnnouncementStore. It's the network-facing half of this package — the
// rest (kbucket.go, packet.go, announcement.go) is pure data structures and
// wire codecs with no I/O of their own.
type Service struct {
	sender Sender
	local  peer.ID
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	table  *RoutingTable
	store  *AnnouncementStore

	mu      sync.Mutex
	pending map[TransactionID]chan *DHTPacket
}

// NewService creates a Service over table and store, speaking as local and
// signing its own announcements with priv.
func NewService(sender Sender, local peer.ID, priv ed25519.PrivateKey, pub ed25519.PublicKey, table *RoutingTable, store *AnnouncementStore) *Service {
	return &Service{
		sender:  sender,
		local:   local,
		priv:    priv,
		pub:     pub,
		table:   table,
		store:   store,
		pending: make(map[TransactionID]chan *DHTPacket),
	}
}

// Serve registers the service's packet handler on the mesh channel. Call
// once, after construction.
func (s *Service) Serve() {
	s.sender.OnChannel(channelName, s.handlePacket)
}

func (s *Service) handlePacket(from peer.ID, payload []byte) {
	pkt, err := DecodePacket(payload)
	if err != nil {
		slog.Warn("dht: dropping malformed packet", "from", from, "error", err)
		return
	}

	s.table.AddOrUpdate(NodeInfo{ID: DeriveKey(from.String())})

	switch pkt.Kind {
	case KindPing:
		s.reply(from, KindPong, pkt.TxID, nil, nil)
	case KindFindNode:
		nodes := s.table.FindNode(pkt.Target, DefaultBucketSize)
		s.replyNodes(from, pkt.TxID, nodes)
	case KindFindValue:
		if ann, ok := s.store.FindValue(pkt.Target); ok {
			s.reply(from, KindFoundValue, pkt.TxID, &ann, nil)
			return
		}
		nodes := s.table.FindNode(pkt.Target, DefaultBucketSize)
		if len(nodes) == 0 {
			s.reply(from, KindNotFound, pkt.TxID, nil, nil)
			return
		}
		s.replyNodes(from, pkt.TxID, nodes)
	case KindStore:
		if pkt.Announcement == nil {
			return
		}
		if err := s.store.Store(*pkt.Announcement); err != nil {
			slog.Warn("dht: rejected store", "from", from, "error", err)
		}
	case KindPong, KindFoundNodes, KindFoundValue, KindNotFound:
		s.deliver(pkt)
	}
}

func (s *Service) deliver(pkt *DHTPacket) {
	s.mu.Lock()
	ch, ok := s.pending[pkt.TxID]
	if ok {
		delete(s.pending, pkt.TxID)
	}
	s.mu.Unlock()
	if ok {
		ch <- pkt
	}
}

func (s *Service) reply(to peer.ID, kind PacketKind, txID TransactionID, ann *PeerAnnouncement, nodes []NodeInfo) {
	pkt := &DHTPacket{TxID: txID, Kind: kind, Announcement: ann, Nodes: nodes}
	s.send(to, pkt)
}

func (s *Service) replyNodes(to peer.ID, txID TransactionID, nodes []NodeInfo) {
	s.reply(to, KindFoundNodes, txID, nil, nodes)
}

func (s *Service) send(to peer.ID, pkt *DHTPacket) {
	data, err := pkt.Encode()
	if err != nil {
		slog.Warn("dht: failed to encode outgoing packet", "kind", pkt.Kind, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.sender.SendOnChannel(ctx, data, to, channelName); err != nil {
		slog.Debug("dht: send failed", "to", to, "kind", pkt.Kind, "error", err)
	}
}

// request sends pkt to peerID and waits for the correlated reply, or
// ctx's deadline.
func (s *Service) request(ctx context.Context, peerID peer.ID, pkt *DHTPacket) (*DHTPacket, error) {
	ch := make(chan *DHTPacket, 1)
	s.mu.Lock()
	s.pending[pkt.TxID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, pkt.TxID)
		s.mu.Unlock()
	}()

	s.send(peerID, pkt)

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("dht: request to %s timed out: %w", peerID, ctx.Err())
	}
}

// Ping checks that peerID is alive and answering the DHT protocol.
func (s *Service) Ping(ctx context.Context, peerID peer.ID) error {
	pkt, err := NewPacket(KindPing)
	if err != nil {
		return err
	}

	resp, err := s.request(ctx, peerID, pkt)
	if err != nil {
		return err
	}
	if resp.Kind != KindPong {
		return fmt.Errorf("dht: unexpected reply kind %v to ping", resp.Kind)
	}
	return nil
}

// FindNode asks peerID for the nodes closest to target.
func (s *Service) FindNode(ctx context.Context, peerID peer.ID, target Key) ([]NodeInfo, error) {
	pkt, err := NewPacket(KindFindNode)
	if err != nil {
		return nil, err
	}
	pkt.Target = target

	resp, err := s.request(ctx, peerID, pkt)
	if err != nil {
		return nil, err
	}
	if resp.Kind != KindFoundNodes {
		return nil, fmt.Errorf("dht: unexpected reply kind %v to find_node", resp.Kind)
	}
	return resp.Nodes, nil
}

// Announce signs and publishes a PeerAnnouncement for this node to peerID,
// then stores it locally too so a self-lookup succeeds without a round trip.
// signalingAddresses and capabilities are carried verbatim into the signed
// announcement; ttl governs how long it stays valid (defaulting to the
// local store's default when zero).
func (s *Service) Announce(ctx context.Context, peerID peer.ID, addr string, port uint16, signalingAddresses, capabilities []string, ttl time.Duration) error {
	ann := PeerAnnouncement{
		PeerID:             s.local.String(),
		PublicKey:          s.pub,
		Addr:               addr,
		Port:               port,
		SignalingAddresses: signalingAddresses,
		Capabilities:       capabilities,
		Timestamp:          time.Now(),
		TTL:                ttl,
	}
	ann.Sign(s.priv)

	if err := s.store.Store(ann); err != nil {
		return err
	}
	if peerID == s.local {
		return nil
	}

	pkt, err := NewPacket(KindStore)
	if err != nil {
		return err
	}
	pkt.Announcement = &ann
	s.send(peerID, pkt)
	return nil
}

// FindValue looks up the announcement for target in the local store first
// and, if it is not held locally, asks peerID.
func (s *Service) FindValue(ctx context.Context, peerID peer.ID, target Key) (PeerAnnouncement, bool, error) {
	if ann, ok := s.store.FindValue(target); ok {
		return ann, true, nil
	}

	pkt, err := NewPacket(KindFindValue)
	if err != nil {
		return PeerAnnouncement{}, false, err
	}
	pkt.Target = target

	resp, err := s.request(ctx, peerID, pkt)
	if err != nil {
		return PeerAnnouncement{}, false, err
	}
	switch resp.Kind {
	case KindFoundValue:
		if resp.Announcement == nil {
			return PeerAnnouncement{}, false, fmt.Errorf("dht: found_value reply missing announcement")
		}
		return *resp.Announcement, true, nil
	case KindNotFound:
		return PeerAnnouncement{}, false, nil
	default:
		return PeerAnnouncement{}, false, fmt.Errorf("dht: unexpected reply kind %v to find_value", resp.Kind)
	}
}

// RunRefreshLoop periodically evicts expired announcements from the local
// store, per spec §4.10's "periodic refresh evicts expired announcements".
// Mirrors the ticker-driven expiry loop pkg/relayserver runs for its own
// session table.
func (s *Service) RunRefreshLoop(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.store.ExpireStale(); n > 0 {
				slog.Debug("dht: expired stale announcements", "count", n)
			}
		case <-done:
			return
		}
	}
}
