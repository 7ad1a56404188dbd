package dht

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/omerta-net/netcore/pkg/mesh"
)

type testNode struct {
	host host.Host
	svc  *Service
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"), libp2p.NoSecurity, libp2p.DisableRelay())
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	m := mesh.New(h)
	table := NewRoutingTable(DeriveKey(h.ID().String()), DefaultBucketSize)
	store := NewAnnouncementStore(time.Minute)
	svc := NewService(m, h.ID(), priv, pub, table, store)
	svc.Serve()
	t.Cleanup(func() {
		m.Close()
		h.Close()
	})
	return &testNode{host: h, svc: svc}
}

func connect(t *testing.T, ctx context.Context, a, b *testNode) {
	t.Helper()
	if err := a.host.Connect(ctx, peer.AddrInfo{ID: b.host.ID(), Addrs: b.host.Addrs()}); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func TestService_StoreAndFindValueRoundTrip(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	connect(t, ctx, a, b)

	if err := a.svc.Announce(ctx, b.host.ID(), "10.0.0.1", 9000, []string{"/ip4/10.0.0.1/tcp/9000"}, []string{"provider"}, time.Minute); err != nil {
		t.Fatalf("announce: %v", err)
	}

	target := DeriveKey(a.host.ID().String())
	ann, ok, err := b.svc.FindValue(ctx, a.host.ID(), target)
	if err != nil {
		t.Fatalf("find value: %v", err)
	}
	if !ok {
		t.Fatal("expected announcement to be found")
	}
	if ann.Addr != "10.0.0.1" || ann.Port != 9000 {
		t.Errorf("ann = %+v, want addr 10.0.0.1 port 9000", ann)
	}
}

func TestService_FindNodeReturnsKnownPeers(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	connect(t, ctx, a, b)

	known := NodeInfo{ID: key(7), Addr: "10.0.0.7", Port: 1234}
	b.svc.table.AddOrUpdate(known)

	nodes, err := a.svc.FindNode(ctx, b.host.ID(), known.ID)
	if err != nil {
		t.Fatalf("find node: %v", err)
	}
	found := false
	for _, n := range nodes {
		if n.ID == known.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("FindNode = %+v, want to include %+v", nodes, known)
	}
}

func TestService_PingRoundTrip(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	connect(t, ctx, a, b)

	if err := a.svc.Ping(ctx, b.host.ID()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestService_RunRefreshLoopExpiresStaleAnnouncements(t *testing.T) {
	a := newTestNode(t)

	ann := PeerAnnouncement{PeerID: a.host.ID().String(), PublicKey: a.svc.pub, Timestamp: time.Now(), TTL: time.Millisecond}
	ann.Sign(a.svc.priv)
	if err := a.svc.store.Store(ann); err != nil {
		t.Fatalf("store: %v", err)
	}

	done := make(chan struct{})
	go a.svc.RunRefreshLoop(done, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(done)

	if a.svc.store.Len() != 0 {
		t.Errorf("expected expired announcement to be swept, store len = %d", a.svc.store.Len())
	}
}
