package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
)

func TestProvider_SendAndReceiveOnChannel(t *testing.T) {
	h1raw, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"), libp2p.NoSecurity, libp2p.DisableRelay())
	if err != nil {
		t.Fatalf("host1: %v", err)
	}
	defer h1raw.Close()

	h2raw, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"), libp2p.NoSecurity, libp2p.DisableRelay())
	if err != nil {
		t.Fatalf("host2: %v", err)
	}
	defer h2raw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h1raw.Connect(ctx, peer.AddrInfo{ID: h2raw.ID(), Addrs: h2raw.Addrs()}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	p1 := New(h1raw)
	p2 := New(h2raw)
	defer p1.Close()
	defer p2.Close()

	var mu sync.Mutex
	var received [][]byte
	done := make(chan struct{})

	p2.OnChannel("tunnel-data", func(sender peer.ID, payload []byte) {
		mu.Lock()
		received = append(received, payload)
		mu.Unlock()
		if len(received) == 2 {
			close(done)
		}
	})

	if err := p1.SendOnChannel(ctx, []byte("first"), h2raw.ID(), "tunnel-data"); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	if err := p1.SendOnChannel(ctx, []byte("second"), h2raw.ID(), "tunnel-data"); err != nil {
		t.Fatalf("send 2: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for messages")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(received[0]) != "first" || string(received[1]) != "second" {
		t.Errorf("received = %v, want [first second] in order", received)
	}
}

func TestProvider_OffChannelStopsDelivery(t *testing.T) {
	h1raw, _ := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"), libp2p.NoSecurity, libp2p.DisableRelay())
	defer h1raw.Close()
	h2raw, _ := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"), libp2p.NoSecurity, libp2p.DisableRelay())
	defer h2raw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h1raw.Connect(ctx, peer.AddrInfo{ID: h2raw.ID(), Addrs: h2raw.Addrs()}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	p1 := New(h1raw)
	p2 := New(h2raw)
	defer p1.Close()
	defer p2.Close()

	p2.OnChannel("tunnel-traffic", func(sender peer.ID, payload []byte) {})
	p2.OffChannel("tunnel-traffic")

	err := p1.SendOnChannel(ctx, []byte("x"), h2raw.ID(), "tunnel-traffic")
	if err == nil {
		t.Fatal("expected send to fail after receiver deregistered")
	}
}
