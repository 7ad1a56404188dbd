package tunnel

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/omerta-net/netcore/pkg/mesh"
	"github.com/omerta-net/netcore/pkg/netstack"
)

func connectedMeshPair(t *testing.T) (*mesh.Provider, *mesh.Provider, peer.ID, peer.ID) {
	t.Helper()

	h1, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"), libp2p.NoSecurity, libp2p.DisableRelay())
	if err != nil {
		t.Fatalf("host1: %v", err)
	}
	t.Cleanup(func() { h1.Close() })

	h2, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"), libp2p.NoSecurity, libp2p.DisableRelay())
	if err != nil {
		t.Fatalf("host2: %v", err)
	}
	t.Cleanup(func() { h2.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h1.Connect(ctx, peer.AddrInfo{ID: h2.ID(), Addrs: h2.Addrs()}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	p1 := mesh.New(h1)
	p2 := mesh.New(h2)
	t.Cleanup(p1.Close)
	t.Cleanup(p2.Close)

	return p1, p2, h1.ID(), h2.ID()
}

func TestTunnelSession_SendReceive(t *testing.T) {
	p1, p2, id1, id2 := connectedMeshPair(t)

	s1 := New(p1, id2, nil)
	s2 := New(p2, id1, nil)
	s1.Activate()
	s2.Activate()
	defer s1.Leave()
	defer s2.Leave()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := s1.Send(ctx, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-s2.Receive():
		if string(msg) != "hello" {
			t.Errorf("got %q, want hello", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestTunnelSession_SendFailsWhenNotActive(t *testing.T) {
	p1, _, _, id2 := connectedMeshPair(t)
	s1 := New(p1, id2, nil)

	err := s1.Send(context.Background(), []byte("x"))
	if err != ErrNotConnected {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestTunnelSession_InjectPacketWrongRole(t *testing.T) {
	p1, _, _, id2 := connectedMeshPair(t)
	s1 := New(p1, id2, nil)
	s1.Activate()
	defer s1.Leave()

	err := s1.InjectPacket(context.Background(), []byte("x"))
	if err != ErrTrafficRoutingNotEnabled {
		t.Errorf("err = %v, want ErrTrafficRoutingNotEnabled", err)
	}
}

func TestTunnelSession_EnableDialSupportRequiresPeerRole(t *testing.T) {
	p1, p2, id1, id2 := connectedMeshPair(t)
	s1 := New(p1, id2, func() netstack.Bridge { return netstack.NewFake() })
	s2 := New(p2, id1, func() netstack.Bridge { return netstack.NewFake() })
	s1.Activate()
	s2.Activate()
	defer s1.Leave()
	defer s2.Leave()

	ctx := context.Background()
	if err := s1.EnableTrafficRouting(ctx, true); err != nil {
		t.Fatalf("enable traffic routing: %v", err)
	}
	err := s1.EnableDialSupport(ctx)
	if err != ErrAlreadyConnected {
		t.Errorf("err = %v, want ErrAlreadyConnected", err)
	}
}

func TestTunnelSession_TrafficSourceExitRoundTrip(t *testing.T) {
	p1, p2, id1, id2 := connectedMeshPair(t)

	source := New(p1, id2, func() netstack.Bridge { return netstack.NewFake() })
	exit := New(p2, id1, func() netstack.Bridge { return netstack.NewFake() })
	source.Activate()
	exit.Activate()
	defer source.Leave()
	defer exit.Leave()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := source.EnableTrafficRouting(ctx, false); err != nil {
		t.Fatalf("source enable: %v", err)
	}
	if err := exit.EnableTrafficRouting(ctx, true); err != nil {
		t.Fatalf("exit enable: %v", err)
	}

	fakeBridge := exit.bridge.(*netstack.Fake)

	if err := source.InjectPacket(ctx, []byte("outbound-packet")); err != nil {
		t.Fatalf("inject: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		injected := fakeBridge.Injected()
		if len(injected) > 0 {
			if string(injected[0]) != "outbound-packet" {
				t.Fatalf("exit bridge received %q, want outbound-packet", injected[0])
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for exit bridge to receive packet")
		case <-time.After(20 * time.Millisecond):
		}
	}

	fakeBridge.Emit([]byte("return-packet"))

	select {
	case pkt := <-source.ReturnPackets():
		if string(pkt) != "return-packet" {
			t.Errorf("got %q, want return-packet", pkt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for return packet")
	}
}
