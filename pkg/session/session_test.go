package session

import (
	"context"
	"testing"

	"github.com/omerta-net/netcore/pkg/wire"
)

func TestConnectToPeer_DirectFastPath(t *testing.T) {
	s := New(Config{LocalPeerID: "local", EnableNATTraversal: false}, nil)

	ep, err := wire.NewEndpoint("203.0.113.50", 51900)
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}

	pc, err := s.ConnectToPeer(context.Background(), "peer-b", &ep)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if pc.ConnectionType != ConnectionDirect {
		t.Errorf("connectionType = %v, want direct", pc.ConnectionType)
	}
	if pc.IsRelayed {
		t.Error("direct connection must not be marked relayed")
	}
}

func TestConnectToPeer_DirectFastPathWithoutEndpointFails(t *testing.T) {
	s := New(Config{LocalPeerID: "local", EnableNATTraversal: false}, nil)
	_, err := s.ConnectToPeer(context.Background(), "peer-b", nil)
	if err != ErrInvalidEndpoint {
		t.Errorf("err = %v, want ErrInvalidEndpoint", err)
	}
}

func TestGetConnection_DisconnectRemovesEntry(t *testing.T) {
	s := New(Config{LocalPeerID: "local", EnableNATTraversal: false}, nil)
	ep, _ := wire.NewEndpoint("203.0.113.50", 51900)

	pc, err := s.ConnectToPeer(context.Background(), "peer-b", &ep)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, ok := s.GetConnection("peer-b"); !ok {
		t.Fatal("expected cached connection")
	}

	s.Disconnect("peer-b")
	if _, ok := s.GetConnection("peer-b"); ok {
		t.Error("expected connection to be removed after disconnect")
	}
	_ = pc
}

func TestStop_ClearsAllConnections(t *testing.T) {
	s := New(Config{LocalPeerID: "local", EnableNATTraversal: false}, nil)
	ep, _ := wire.NewEndpoint("203.0.113.50", 51900)
	s.ConnectToPeer(context.Background(), "peer-b", &ep)
	s.ConnectToPeer(context.Background(), "peer-c", &ep)

	s.Stop()

	if _, ok := s.GetConnection("peer-b"); ok {
		t.Error("expected peer-b connection cleared after Stop")
	}
	if _, ok := s.GetConnection("peer-c"); ok {
		t.Error("expected peer-c connection cleared after Stop")
	}

	// Stop must be idempotent.
	s.Stop()
}
