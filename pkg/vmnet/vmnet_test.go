package vmnet

import (
	"context"
	"testing"

	"github.com/omerta-net/netcore/pkg/wire"
)

func ethernetIPv4Frame(t *testing.T, dstAddr string, dstPort uint16, payload []byte) []byte {
	t.Helper()
	src, err := wire.NewEndpoint("192.168.64.2", 12345)
	if err != nil {
		t.Fatalf("src endpoint: %v", err)
	}
	dst, err := wire.NewEndpoint(dstAddr, dstPort)
	if err != nil {
		t.Fatalf("dst endpoint: %v", err)
	}
	ipPkt := wire.BuildUDPv4(src, dst, payload)
	frame := wire.EthernetFrame{
		DstMAC:    wire.DefaultGatewayMAC,
		SrcMAC:    wire.MACAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		EtherType: wire.EtherTypeIPv4,
		Payload:   ipPkt,
	}
	return frame.Bytes()
}

func TestCreateNetwork_DirectModeNoEndpointRequired(t *testing.T) {
	n, err := CreateNetwork(Config{Mode: ModeDirect}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n.Strategy != nil {
		t.Error("direct mode should not attach a strategy")
	}
}

func TestCreateNetwork_FilteringRequiresEndpoint(t *testing.T) {
	_, err := CreateNetwork(Config{Mode: ModeFiltered}, nil)
	if err != ErrFilteringRequiresEndpoint {
		t.Errorf("err = %v, want ErrFilteringRequiresEndpoint", err)
	}
}

func TestCreateNetwork_FilteredModeDropsDisallowed(t *testing.T) {
	allowed, err := wire.NewEndpoint("203.0.113.50", 51900)
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	n, err := CreateNetwork(Config{Mode: ModeFiltered, ConsumerEndpoint: &allowed}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	frame := ethernetIPv4Frame(t, "198.51.100.9", 9999, []byte("blocked"))
	pkt, terminate, err := n.HandleEgressFrame(context.Background(), frame)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pkt != nil {
		t.Error("expected packet to be dropped, not forwarded")
	}
	if terminate {
		t.Error("FullFilterStrategy should drop, not terminate")
	}
}

func TestCreateNetwork_FilteredModeForwardsAllowed(t *testing.T) {
	allowed, err := wire.NewEndpoint("203.0.113.50", 51900)
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	n, err := CreateNetwork(Config{Mode: ModeFiltered, ConsumerEndpoint: &allowed}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	frame := ethernetIPv4Frame(t, "203.0.113.50", 51900, []byte("allowed"))
	pkt, terminate, err := n.HandleEgressFrame(context.Background(), frame)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pkt == nil {
		t.Fatal("expected packet to be forwarded")
	}
	if terminate {
		t.Error("did not expect termination on allowed packet")
	}
}
