package holepunch

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/omerta-net/netcore/pkg/stun"
	"github.com/omerta-net/netcore/pkg/wire"
)

func localUDPConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSelectStrategies(t *testing.T) {
	cases := []struct {
		consumer, provider                   stun.NATType
		wantConsumer, wantProvider           Strategy
	}{
		{stun.NATFullCone, stun.NATFullCone, StrategySimultaneous, StrategySimultaneous},
		{stun.NATRestrictedCone, stun.NATPortRestrictedCone, StrategySimultaneous, StrategySimultaneous},
		{stun.NATSymmetric, stun.NATFullCone, StrategyYouInitiate, StrategyPeerInitiates},
		{stun.NATFullCone, stun.NATSymmetric, StrategyPeerInitiates, StrategyYouInitiate},
		{stun.NATSymmetric, stun.NATSymmetric, StrategyRelay, StrategyRelay},
	}
	for _, c := range cases {
		gotC, gotP := SelectStrategies(c.consumer, c.provider)
		if gotC != c.wantConsumer || gotP != c.wantProvider {
			t.Errorf("SelectStrategies(%s, %s) = (%s, %s), want (%s, %s)",
				c.consumer, c.provider, gotC, gotP, c.wantConsumer, c.wantProvider)
		}
	}
}

func TestAttempt_SimultaneousOpenSucceeds(t *testing.T) {
	connA := localUDPConn(t)
	connB := localUDPConn(t)

	epA, ok := addrToEndpoint(connA.LocalAddr())
	if !ok {
		t.Fatal("failed to derive endpoint A")
	}
	epB, ok := addrToEndpoint(connB.LocalAddr())
	if !ok {
		t.Fatal("failed to derive endpoint B")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resultA := make(chan Outcome, 1)
	resultB := make(chan Outcome, 1)

	go func() {
		resultA <- Attempt(ctx, connA, Config{Target: epB, Initiate: true, ProbeInterval: 50 * time.Millisecond})
	}()
	go func() {
		resultB <- Attempt(ctx, connB, Config{Target: epA, Initiate: true, ProbeInterval: 50 * time.Millisecond})
	}()

	outA := <-resultA
	outB := <-resultB

	if !outA.Succeeded {
		t.Fatalf("A did not succeed: %v", outA.Err)
	}
	if !outB.Succeeded {
		t.Fatalf("B did not succeed: %v", outB.Err)
	}
}

func TestAttempt_TimesOutWithNoPeer(t *testing.T) {
	conn := localUDPConn(t)
	unreachable, _ := addrToEndpoint(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})

	out := Attempt(context.Background(), conn, Config{
		Target:        unreachable,
		ProbeInterval: 20 * time.Millisecond,
		Timeout:       100 * time.Millisecond,
		Initiate:      true,
	})
	if out.Succeeded {
		t.Fatal("expected failure, got success")
	}
	if out.Err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", out.Err)
	}
}

func addrToEndpoint(addr net.Addr) (wire.Endpoint, bool) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return wire.Endpoint{}, false
	}
	return netEndpointFromUDPAddr(udpAddr), true
}
