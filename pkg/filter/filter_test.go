package filter

import (
	"testing"
	"time"

	"github.com/omerta-net/netcore/pkg/allowlist"
	"github.com/omerta-net/netcore/pkg/wire"
)

func udpPacketTo(t *testing.T, addr string, port uint16) *wire.IPv4Packet {
	t.Helper()
	src, err := wire.NewEndpoint("10.0.0.5", 40000)
	if err != nil {
		t.Fatal(err)
	}
	dst, err := wire.NewEndpoint(addr, port)
	if err != nil {
		t.Fatal(err)
	}
	raw := wire.BuildUDPv4(src, dst, []byte("x"))
	pkt, err := wire.ParseIPv4(raw)
	if err != nil {
		t.Fatal(err)
	}
	return pkt
}

func TestFullFilterStrategy_ForwardsAllowedDropsOthers(t *testing.T) {
	a := allowlist.New()
	allowed, _ := wire.NewEndpoint("203.0.113.50", 51900)
	a.Add(allowed)

	strat := NewFullFilterStrategy(a)

	if d := strat.ShouldForward(udpPacketTo(t, "8.8.8.8", 53)); d.Verdict != Drop {
		t.Errorf("got %v, want Drop", d.Verdict)
	}

	for i := 0; i < 100; i++ {
		if d := strat.ShouldForward(udpPacketTo(t, "203.0.113.50", 51900)); d.Verdict != Forward {
			t.Fatalf("iteration %d: got %v, want Forward", i, d.Verdict)
		}
	}

	stats := strat.Stats()
	if stats.PacketsForwarded != 100 {
		t.Errorf("forwarded = %d, want 100", stats.PacketsForwarded)
	}
	if stats.PacketsDropped != 1 {
		t.Errorf("dropped = %d, want 1", stats.PacketsDropped)
	}
}

func TestConntrackStrategy_ChecksOncePerFlow(t *testing.T) {
	a := allowlist.New()
	allowed, _ := wire.NewEndpoint("10.99.0.1", 51900)
	a.Add(allowed)

	strat := NewConntrackStrategy(a, time.Minute)

	// First packet to a forbidden destination: checked once, terminated.
	d := strat.ShouldForward(udpPacketTo(t, "8.8.8.8", 53))
	if d.Verdict != Terminate {
		t.Fatalf("first packet: got %v, want Terminate", d.Verdict)
	}

	stats := strat.Stats()
	if stats.AllowlistChecks != 1 {
		t.Fatalf("allowlist checks = %d, want 1", stats.AllowlistChecks)
	}

	// Subsequent packets on the same flow keep terminating without
	// re-checking the allowlist.
	for i := 0; i < 5; i++ {
		d := strat.ShouldForward(udpPacketTo(t, "8.8.8.8", 53))
		if d.Verdict != Terminate {
			t.Fatalf("repeat packet %d: got %v, want Terminate", i, d.Verdict)
		}
	}

	stats = strat.Stats()
	if stats.AllowlistChecks != 1 {
		t.Errorf("allowlist checks after repeats = %d, want still 1", stats.AllowlistChecks)
	}
	if stats.FastPathHits != 5 {
		t.Errorf("fast path hits = %d, want 5", stats.FastPathHits)
	}
}

func TestConntrackStrategy_AllowedFlowFastPathForwards(t *testing.T) {
	a := allowlist.New()
	allowed, _ := wire.NewEndpoint("203.0.113.50", 51900)
	a.Add(allowed)

	strat := NewConntrackStrategy(a, time.Minute)

	for i := 0; i < 3; i++ {
		d := strat.ShouldForward(udpPacketTo(t, "203.0.113.50", 51900))
		if d.Verdict != Forward {
			t.Fatalf("packet %d: got %v, want Forward", i, d.Verdict)
		}
	}
	if got := strat.Stats().AllowlistChecks; got != 1 {
		t.Errorf("allowlist checks = %d, want 1", got)
	}
}

func TestConntrackStrategy_ExpiresAndRechecks(t *testing.T) {
	a := allowlist.New()
	strat := NewConntrackStrategy(a, time.Millisecond)

	strat.ShouldForward(udpPacketTo(t, "8.8.8.8", 53))
	time.Sleep(5 * time.Millisecond)
	strat.ShouldForward(udpPacketTo(t, "8.8.8.8", 53))

	if got := strat.Stats().AllowlistChecks; got != 2 {
		t.Errorf("allowlist checks = %d, want 2 (flow should have expired)", got)
	}
}

func TestSampledStrategy_TerminatesOnSampledViolation(t *testing.T) {
	a := allowlist.New()
	allowed, _ := wire.NewEndpoint("203.0.113.50", 51900)
	a.Add(allowed)

	strat := NewSampledStrategy(a, 1.0) // always sample, deterministic for the test

	sawTerminate := false
	for i := 0; i < 20; i++ {
		d := strat.ShouldForward(udpPacketTo(t, "8.8.8.8", 53))
		if d.Verdict == Terminate {
			sawTerminate = true
			break
		}
	}
	if !sawTerminate {
		t.Fatal("expected at least one Terminate decision with sampleRate=1.0 against a disallowed destination")
	}
}

func TestSampledStrategy_NeverChecksAtZeroRate(t *testing.T) {
	a := allowlist.New()
	strat := NewSampledStrategy(a, 0.0)

	for i := 0; i < 50; i++ {
		d := strat.ShouldForward(udpPacketTo(t, "8.8.8.8", 53))
		if d.Verdict != Forward {
			t.Fatalf("packet %d: got %v, want Forward (rate 0 never samples)", i, d.Verdict)
		}
	}
	if got := strat.Stats().PacketsChecked; got != 0 {
		t.Errorf("packets checked = %d, want 0", got)
	}
}

func TestAllowlist_EmptyBlocksAll(t *testing.T) {
	a := allowlist.New()
	if !a.IsEmpty() {
		t.Fatal("new allowlist should be empty")
	}
	if a.IsAllowed("203.0.113.50", 51900) {
		t.Fatal("empty allowlist must block all endpoints")
	}
}
