package filter

import (
	cryptorand "crypto/rand"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omerta-net/netcore/pkg/allowlist"
	"github.com/omerta-net/netcore/pkg/wire"
)

// SampledStrategy checks a packet against the allowlist with probability
// sampleRate; otherwise it forwards unchecked. A single disallowed sample
// is enough to terminate the flow: the strategy trades exhaustive coverage
// for near-zero per-packet cost, accepting that a violation will surface
// within a bounded number of packets rather than on the first one.
//
// The sampler is seeded from crypto/rand so a guest workload cannot predict
// which packets will be inspected (spec.md §4.3, §9).
type SampledStrategy struct {
	allowlist  *allowlist.Allowlist
	sampleRate float64

	mu  sync.Mutex
	rng *rand.Rand

	packetsChecked    atomic.Uint64
	packetsForwarded  atomic.Uint64
	packetsTerminated atomic.Uint64
}

// NewSampledStrategy creates a strategy sampling at the given rate (0..1).
func NewSampledStrategy(a *allowlist.Allowlist, sampleRate float64) *SampledStrategy {
	return &SampledStrategy{
		allowlist:  a,
		sampleRate: sampleRate,
		rng:        rand.New(cryptoSeededSource()),
	}
}

// cryptoSeededSource returns a math/rand/v2 ChaCha8 source seeded from
// crypto/rand. Every sample point is then drawn from a deterministic but
// unpredictable-to-the-guest stream, without paying a syscall per packet.
func cryptoSeededSource() rand.Source {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		// crypto/rand.Read on a supported platform does not fail; if it
		// somehow does, fall back to a time-derived seed rather than panic
		// mid-packet-path.
		return rand.NewPCG(uint64(time.Now().UnixNano()), 0)
	}
	return rand.NewChaCha8(seed)
}

// SampledStats is a point-in-time snapshot of SampledStrategy counters.
type SampledStats struct {
	PacketsChecked    uint64
	PacketsForwarded  uint64
	PacketsTerminated uint64
}

func (s *SampledStrategy) Stats() SampledStats {
	return SampledStats{
		PacketsChecked:    s.packetsChecked.Load(),
		PacketsForwarded:  s.packetsForwarded.Load(),
		PacketsTerminated: s.packetsTerminated.Load(),
	}
}

func (s *SampledStrategy) ShouldForward(pkt *wire.IPv4Packet) Decision {
	s.mu.Lock()
	sample := s.rng.Float64() < s.sampleRate
	s.mu.Unlock()

	if !sample {
		s.packetsForwarded.Add(1)
		return forward()
	}

	s.packetsChecked.Add(1)

	ep, ok := destEndpoint(pkt)
	if !ok {
		s.packetsTerminated.Add(1)
		return terminate(reasonNoPorts)
	}

	if s.allowlist.Contains(ep) {
		s.packetsForwarded.Add(1)
		return forward()
	}

	s.packetsTerminated.Add(1)
	return terminate(reasonNotAllowed)
}
