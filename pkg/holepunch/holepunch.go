// Package holepunch implements coordinated simultaneous-open UDP hole
// punching between peers behind NATs, plus the role-selection table
// rendezvous uses to decide which side initiates.
package holepunch

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/omerta-net/netcore/pkg/stun"
	"github.com/omerta-net/netcore/pkg/wire"
)

// magic is the 8-byte tag every probe packet starts with, distinguishing
// hole-punch traffic from any other UDP datagram that might land on the
// same socket during negotiation.
var magic = [8]byte{'O', 'M', 'E', 'R', 'T', 'A', 'H', 'P'}

// Strategy is the role a side plays in a hole-punch attempt, selected by
// rendezvous from the pair of NAT classes per spec §4.7.
type Strategy string

const (
	StrategySimultaneous  Strategy = "simultaneous"
	StrategyYouInitiate   Strategy = "youInitiate"
	StrategyPeerInitiates Strategy = "peerInitiates"
	StrategyRelay         Strategy = "relay"
)

// SelectStrategies returns the (consumer, provider) strategies for a pair
// of NAT classes, per the table in spec §4.7.
func SelectStrategies(consumerNAT, providerNAT stun.NATType) (consumer, provider Strategy) {
	consumerSymmetric := consumerNAT == stun.NATSymmetric
	providerSymmetric := providerNAT == stun.NATSymmetric

	switch {
	case consumerSymmetric && providerSymmetric:
		return StrategyRelay, StrategyRelay
	case consumerSymmetric:
		return StrategyYouInitiate, StrategyPeerInitiates
	case providerSymmetric:
		return StrategyPeerInitiates, StrategyYouInitiate
	default:
		return StrategySimultaneous, StrategySimultaneous
	}
}

// Outcome is the terminal result of an Attempt.
type Outcome struct {
	Succeeded bool
	Endpoint  wire.Endpoint // actual observed endpoint, may differ from target
	Err       error
}

var (
	ErrTimeout = errors.New("holepunch: timed out waiting for echo")
)

// Config parameterizes a single Attempt.
type Config struct {
	// Target is the peer's reflexive endpoint as reported by rendezvous.
	Target wire.Endpoint
	// ProbeInterval is how often to resend probes while waiting for an echo.
	ProbeInterval time.Duration
	// Timeout bounds the entire attempt.
	Timeout time.Duration
	// Initiate controls whether this side sends its first probe
	// immediately (youInitiate/simultaneous). When false (peerInitiates)
	// the first probe goes out after one ProbeInterval; inbound probes are
	// echoed either way.
	Initiate bool
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 200 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// Attempt runs a hole-punch over conn, a UDP socket already bound to the
// local endpoint previously reported to rendezvous. It sends probes to
// cfg.Target at cfg.ProbeInterval, replies to any well-formed probe it
// receives with an echo, and succeeds on the first echo carrying a
// transaction ID it generated itself.
func Attempt(ctx context.Context, conn *net.UDPConn, cfg Config) Outcome {
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	txID, err := newTransactionID()
	if err != nil {
		return Outcome{Err: fmt.Errorf("holepunch: generate transaction id: %w", err)}
	}

	targetAddr, err := net.ResolveUDPAddr("udp4", cfg.Target.String())
	if err != nil {
		return Outcome{Err: fmt.Errorf("holepunch: resolve target: %w", err)}
	}

	result := make(chan Outcome, 1)
	go recvLoop(ctx, conn, txID, result)

	ticker := time.NewTicker(cfg.ProbeInterval)
	defer ticker.Stop()

	if cfg.Initiate {
		sendProbe(conn, targetAddr, txID)
	}

	for {
		select {
		case <-ctx.Done():
			return Outcome{Err: ErrTimeout}
		case out := <-result:
			return out
		case <-ticker.C:
			sendProbe(conn, targetAddr, txID)
		}
	}
}

func sendProbe(conn *net.UDPConn, addr *net.UDPAddr, txID [16]byte) {
	pkt := buildProbe(txID)
	if _, err := conn.WriteToUDP(pkt, addr); err != nil {
		slog.Debug("holepunch: probe send failed", "error", err)
	}
}

func recvLoop(ctx context.Context, conn *net.UDPConn, txID [16]byte, result chan<- Outcome) {
	buf := make([]byte, 64)
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		gotTxID, ok := parseProbe(buf[:n])
		if !ok {
			continue
		}

		// Echo every well-formed probe so the peer can complete its side
		// even if our own attempt already succeeded on an earlier packet.
		sendProbe(conn, from, gotTxID)

		if gotTxID == txID {
			actual := netEndpointFromUDPAddr(from)
			select {
			case result <- Outcome{Succeeded: true, Endpoint: actual}:
			default:
			}
			return
		}
	}
}

func buildProbe(txID [16]byte) []byte {
	out := make([]byte, 0, len(magic)+len(txID))
	out = append(out, magic[:]...)
	out = append(out, txID[:]...)
	return out
}

func parseProbe(data []byte) ([16]byte, bool) {
	var txID [16]byte
	if len(data) != len(magic)+16 {
		return txID, false
	}
	if [8]byte(data[:8]) != magic {
		return txID, false
	}
	copy(txID[:], data[8:])
	return txID, true
}

func newTransactionID() ([16]byte, error) {
	var id [16]byte
	_, err := rand.Read(id[:])
	return id, err
}

func netEndpointFromUDPAddr(addr *net.UDPAddr) wire.Endpoint {
	return wire.EndpointFromAddrPort(addr.AddrPort())
}
