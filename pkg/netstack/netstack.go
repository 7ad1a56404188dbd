// Package netstack defines the contract between a tunnel session's
// trafficExit role and a userspace TCP/IP stack: inject raw IP packets
// coming from the peer, receive raw IP packets the stack wants to emit,
// and dial outbound TCP connections from inside the stack. The core does
// not implement a network stack itself (spec.md §4.5, §1 Non-goals); this
// package is the external-collaborator boundary plus one reference
// implementation grounded on gVisor's userspace stack.
package netstack

import (
	"context"
	"net"
)

// Config configures a Bridge at Start.
type Config struct {
	// GatewayCIDR is the address (with prefix length) the stack presents
	// as its own network-side identity, e.g. "10.200.0.1/24" for the
	// trafficExit role per spec.md §4.12.
	GatewayCIDR string
	MTU         int
}

// ReturnFunc is invoked once per IP packet the stack wants to send back
// toward the peer (trafficExit -> tunnel-return, or a local dialer's
// outbound packets -> tunnel-traffic, depending on role).
type ReturnFunc func(ipPacket []byte)

// Bridge is a userspace TCP/IP stack: accept raw IP packets addressed to
// it, emit raw IP packets it originates or forwards, and support dialing
// out over TCP from inside the stack (used by the trafficClient role to
// let the local machine's applications reach the tunnel).
type Bridge interface {
	// Start reserves resources (NIC, routing table, protocol stacks) and
	// begins delivering packets produced by the stack to onReturn.
	Start(ctx context.Context, cfg Config, onReturn ReturnFunc) error

	// InjectPacket hands a raw IP packet to the stack, as if received on
	// its network interface. Best-effort: under backpressure the stack
	// may drop the packet and log a warning rather than block.
	InjectPacket(ipPacket []byte) error

	// DialTCP opens an outbound TCP connection originating inside the
	// stack, routed the same way any other stack-originated traffic is.
	DialTCP(ctx context.Context, host string, port uint16) (net.Conn, error)

	// Stop frees all resources. Idempotent.
	Stop() error
}
