// Package wire implements on-wire parsing and emission for the primitive
// byte layouts the network core passes between guest, host, and peers:
// IPv4/Ethernet packets and the (address, port) endpoints that anchor the
// allowlist and filtering layers. Nothing here performs I/O.
package wire

import (
	"fmt"
	"net/netip"
)

// Endpoint is a comparable (address, port) pair. It is hashable and usable
// directly as a map key, which the allowlist and flow-tracking layers rely on.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// NewEndpoint builds an Endpoint from dotted-quad/host string and a port.
func NewEndpoint(addr string, port uint16) (Endpoint, error) {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("wire: parse endpoint address %q: %w", addr, err)
	}
	return Endpoint{Addr: a, Port: port}, nil
}

// EndpointFromAddrPort converts a netip.AddrPort (the stdlib's own pair type)
// into an Endpoint.
func EndpointFromAddrPort(ap netip.AddrPort) Endpoint {
	return Endpoint{Addr: ap.Addr(), Port: ap.Port()}
}

// AddrPort returns the endpoint as a netip.AddrPort, e.g. for net.Dial.
func (e Endpoint) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(e.Addr, e.Port)
}

func (e Endpoint) String() string {
	return e.AddrPort().String()
}

// IsZero reports whether the endpoint has never been set.
func (e Endpoint) IsZero() bool {
	return !e.Addr.IsValid() && e.Port == 0
}
