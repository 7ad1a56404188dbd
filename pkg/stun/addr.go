package stun

import (
	"net"
	"net/netip"
)

// netAddrFromIP converts a net.IP (as returned by pion/stun's
// XORMappedAddress) into a netip.Addr, preferring the 4-byte form for
// IPv4-mapped addresses so it compares equal to addresses built elsewhere
// via netip.ParseAddr.
func netAddrFromIP(ip net.IP) (netip.Addr, bool) {
	if v4 := ip.To4(); v4 != nil {
		return netip.AddrFrom4([4]byte(v4)), true
	}
	if v6 := ip.To16(); v6 != nil {
		return netip.AddrFrom16([16]byte(v6)), true
	}
	return netip.Addr{}, false
}
