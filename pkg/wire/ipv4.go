package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// IPv4Protocol is the IPv4 header protocol field (RFC 790).
type IPv4Protocol uint8

const (
	ProtocolICMP IPv4Protocol = 1
	ProtocolTCP  IPv4Protocol = 6
	ProtocolUDP  IPv4Protocol = 17
)

// HasPorts reports whether the protocol carries a 16-bit source/destination
// port pair at the start of its payload (true only for TCP and UDP).
func (p IPv4Protocol) HasPorts() bool {
	return p == ProtocolTCP || p == ProtocolUDP
}

func (p IPv4Protocol) String() string {
	switch p {
	case ProtocolICMP:
		return "ICMP"
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// IPv4Packet is a parsed view over an IPv4 datagram. It never copies the
// payload beyond what Raw already holds; UDPPayload is a sub-slice of Raw.
type IPv4Packet struct {
	Version      uint8
	IHL          uint8 // header length in 32-bit words, >= 5
	Protocol     IPv4Protocol
	Src          netip.Addr
	Dst          netip.Addr
	HeaderLength int // bytes = IHL*4

	SourcePort      *uint16 // non-nil iff Protocol.HasPorts()
	DestinationPort *uint16

	UDPPayload []byte // non-nil iff Protocol == UDP and enough bytes follow the UDP header

	Raw []byte // the full parsed datagram, as given to ParseIPv4
}

// ParseIPv4 parses an IPv4 datagram with strict length checks. It rejects
// truncated headers, non-IPv4 versions, and an IHL below the minimum.
func ParseIPv4(data []byte) (*IPv4Packet, error) {
	if len(data) < 20 {
		return nil, fmt.Errorf("wire: ipv4 packet too short: %d bytes", len(data))
	}

	versionIHL := data[0]
	version := versionIHL >> 4
	ihl := versionIHL & 0x0f

	if version != 4 {
		return nil, fmt.Errorf("wire: not an ipv4 packet: version=%d", version)
	}
	if ihl < 5 {
		return nil, fmt.Errorf("wire: invalid ipv4 IHL: %d", ihl)
	}

	headerLen := int(ihl) * 4
	if len(data) < headerLen {
		return nil, fmt.Errorf("wire: truncated ipv4 header: have %d, need %d", len(data), headerLen)
	}

	totalLen := int(binary.BigEndian.Uint16(data[2:4]))
	if totalLen > 0 && totalLen > len(data) {
		return nil, fmt.Errorf("wire: truncated ipv4 payload: total length %d exceeds %d available bytes", totalLen, len(data))
	}
	// Use the declared total length when sane, else fall back to what we have.
	end := len(data)
	if totalLen >= headerLen && totalLen <= len(data) {
		end = totalLen
	}
	raw := data[:end]

	proto := IPv4Protocol(raw[9])
	src := netip.AddrFrom4([4]byte(raw[12:16]))
	dst := netip.AddrFrom4([4]byte(raw[16:20]))

	pkt := &IPv4Packet{
		Version:      version,
		IHL:          ihl,
		Protocol:     proto,
		Src:          src,
		Dst:          dst,
		HeaderLength: headerLen,
		Raw:          raw,
	}

	if proto.HasPorts() && len(raw) >= headerLen+4 {
		sp := binary.BigEndian.Uint16(raw[headerLen : headerLen+2])
		dp := binary.BigEndian.Uint16(raw[headerLen+2 : headerLen+4])
		pkt.SourcePort = &sp
		pkt.DestinationPort = &dp
	}

	if proto == ProtocolUDP && len(raw) >= headerLen+8 {
		pkt.UDPPayload = raw[headerLen+8:]
	}

	return pkt, nil
}

// udpChecksumPolicy controls whether synthesized packets carry a real
// checksum or the documented zero placeholder. Fixed at compile time: the
// core always recomputes, so guests that validate checksums still accept
// synthesized responses (spec.md §4.4 edge cases; implementations must
// pick one policy and apply it uniformly).
const recomputeChecksums = true

// BuildUDPv4 emits a minimal IPv4+UDP datagram carrying payload, matching
// the layout ParseIPv4/BuildUDPv4 round-trip on src/dst/payload.
func BuildUDPv4(src, dst Endpoint, payload []byte) []byte {
	const ipHeaderLen = 20
	const udpHeaderLen = 8

	udpLen := udpHeaderLen + len(payload)
	totalLen := ipHeaderLen + udpLen

	buf := make([]byte, totalLen)

	buf[0] = 0x45 // version 4, IHL 5
	buf[1] = 0    // DSCP/ECN
	binary.BigEndian.PutUint16(buf[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(buf[4:6], 0) // identification
	binary.BigEndian.PutUint16(buf[6:8], 0x4000) // flags: don't fragment
	buf[8] = 64                                   // TTL
	buf[9] = byte(ProtocolUDP)
	// checksum at [10:12] filled below
	srcBytes := src.Addr.As4()
	dstBytes := dst.Addr.As4()
	copy(buf[12:16], srcBytes[:])
	copy(buf[16:20], dstBytes[:])

	udp := buf[ipHeaderLen:]
	binary.BigEndian.PutUint16(udp[0:2], src.Port)
	binary.BigEndian.PutUint16(udp[2:4], dst.Port)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	// udp checksum at [6:8] left zero: optional over IPv4 per RFC 768

	copy(udp[8:], payload)

	if recomputeChecksums {
		binary.BigEndian.PutUint16(buf[10:12], ipv4HeaderChecksum(buf[:ipHeaderLen]))
	}

	return buf
}

// ipv4HeaderChecksum computes the standard IPv4 header checksum (RFC 791)
// over a header with the checksum field itself zeroed.
func ipv4HeaderChecksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i < len(header); i += 2 {
		if i == 10 {
			continue // checksum field itself
		}
		sum += uint32(binary.BigEndian.Uint16(header[i : i+2]))
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
