package wire

import (
	"encoding/binary"
	"fmt"
)

// EtherType identifies the payload protocol of an Ethernet frame.
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
	EtherTypeIPv6 EtherType = 0x86DD
)

// MACAddr is a 6-byte hardware address.
type MACAddr [6]byte

func (m MACAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsZero reports whether the address has never been learned.
func (m MACAddr) IsZero() bool {
	return m == MACAddr{}
}

// DefaultGatewayMAC is the locally-administered unicast address the bridge
// uses as the synthesized gateway's source MAC (spec.md §3 FramePacketBridge
// state: "a fixed gatewayMAC (default: locally-administered unicast)"). The
// 0x02 bit of the first octet marks it locally administered; clearing
// the multicast bit (0x01) keeps it unicast.
var DefaultGatewayMAC = MACAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

// EthernetFrame is a parsed Ethernet II frame.
type EthernetFrame struct {
	DstMAC    MACAddr
	SrcMAC    MACAddr
	EtherType EtherType
	Payload   []byte
}

// ParseEthernetFrame parses a raw Ethernet II frame. It does not validate
// the FCS (frame check sequence); callers receiving frames from a virtual
// NIC typically never see one.
func ParseEthernetFrame(data []byte) (*EthernetFrame, error) {
	const headerLen = 14
	if len(data) < headerLen {
		return nil, fmt.Errorf("wire: ethernet frame too short: %d bytes", len(data))
	}
	f := &EthernetFrame{
		EtherType: EtherType(binary.BigEndian.Uint16(data[12:14])),
		Payload:   data[headerLen:],
	}
	copy(f.DstMAC[:], data[0:6])
	copy(f.SrcMAC[:], data[6:12])
	return f, nil
}

// Bytes emits the frame back to its wire representation.
func (f *EthernetFrame) Bytes() []byte {
	buf := make([]byte, 14+len(f.Payload))
	copy(buf[0:6], f.DstMAC[:])
	copy(buf[6:12], f.SrcMAC[:])
	binary.BigEndian.PutUint16(buf[12:14], uint16(f.EtherType))
	copy(buf[14:], f.Payload)
	return buf
}
