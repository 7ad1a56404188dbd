package dht

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

func nanoToTime(ns uint64) time.Time {
	return time.Unix(0, int64(ns)).UTC()
}

// PacketKind tags a DHTPacket's payload.
type PacketKind uint8

const (
	KindPing PacketKind = iota
	KindPong
	KindFindNode
	KindFoundNodes
	KindStore
	KindFindValue
	KindFoundValue
	KindNotFound
)

// TransactionID is a random correlation id. Two packets constructed for
// identical content still have distinct ids, per spec §4.10.
type TransactionID [8]byte

func newTransactionID() (TransactionID, error) {
	var id TransactionID
	_, err := rand.Read(id[:])
	return id, err
}

// DHTPacket is the compact tagged wire format for every DHT message.
type DHTPacket struct {
	TxID TransactionID
	Kind PacketKind

	// findNode / findValue
	Target Key

	// foundNodes
	Nodes []NodeInfo

	// store / foundValue
	Announcement *PeerAnnouncement
}

// NewPacket builds a packet of the given kind with a fresh transaction id.
func NewPacket(kind PacketKind) (*DHTPacket, error) {
	id, err := newTransactionID()
	if err != nil {
		return nil, fmt.Errorf("dht: generate transaction id: %w", err)
	}
	return &DHTPacket{TxID: id, Kind: kind}, nil
}

// Encode serializes p to the compact tagged wire format:
//
//	[8 bytes txid][1 byte kind][kind-specific payload]
func (p *DHTPacket) Encode() ([]byte, error) {
	out := make([]byte, 0, 64)
	out = append(out, p.TxID[:]...)
	out = append(out, byte(p.Kind))

	switch p.Kind {
	case KindPing, KindPong:
		// no payload

	case KindFindNode, KindFindValue:
		out = append(out, p.Target[:]...)

	case KindFoundNodes:
		out = binary.BigEndian.AppendUint16(out, uint16(len(p.Nodes)))
		for _, n := range p.Nodes {
			out = append(out, n.ID[:]...)
			addrBytes := []byte(n.Addr)
			out = binary.BigEndian.AppendUint16(out, uint16(len(addrBytes)))
			out = append(out, addrBytes...)
			out = binary.BigEndian.AppendUint16(out, n.Port)
		}

	case KindStore, KindFoundValue:
		if p.Announcement == nil {
			return nil, fmt.Errorf("dht: encode %v: missing announcement", p.Kind)
		}
		encoded, err := encodeAnnouncement(*p.Announcement)
		if err != nil {
			return nil, err
		}
		out = append(out, encoded...)

	case KindNotFound:
		// no payload

	default:
		return nil, fmt.Errorf("dht: encode: unknown packet kind %d", p.Kind)
	}

	return out, nil
}

// DecodePacket parses a packet from its wire form.
func DecodePacket(data []byte) (*DHTPacket, error) {
	if len(data) < 9 {
		return nil, fmt.Errorf("dht: packet too short: %d bytes", len(data))
	}

	p := &DHTPacket{}
	copy(p.TxID[:], data[0:8])
	p.Kind = PacketKind(data[8])
	rest := data[9:]

	switch p.Kind {
	case KindPing, KindPong, KindNotFound:
		// no payload

	case KindFindNode, KindFindValue:
		if len(rest) < KeyLen {
			return nil, fmt.Errorf("dht: truncated target key")
		}
		copy(p.Target[:], rest[:KeyLen])

	case KindFoundNodes:
		nodes, err := decodeNodes(rest)
		if err != nil {
			return nil, err
		}
		p.Nodes = nodes

	case KindStore, KindFoundValue:
		ann, err := decodeAnnouncement(rest)
		if err != nil {
			return nil, err
		}
		p.Announcement = ann

	default:
		return nil, fmt.Errorf("dht: unknown packet kind %d", p.Kind)
	}

	return p, nil
}

func decodeNodes(data []byte) ([]NodeInfo, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("dht: truncated node count")
	}
	count := binary.BigEndian.Uint16(data[0:2])
	data = data[2:]

	nodes := make([]NodeInfo, 0, count)
	for i := uint16(0); i < count; i++ {
		if len(data) < KeyLen+2 {
			return nil, fmt.Errorf("dht: truncated node entry %d", i)
		}
		var n NodeInfo
		copy(n.ID[:], data[:KeyLen])
		data = data[KeyLen:]

		addrLen := binary.BigEndian.Uint16(data[0:2])
		data = data[2:]
		if len(data) < int(addrLen)+2 {
			return nil, fmt.Errorf("dht: truncated node address %d", i)
		}
		n.Addr = string(data[:addrLen])
		data = data[addrLen:]
		n.Port = binary.BigEndian.Uint16(data[0:2])
		data = data[2:]

		nodes = append(nodes, n)
	}
	return nodes, nil
}

func encodeAnnouncement(a PeerAnnouncement) ([]byte, error) {
	out := make([]byte, 0, 128)
	peerIDBytes := []byte(a.PeerID)
	out = binary.BigEndian.AppendUint16(out, uint16(len(peerIDBytes)))
	out = append(out, peerIDBytes...)

	out = binary.BigEndian.AppendUint16(out, uint16(len(a.PublicKey)))
	out = append(out, a.PublicKey...)

	addrBytes := []byte(a.Addr)
	out = binary.BigEndian.AppendUint16(out, uint16(len(addrBytes)))
	out = append(out, addrBytes...)

	out = binary.BigEndian.AppendUint16(out, a.Port)

	out = binary.BigEndian.AppendUint16(out, uint16(len(a.SignalingAddresses)))
	for _, addr := range a.SignalingAddresses {
		addrBytes := []byte(addr)
		out = binary.BigEndian.AppendUint16(out, uint16(len(addrBytes)))
		out = append(out, addrBytes...)
	}

	out = binary.BigEndian.AppendUint16(out, uint16(len(a.Capabilities)))
	for _, capability := range a.Capabilities {
		capBytes := []byte(capability)
		out = binary.BigEndian.AppendUint16(out, uint16(len(capBytes)))
		out = append(out, capBytes...)
	}

	out = binary.BigEndian.AppendUint64(out, uint64(a.Timestamp.UnixNano()))
	out = binary.BigEndian.AppendUint64(out, uint64(a.TTL))

	out = binary.BigEndian.AppendUint16(out, uint16(len(a.Signature)))
	out = append(out, a.Signature...)

	return out, nil
}

func decodeAnnouncement(data []byte) (*PeerAnnouncement, error) {
	a := &PeerAnnouncement{}

	read := func(n int) ([]byte, error) {
		if len(data) < n {
			return nil, fmt.Errorf("dht: truncated announcement")
		}
		b := data[:n]
		data = data[n:]
		return b, nil
	}
	readUint16 := func() (uint16, error) {
		b, err := read(2)
		if err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint16(b), nil
	}

	peerIDLen, err := readUint16()
	if err != nil {
		return nil, err
	}
	peerIDBytes, err := read(int(peerIDLen))
	if err != nil {
		return nil, err
	}
	a.PeerID = string(peerIDBytes)

	pubKeyLen, err := readUint16()
	if err != nil {
		return nil, err
	}
	pubKeyBytes, err := read(int(pubKeyLen))
	if err != nil {
		return nil, err
	}
	a.PublicKey = append([]byte(nil), pubKeyBytes...)

	addrLen, err := readUint16()
	if err != nil {
		return nil, err
	}
	addrBytes, err := read(int(addrLen))
	if err != nil {
		return nil, err
	}
	a.Addr = string(addrBytes)

	port, err := readUint16()
	if err != nil {
		return nil, err
	}
	a.Port = port

	readStringList := func() ([]string, error) {
		count, err := readUint16()
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, count)
		for i := uint16(0); i < count; i++ {
			itemLen, err := readUint16()
			if err != nil {
				return nil, err
			}
			itemBytes, err := read(int(itemLen))
			if err != nil {
				return nil, err
			}
			out = append(out, string(itemBytes))
		}
		return out, nil
	}

	a.SignalingAddresses, err = readStringList()
	if err != nil {
		return nil, err
	}
	a.Capabilities, err = readStringList()
	if err != nil {
		return nil, err
	}

	tsBytes, err := read(8)
	if err != nil {
		return nil, err
	}
	a.Timestamp = nanoToTime(binary.BigEndian.Uint64(tsBytes))

	ttlBytes, err := read(8)
	if err != nil {
		return nil, err
	}
	a.TTL = time.Duration(binary.BigEndian.Uint64(ttlBytes))

	sigLen, err := readUint16()
	if err != nil {
		return nil, err
	}
	sigBytes, err := read(int(sigLen))
	if err != nil {
		return nil, err
	}
	a.Signature = append([]byte(nil), sigBytes...)

	return a, nil
}
