package dht

import (
	"crypto/ed25519"
	"crypto/sha1"
	"fmt"
	"time"
)

// PeerAnnouncement is a signed record a peer publishes to the DHT so other
// peers can look up how to reach it. dhtKey is derived identically to node
// IDs (SHA-1 of PeerID) so announcements cluster near their author in the
// keyspace, per spec §4.10.
type PeerAnnouncement struct {
	PeerID    string
	PublicKey ed25519.PublicKey
	Addr      string
	Port      uint16

	// SignalingAddresses lists every multiaddr this peer can be reached
	// or rendezvoused on (mesh listen addresses, relay addresses),
	// beyond the primary Addr/Port pair.
	SignalingAddresses []string

	// Capabilities advertises what this peer can do (e.g. "provider",
	// "gpu", the VM egress modes it supports), so lookups can filter
	// candidates before connecting.
	Capabilities []string

	Timestamp time.Time

	// TTL is how long after Timestamp this announcement stays valid.
	// Stores expire it using Timestamp+TTL rather than their own local
	// receipt time, so the announcer controls its own freshness window.
	TTL time.Duration

	Signature []byte
}

// DeriveKey computes the DHT key for a peer id: SHA-1(peerID).
func DeriveKey(peerID string) Key {
	sum := sha1.Sum([]byte(peerID))
	return Key(sum)
}

// DHTKey returns the key this announcement is stored under.
func (a PeerAnnouncement) DHTKey() Key {
	return DeriveKey(a.PeerID)
}

// signedPayload returns the byte sequence the signature covers: every
// field except the signature itself, in a fixed order so sign and verify
// always agree on what was signed.
func (a PeerAnnouncement) signedPayload() []byte {
	buf := make([]byte, 0, len(a.PeerID)+len(a.Addr)+32)
	buf = append(buf, a.PeerID...)
	buf = append(buf, a.Addr...)
	buf = appendUint16(buf, a.Port)
	for _, addr := range a.SignalingAddresses {
		buf = append(buf, addr...)
	}
	for _, capability := range a.Capabilities {
		buf = append(buf, capability...)
	}
	buf = appendInt64(buf, a.Timestamp.UnixNano())
	buf = appendInt64(buf, int64(a.TTL))
	return buf
}

// ExpiresAt returns the instant after which this announcement is stale.
func (a PeerAnnouncement) ExpiresAt() time.Time {
	return a.Timestamp.Add(a.TTL)
}

func appendUint16(buf []byte, v uint16) []byte {
	return append(buf, byte(v>>8), byte(v))
}

func appendInt64(buf []byte, v int64) []byte {
	for i := 7; i >= 0; i-- {
		buf = append(buf, byte(v>>(8*i)))
	}
	return buf
}

// Sign signs a with priv, setting a.Signature. priv must correspond to
// a.PublicKey.
func (a *PeerAnnouncement) Sign(priv ed25519.PrivateKey) {
	a.Signature = ed25519.Sign(priv, a.signedPayload())
}

// Verify reports whether a's signature validates against its own embedded
// public key. store (§4.10) only accepts announcements that pass this
// check.
func (a PeerAnnouncement) Verify() error {
	if len(a.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("dht: announcement for %s has invalid public key length %d", a.PeerID, len(a.PublicKey))
	}
	if !ed25519.Verify(a.PublicKey, a.signedPayload(), a.Signature) {
		return fmt.Errorf("dht: announcement for %s failed signature verification", a.PeerID)
	}
	return nil
}
