// Package dht implements a Kademlia-style distributed hash table over a
// 160-bit keyspace (SHA-1 of the peer id), used as the mesh's peer-lookup
// path alongside rendezvous. The bucket shape follows the k-bucket model
// go-libp2p-kbucket implements for libp2p's DHT, reworked for the 20-byte
// SHA-1 keyspace this network uses instead of libp2p's 256-bit keys.
package dht

import (
	"bytes"
	"time"
)

// KeyLen is the key length in bytes: SHA-1 output.
const KeyLen = 20

// Key is a 160-bit DHT key, derived from SHA-1 of a peer id. Announcements
// are keyed by their author's peer id the same way.
type Key [KeyLen]byte

// DefaultBucketSize is k, the maximum number of entries per bucket.
const DefaultBucketSize = 20

// NodeInfo is a routing-table entry.
type NodeInfo struct {
	ID       Key
	Addr     string
	Port     uint16
	LastSeen time.Time
}

// XORDistance returns a XOR of a and b. It is itself a valid Key in the
// same keyspace.
func XORDistance(a, b Key) Key {
	var d Key
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// bucketIndex returns the index of the highest set bit of d, i.e. the
// k-bucket a node at XOR distance d from the local node belongs in.
// Distance zero (identical keys) has no defined bucket and returns -1.
func bucketIndex(d Key) int {
	for byteIdx, b := range d {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(0x80>>bit) != 0 {
				return (KeyLen-1-byteIdx)*8 + (7 - bit)
			}
		}
	}
	return -1
}

// KBucket holds up to Size nodes at a given distance range from the local
// node, ordered least-recently-seen first (front) to most-recently-seen
// (back) — the classic Kademlia LRU eviction order.
type KBucket struct {
	Size  int
	nodes []NodeInfo
}

// NewKBucket creates an empty bucket of the given size (DefaultBucketSize
// if size <= 0).
func NewKBucket(size int) *KBucket {
	if size <= 0 {
		size = DefaultBucketSize
	}
	return &KBucket{Size: size}
}

// AddOrUpdate implements the addOrUpdate semantics from spec §4.10: if the
// node is already present, move it to the back (most-recently-seen); if
// absent and the bucket has room, append it; if absent and the bucket is
// full, return the oldest entry as an eviction candidate without adding
// the new node — the caller is expected to ping the candidate and evict it
// only if it fails to respond.
func (b *KBucket) AddOrUpdate(n NodeInfo) (evictionCandidate *NodeInfo) {
	for i, existing := range b.nodes {
		if existing.ID == n.ID {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			n.LastSeen = time.Now()
			b.nodes = append(b.nodes, n)
			return nil
		}
	}

	if len(b.nodes) < b.Size {
		n.LastSeen = time.Now()
		b.nodes = append(b.nodes, n)
		return nil
	}

	oldest := b.nodes[0]
	return &oldest
}

// Evict removes the node with the given ID, if present.
func (b *KBucket) Evict(id Key) bool {
	for i, n := range b.nodes {
		if n.ID == id {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			return true
		}
	}
	return false
}

// Nodes returns a copy of the bucket's entries, oldest first.
func (b *KBucket) Nodes() []NodeInfo {
	out := make([]NodeInfo, len(b.nodes))
	copy(out, b.nodes)
	return out
}

// Len returns the number of entries currently in the bucket.
func (b *KBucket) Len() int {
	return len(b.nodes)
}

// RoutingTable is KeyLen*8 KBuckets indexed by XOR-distance bit length from
// localID.
type RoutingTable struct {
	localID    Key
	bucketSize int
	buckets    [KeyLen * 8]*KBucket
}

// NewRoutingTable creates a routing table centered on localID.
func NewRoutingTable(localID Key, bucketSize int) *RoutingTable {
	rt := &RoutingTable{localID: localID, bucketSize: bucketSize}
	for i := range rt.buckets {
		rt.buckets[i] = NewKBucket(bucketSize)
	}
	return rt
}

// AddOrUpdate routes n into the bucket matching its distance from the
// local id, delegating to that bucket's AddOrUpdate.
func (rt *RoutingTable) AddOrUpdate(n NodeInfo) (evictionCandidate *NodeInfo) {
	if n.ID == rt.localID {
		return nil
	}
	idx := bucketIndex(XORDistance(rt.localID, n.ID))
	if idx < 0 {
		return nil
	}
	return rt.buckets[idx].AddOrUpdate(n)
}

// Evict removes id from whichever bucket holds it.
func (rt *RoutingTable) Evict(id Key) bool {
	idx := bucketIndex(XORDistance(rt.localID, id))
	if idx < 0 {
		return false
	}
	return rt.buckets[idx].Evict(id)
}

// FindNode returns up to k nodes closest to target, sorted by ascending
// XOR distance.
func (rt *RoutingTable) FindNode(target Key, k int) []NodeInfo {
	var all []NodeInfo
	for _, b := range rt.buckets {
		all = append(all, b.Nodes()...)
	}

	sortByDistance(all, target)

	if k > 0 && k < len(all) {
		all = all[:k]
	}
	return all
}

func sortByDistance(nodes []NodeInfo, target Key) {
	// Insertion sort: routing tables are small (bounded by bucket count *
	// bucket size), so O(n^2) is fine and avoids pulling in sort.Slice's
	// reflection-based comparator for a handful of elements.
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0; j-- {
			di := XORDistance(nodes[j].ID, target)
			dj := XORDistance(nodes[j-1].ID, target)
			if bytes.Compare(di[:], dj[:]) < 0 {
				nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
			} else {
				break
			}
		}
	}
}
