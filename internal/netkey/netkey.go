// Package netkey implements the omerta://join/<base64url(JSON)> network
// key URL scheme (spec §6): the shareable invite that lets a new peer join
// an existing network.
package netkey

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const urlPrefix = "omerta://join/"

var (
	ErrWrongScheme     = errors.New("netkey: wrong scheme prefix")
	ErrMalformedBase64 = errors.New("netkey: malformed base64")
	ErrMalformedJSON   = errors.New("netkey: malformed json")
	ErrAlreadyJoined   = errors.New("netkey: alreadyJoined")
	ErrNotFound        = errors.New("netkey: notFound")
)

// NetworkKey is the decoded contents of a join URL.
type NetworkKey struct {
	NetworkKey     []byte    `json:"networkKey"`
	NetworkName    string    `json:"networkName"`
	BootstrapPeers []string  `json:"bootstrapPeers"`
	CreatedAt      time.Time `json:"createdAt"`
}

// wireForm is the JSON-on-the-wire shape: networkKey is base64 in JSON,
// and createdAt is ISO-8601, matching what encoding/json already produces
// for []byte (stdlib base64) and time.Time (RFC 3339, a profile of
// ISO-8601) — no custom marshaling needed for either.
type wireForm struct {
	NetworkKey     string   `json:"networkKey"`
	NetworkName    string   `json:"networkName"`
	BootstrapPeers []string `json:"bootstrapPeers"`
	CreatedAt      string   `json:"createdAt"`
}

// Encode renders k as an omerta://join/ URL.
func (k NetworkKey) Encode() (string, error) {
	w := wireForm{
		NetworkKey:     base64.StdEncoding.EncodeToString(k.NetworkKey),
		NetworkName:    k.NetworkName,
		BootstrapPeers: k.BootstrapPeers,
		CreatedAt:      k.CreatedAt.UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("netkey: marshal: %w", err)
	}
	return urlPrefix + base64.URLEncoding.EncodeToString(data), nil
}

// Decode parses an omerta://join/ URL, rejecting on wrong scheme prefix,
// malformed base64, or malformed JSON, per spec §6.
func Decode(url string) (NetworkKey, error) {
	if !strings.HasPrefix(url, urlPrefix) {
		return NetworkKey{}, ErrWrongScheme
	}

	encoded := strings.TrimPrefix(url, urlPrefix)
	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return NetworkKey{}, fmt.Errorf("%w: %v", ErrMalformedBase64, err)
	}

	var w wireForm
	if err := json.Unmarshal(data, &w); err != nil {
		return NetworkKey{}, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}

	keyBytes, err := base64.StdEncoding.DecodeString(w.NetworkKey)
	if err != nil {
		return NetworkKey{}, fmt.Errorf("%w: networkKey: %v", ErrMalformedBase64, err)
	}

	createdAt, err := time.Parse(time.RFC3339, w.CreatedAt)
	if err != nil {
		return NetworkKey{}, fmt.Errorf("%w: createdAt: %v", ErrMalformedJSON, err)
	}

	return NetworkKey{
		NetworkKey:     keyBytes,
		NetworkName:    w.NetworkName,
		BootstrapPeers: w.BootstrapPeers,
		CreatedAt:      createdAt,
	}, nil
}

// NetworkID derives the deterministic 16-hex-character (8-byte) identifier:
// hex(SHA-256(networkKey || networkName || sorted(bootstrapPeers)))[0:16],
// per spec §6. Two keys equal up to member equality (same key material,
// name, and peer set) always produce the same id.
func (k NetworkKey) NetworkID() string {
	peers := append([]string(nil), k.BootstrapPeers...)
	sort.Strings(peers)

	h := sha256.New()
	h.Write(k.NetworkKey)
	h.Write([]byte(k.NetworkName))
	for _, p := range peers {
		h.Write([]byte(p))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:16]
}

// Equal reports whether k and other describe the same network: equal
// networkId and member-wise equal bootstrap peer sets (NetworkID alone
// could theoretically collide; this is the authoritative comparison the
// testable property in spec §8 refers to).
func (k NetworkKey) Equal(other NetworkKey) bool {
	if k.NetworkID() != other.NetworkID() {
		return false
	}
	if string(k.NetworkKey) != string(other.NetworkKey) || k.NetworkName != other.NetworkName {
		return false
	}
	if len(k.BootstrapPeers) != len(other.BootstrapPeers) {
		return false
	}
	a := append([]string(nil), k.BootstrapPeers...)
	b := append([]string(nil), other.BootstrapPeers...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
