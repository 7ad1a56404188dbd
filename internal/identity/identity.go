package identity

import (
	"fmt"
	"os"
	"runtime"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Identity is this machine's durable keypair and derived peer id. The same
// Ed25519 key underlies both the mesh peer id (libp2p's standard
// peer.IDFromPrivateKey derivation) and the DHT node id / PeerAnnouncement
// signatures pkg/dht uses, so every identity-bearing layer of the network
// core agrees on who a machine is.
type Identity struct {
	PrivateKey crypto.PrivKey
	PublicKey  crypto.PubKey
	PeerID     peer.ID
}

// CheckKeyFilePermissions verifies that a key file is not readable by group or others.
func CheckKeyFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil // Windows file permissions work differently
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("identity: cannot stat key file %s: %w", path, err)
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("identity: key file %s has insecure permissions %04o (expected 0600); fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// LoadOrCreate loads an existing identity from path or creates and
// persists a new one.
func LoadOrCreate(path string) (*Identity, error) {
	if data, err := os.ReadFile(path); err == nil {
		if err := CheckKeyFilePermissions(path); err != nil {
			return nil, err
		}
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("identity: failed to unmarshal key from %s: %w", path, err)
		}
		return fromPrivateKey(priv)
	}

	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to generate keypair: %w", err)
	}

	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("identity: failed to save key to %s: %w", path, err)
	}

	return fromPrivateKey(priv)
}

func fromPrivateKey(priv crypto.PrivKey) (*Identity, error) {
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to derive peer ID: %w", err)
	}
	return &Identity{PrivateKey: priv, PublicKey: priv.GetPublic(), PeerID: id}, nil
}

// Ed25519PrivateKey extracts the raw Ed25519 private key bytes, for
// components (pkg/dht's announcement signing) that work with
// crypto/ed25519 directly rather than libp2p's crypto.PrivKey wrapper.
func (id *Identity) Ed25519PrivateKey() ([]byte, error) {
	raw, err := id.PrivateKey.Raw()
	if err != nil {
		return nil, fmt.Errorf("identity: extract raw private key: %w", err)
	}
	return raw, nil
}

// Ed25519PublicKey extracts the raw Ed25519 public key bytes.
func (id *Identity) Ed25519PublicKey() ([]byte, error) {
	raw, err := id.PublicKey.Raw()
	if err != nil {
		return nil, fmt.Errorf("identity: extract raw public key: %w", err)
	}
	return raw, nil
}
