package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/omerta-net/netcore/internal/netkey"
)

// NetworkEntry is one persisted network membership record, written to
// networks.json alongside the join URL it was created from.
type NetworkEntry struct {
	NetworkID      string    `json:"networkId"`
	NetworkName    string    `json:"networkName"`
	NetworkKey     []byte    `json:"networkKey"`
	BootstrapPeers []string  `json:"bootstrapPeers"`
	JoinedAt       time.Time `json:"joinedAt"`
}

// NetworksFile is the on-disk shape of networks.json: the set of
// networks this machine has joined, keyed by networkId.
type NetworksFile struct {
	Networks map[string]NetworkEntry `json:"networks"`
}

// LoadNetworksFile reads networks.json from path. A missing file is not
// an error — it returns an empty NetworksFile, matching first-run
// behavior. Entries that fail to unmarshal individually are skipped
// with a warning rather than failing the whole load.
func LoadNetworksFile(path string) (*NetworksFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &NetworksFile{Networks: make(map[string]NetworkEntry)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("networks: read %s: %w", path, err)
	}

	var raw struct {
		Networks map[string]json.RawMessage `json:"networks"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("networks: parse %s: %w", path, err)
	}

	nf := &NetworksFile{Networks: make(map[string]NetworkEntry, len(raw.Networks))}
	for id, msg := range raw.Networks {
		var entry NetworkEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			slog.Warn("networks: skipping malformed entry", "networkId", id, "error", err)
			continue
		}
		nf.Networks[id] = entry
	}
	return nf, nil
}

// Save writes the networks file atomically (temp file + rename).
func (nf *NetworksFile) Save(path string) error {
	data, err := json.MarshalIndent(nf, "", "  ")
	if err != nil {
		return fmt.Errorf("networks: marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("networks: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("networks: rename: %w", err)
	}
	return nil
}

// Join records a new network membership derived from a decoded join
// key, returning ErrAlreadyJoined if networkId is already present.
func (nf *NetworksFile) Join(key netkey.NetworkKey) (NetworkEntry, error) {
	id := key.NetworkID()
	if _, exists := nf.Networks[id]; exists {
		return NetworkEntry{}, netkey.ErrAlreadyJoined
	}

	entry := NetworkEntry{
		NetworkID:      id,
		NetworkName:    key.NetworkName,
		NetworkKey:     key.NetworkKey,
		BootstrapPeers: key.BootstrapPeers,
		JoinedAt:       time.Now().UTC(),
	}
	nf.Networks[id] = entry
	return entry, nil
}

// Leave removes a network membership, returning ErrNotFound if it isn't present.
func (nf *NetworksFile) Leave(networkID string) error {
	if _, exists := nf.Networks[networkID]; !exists {
		return netkey.ErrNotFound
	}
	delete(nf.Networks, networkID)
	return nil
}
