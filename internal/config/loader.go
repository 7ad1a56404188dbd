package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/omerta-net/netcore/internal/validate"
)

// checkConfigFilePermissions rejects a config file that has any group or
// other permission bit set. Config files may reference key file paths and
// network topology. A file that cannot be stat'ed passes this check.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// LoadProviderConfig loads provider configuration from a YAML file.
func LoadProviderConfig(path string) (*ProviderConfig, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg ProviderConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade netcore", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	applyVMNetDefaults(&cfg.VMNet)
	applyRendezvousDefaults(&cfg.Rendezvous)

	if cfg.Discovery.Network != "" {
		if err := validate.NetworkName(cfg.Discovery.Network); err != nil {
			return nil, fmt.Errorf("discovery.network: %w", err)
		}
	}

	return &cfg, nil
}

// LoadConsumerConfig loads consumer configuration from a YAML file.
func LoadConsumerConfig(path string) (*ConsumerConfig, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg ConsumerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyRendezvousDefaults(&cfg.Rendezvous)

	if cfg.Discovery.Network != "" {
		if err := validate.NetworkName(cfg.Discovery.Network); err != nil {
			return nil, fmt.Errorf("discovery.network: %w", err)
		}
	}

	return &cfg, nil
}

// LoadRelayServerConfig loads relay server configuration from a YAML file.
func LoadRelayServerConfig(path string) (*RelayServerConfig, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg RelayServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade relay-server", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	applyRelayResourceDefaults(&cfg.Resources)

	if cfg.Health.Enabled && cfg.Health.ListenAddress == "" {
		cfg.Health.ListenAddress = "127.0.0.1:9090"
	}

	return &cfg, nil
}

func applyRendezvousDefaults(r *RendezvousConfig) {
	if r.HolePunchTimeout == 0 {
		r.HolePunchTimeout = 5 * time.Second
	}
}

func applyVMNetDefaults(v *VMNetConfig) {
	if v.DefaultMode == "" {
		v.DefaultMode = "direct"
	}
	if v.SamplingRate == 0 {
		v.SamplingRate = 0.1
	}
	if v.FlowTimeout == "" {
		v.FlowTimeout = "30s"
	}
}

func applyRelayResourceDefaults(r *RelayResourcesConfig) {
	if r.MaxSessions == 0 {
		r.MaxSessions = 128
	}
	if r.BufferSize == 0 {
		r.BufferSize = 2048
	}
	if r.SessionTimeout == "" {
		r.SessionTimeout = "10m"
	}
	if r.SessionDataLimit == "" {
		r.SessionDataLimit = "64MB"
	}
}

// ValidateProviderConfig validates provider configuration.
func ValidateProviderConfig(cfg *ProviderConfig) error {
	if cfg.Identity.KeyFile == "" {
		return fmt.Errorf("identity.key_file is required")
	}
	if len(cfg.Mesh.ListenAddresses) == 0 {
		return fmt.Errorf("mesh.listen_addresses must contain at least one address")
	}
	if cfg.Security.EnableConnectionGating && cfg.Security.AuthorizedKeysFile == "" {
		return fmt.Errorf("security.authorized_keys_file is required when connection gating is enabled")
	}
	switch cfg.VMNet.DefaultMode {
	case "direct", "sampled", "conntrack", "filtered":
	default:
		return fmt.Errorf("vmnet.default_mode %q must be one of direct, sampled, conntrack, filtered", cfg.VMNet.DefaultMode)
	}
	return nil
}

// ValidateConsumerConfig validates consumer configuration.
func ValidateConsumerConfig(cfg *ConsumerConfig) error {
	if len(cfg.Mesh.ListenAddresses) == 0 {
		return fmt.Errorf("mesh.listen_addresses must contain at least one address")
	}
	if cfg.Security.EnableConnectionGating && cfg.Security.AuthorizedKeysFile == "" {
		return fmt.Errorf("security.authorized_keys_file is required when connection gating is enabled")
	}
	return nil
}

// FindConfigFile searches for a netcore config file in standard locations.
// Search order: explicitPath (if given), ./netcore.yaml,
// ~/.config/netcore/config.yaml, /etc/netcore/config.yaml.
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := []string{
		"netcore.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "netcore", "config.yaml"))
	}

	searchPaths = append(searchPaths, filepath.Join("/etc", "netcore", "config.yaml"))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w; searched:\n  %s\n\nCreate one, or pass -config <path>", ErrConfigNotFound, strings.Join(searchPaths, "\n  "))
}

// DefaultConfigDir returns ~/.config/netcore, creating it if necessary.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".config", "netcore")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	return dir, nil
}

// ResolveConfigPaths resolves relative file paths in the config to be
// relative to the config file's directory, so configs in
// ~/.config/netcore/ can reference key files and authorized_keys using
// relative paths.
func ResolveConfigPaths(configPath string, identity *IdentityConfig, security *SecurityConfig) {
	dir := filepath.Dir(configPath)
	if identity.KeyFile != "" && !filepath.IsAbs(identity.KeyFile) {
		identity.KeyFile = filepath.Join(dir, identity.KeyFile)
	}
	if security.AuthorizedKeysFile != "" && !filepath.IsAbs(security.AuthorizedKeysFile) {
		security.AuthorizedKeysFile = filepath.Join(dir, security.AuthorizedKeysFile)
	}
}
