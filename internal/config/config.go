package config

import (
	"time"
)

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// ProviderConfig represents configuration for a compute-sharing provider
// machine: it joins the mesh, advertises itself via the DHT, and accepts
// job submissions that run inside VMs wired through vmnet.
type ProviderConfig struct {
	Version     int               `yaml:"version,omitempty"`
	Identity    IdentityConfig    `yaml:"identity"`
	Mesh        MeshConfig        `yaml:"mesh"`
	Rendezvous  RendezvousConfig  `yaml:"rendezvous"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Security    SecurityConfig    `yaml:"security"`
	VMNet       VMNetConfig       `yaml:"vmnet"`
	Telemetry   TelemetryConfig   `yaml:"telemetry,omitempty"`
}

// ConsumerConfig represents configuration for a compute-sharing consumer
// machine: it discovers providers via the DHT and submits jobs to them.
type ConsumerConfig struct {
	Identity   IdentityConfig   `yaml:"identity"`
	Mesh       MeshConfig       `yaml:"mesh"`
	Rendezvous RendezvousConfig `yaml:"rendezvous"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Security   SecurityConfig   `yaml:"security"`
	Telemetry  TelemetryConfig  `yaml:"telemetry,omitempty"`
}

// RelayServerConfig represents configuration for a standalone relay
// server: a fallback data path for peer pairs that cannot complete NAT
// hole punching.
type RelayServerConfig struct {
	Version   int                 `yaml:"version,omitempty"`
	Identity  IdentityConfig      `yaml:"identity"`
	Network   RelayNetworkConfig  `yaml:"network"`
	Security  RelaySecurityConfig `yaml:"security"`
	Resources RelayResourcesConfig `yaml:"resources,omitempty"`
	Health    HealthConfig        `yaml:"health,omitempty"`
	Telemetry TelemetryConfig     `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds observability settings.
// All features are disabled by default (opt-in).
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
	Audit   AuditConfig   `yaml:"audit,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"` // no default is filled in by the loaders
}

// AuditConfig controls structured audit logging of job submissions and
// VM egress decisions.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// HealthConfig holds HTTP health check endpoint configuration.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// IdentityConfig holds identity-related configuration.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// MeshConfig holds libp2p host configuration for the mesh overlay.
type MeshConfig struct {
	ListenAddresses          []string `yaml:"listen_addresses"`
	ForcePrivateReachability bool     `yaml:"force_private_reachability"`
	ForceCGNAT               bool     `yaml:"force_cgnat,omitempty"`
	ResourceLimitsEnabled    bool     `yaml:"resource_limits_enabled"`
}

// RendezvousConfig holds signaling-server configuration used for
// endpoint exchange and hole-punch coordination.
type RendezvousConfig struct {
	URL               string        `yaml:"url"`
	STUNServerA       string        `yaml:"stun_server_a"`
	STUNServerB       string        `yaml:"stun_server_b"`
	EnableNATTraversal bool         `yaml:"enable_nat_traversal"`
	FallbackToRelay   bool          `yaml:"fallback_to_relay"`
	HolePunchTimeout  time.Duration `yaml:"hole_punch_timeout,omitempty"` // default: 5s
}

// RelayNetworkConfig holds relay server network configuration.
type RelayNetworkConfig struct {
	ListenAddresses []string `yaml:"listen_addresses"`
}

// DiscoveryConfig holds DHT discovery configuration.
type DiscoveryConfig struct {
	Network          string        `yaml:"network,omitempty"`           // DHT namespace for private networks (empty = global)
	BootstrapPeers   []string      `yaml:"bootstrap_peers"`
	MDNSEnabled      *bool         `yaml:"mdns_enabled,omitempty"`      // LAN peer discovery (default: true)
	AnnounceInterval time.Duration `yaml:"announce_interval,omitempty"` // not read by cmd/provider, which refreshes the DHT every 5m
}

// IsMDNSEnabled returns whether mDNS local discovery is enabled.
// Defaults to true when not explicitly set in config.
func (d *DiscoveryConfig) IsMDNSEnabled() bool {
	if d.MDNSEnabled == nil {
		return true
	}
	return *d.MDNSEnabled
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	AuthorizedKeysFile     string `yaml:"authorized_keys_file"`
	EnableConnectionGating bool   `yaml:"enable_connection_gating"`
}

// RelaySecurityConfig holds relay server security configuration.
type RelaySecurityConfig struct {
	AuthorizedKeysFile     string `yaml:"authorized_keys_file"`
	EnableConnectionGating bool   `yaml:"enable_connection_gating"`
}

// RelayResourcesConfig holds relay resource limit configuration.
// Zero values are replaced with defaults at load time.
type RelayResourcesConfig struct {
	MaxSessions      int    `yaml:"max_sessions"`       // default: 128
	BufferSize       int    `yaml:"buffer_size"`        // default: 2048
	SessionTimeout   string `yaml:"session_timeout"`    // default: "10m"
	SessionDataLimit string `yaml:"session_data_limit"` // default: "64MB"
}

// VMNetConfig holds default VM egress-filtering configuration applied to
// jobs that don't specify their own VMNetworkConfig.
type VMNetConfig struct {
	DefaultMode      string  `yaml:"default_mode"` // direct|sampled|conntrack|filtered
	SamplingRate     float64 `yaml:"sampling_rate,omitempty"`
	FlowTimeout      string  `yaml:"flow_timeout,omitempty"` // default: "30s"
}

// Config is a unified configuration structure holding the identity, mesh,
// rendezvous, discovery and security sections in one shape. None of the
// entry points under cmd/ loads it; they use the provider/consumer/relay
// shapes above.
type Config struct {
	Version    int              `yaml:"version,omitempty"`
	Identity   IdentityConfig   `yaml:"identity"`
	Mesh       MeshConfig       `yaml:"mesh"`
	Rendezvous RendezvousConfig `yaml:"rendezvous,omitempty"`
	Discovery  DiscoveryConfig  `yaml:"discovery,omitempty"`
	Security   SecurityConfig   `yaml:"security"`
}
