package config

import (
	"testing"
)

func BenchmarkLoadProviderConfig(b *testing.B) {
	dir := b.TempDir()
	path := writeTestConfig(b, dir, "provider.yaml", testProviderYAML)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		LoadProviderConfig(path)
	}
}

func BenchmarkValidateProviderConfig(b *testing.B) {
	cfg := &ProviderConfig{
		Identity: IdentityConfig{KeyFile: "key"},
		Mesh:     MeshConfig{ListenAddresses: []string{"/ip4/0.0.0.0/tcp/0"}},
		VMNet:    VMNetConfig{DefaultMode: "direct"},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ValidateProviderConfig(cfg)
	}
}
