package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/goishmem/goishmem/internal/constants"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, uint64(constants.DefaultSymmetricSize), cfg.SymmetricSize)
	assert.False(t, cfg.Debug)
	assert.True(t, cfg.EnableGPUIPC)
	assert.True(t, cfg.EnableGPUIPCPidfd)
	assert.Equal(t, "loopback", cfg.Runtime)
	assert.Equal(t, constants.DefaultNBICount, cfg.NBICount)
}

func TestFromEnvOverrides(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		verify func(t *testing.T, cfg *Config)
	}{
		{
			name: "symmetric size override",
			env:  map[string]string{envSize: "1048576"},
			verify: func(t *testing.T, cfg *Config) {
				assert.Equal(t, uint64(1048576), cfg.SymmetricSize)
			},
		},
		{
			name: "debug flag enabled",
			env:  map[string]string{envDebug: "true"},
			verify: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Debug)
			},
		},
		{
			name: "gpu ipc disabled",
			env:  map[string]string{envGPUIPC: "0"},
			verify: func(t *testing.T, cfg *Config) {
				assert.False(t, cfg.EnableGPUIPC)
			},
		},
		{
			name: "runtime override",
			env:  map[string]string{envRuntime: "tcp"},
			verify: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "tcp", cfg.Runtime)
			},
		},
		{
			name: "nbi count override",
			env:  map[string]string{envNBICount: "32"},
			verify: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 32, cfg.NBICount)
			},
		},
		{
			name: "cutover overrides",
			env: map[string]string{
				envRMACutover:      "8192",
				envFcollectCutover: "131072",
			},
			verify: func(t *testing.T, cfg *Config) {
				assert.Equal(t, uint64(8192), cfg.RMACutover)
				assert.Equal(t, uint64(131072), cfg.FcollectCutover)
			},
		},
		{
			name: "invalid value falls back to default",
			env:  map[string]string{envSize: "not-a-number"},
			verify: func(t *testing.T, cfg *Config) {
				assert.Equal(t, uint64(constants.DefaultSymmetricSize), cfg.SymmetricSize)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg := FromEnv()
			tt.verify(t, cfg)
		})
	}
}
