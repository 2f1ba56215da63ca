package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresTargetPort(t *testing.T) {
	_, err := Load([]string{"--mode", "fast"})
	require.Error(t, err)
}

func TestLoad_RejectsInvalidMode(t *testing.T) {
	_, err := Load([]string{"--target-port", "9000", "--mode", "bogus"})
	require.Error(t, err)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load([]string{"--target-port", "9000"})
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.TargetPort)
	assert.Equal(t, 10000, cfg.ListenPort)
	assert.Equal(t, "beam-tunnel.local", cfg.Domain)
	assert.Equal(t, ModeBalanced, cfg.Mode)
	assert.Equal(t, 9051, cfg.TorPort)
	assert.True(t, cfg.CacheEnabled)
	assert.Equal(t, int64(100), cfg.CacheSizeMB)
	assert.Equal(t, 300*time.Second, cfg.CacheTTL)
	assert.Equal(t, 3, cfg.PrebuildCircuits)
	assert.Equal(t, cfg.ListenPort+1, cfg.HTTPSPort)
}

func TestLoad_ListenPortSaturatesOnOverflow(t *testing.T) {
	cfg, err := Load([]string{"--target-port", "65000"})
	require.NoError(t, err)
	assert.Equal(t, 65100, cfg.ListenPort)
}

func TestLoad_GeoPreferParsesCSV(t *testing.T) {
	cfg, err := Load([]string{"--target-port", "9000", "--geo-prefer", "us, de,fr"})
	require.NoError(t, err)
	assert.Equal(t, []string{"US", "DE", "FR"}, cfg.GeoPrefer)
}

func TestLoad_ExplicitCacheFalseOverridesDefault(t *testing.T) {
	cfg, err := Load([]string{"--target-port", "9000", "--cache=false"})
	require.NoError(t, err)
	assert.False(t, cfg.CacheEnabled)
}

func TestLoad_NoPrebuildFlag(t *testing.T) {
	cfg, err := Load([]string{"--target-port", "9000", "--no-prebuild"})
	require.NoError(t, err)
	assert.True(t, cfg.NoPrebuild)
}
