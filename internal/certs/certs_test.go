package certs

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_EnsureGeneratesAndReuses(t *testing.T) {
	p := NewProvider(t.TempDir())

	certPath, keyPath, err := p.Ensure("beam-tunnel.local")
	require.NoError(t, err)
	assert.Contains(t, certPath, "beam-tunnel_local.crt")
	assert.Contains(t, keyPath, "beam-tunnel_local.key")

	_, err = tls.LoadX509KeyPair(certPath, keyPath)
	require.NoError(t, err)

	// Second call should reuse the existing pair, not error.
	certPath2, keyPath2, err := p.Ensure("beam-tunnel.local")
	require.NoError(t, err)
	assert.Equal(t, certPath, certPath2)
	assert.Equal(t, keyPath, keyPath2)
}

func TestProvider_DifferentDomainsGetDifferentFiles(t *testing.T) {
	p := NewProvider(t.TempDir())
	certA, _, err := p.Ensure("a.example.com")
	require.NoError(t, err)
	certB, _, err := p.Ensure("b.example.com")
	require.NoError(t, err)
	assert.NotEqual(t, certA, certB)
}
