package hostsfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndRemoveLocalOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(path, []byte("127.0.0.1 localhost\n"), 0o644))

	r := NewWithPath(path)
	require.NoError(t, r.AddLocalOverride("beam-tunnel.local"))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "beam-tunnel.local")

	// Adding twice must not duplicate the entry.
	require.NoError(t, r.AddLocalOverride("beam-tunnel.local"))
	contents, _ = os.ReadFile(path)
	assert.Equal(t, 1, countOccurrences(string(contents), "beam-tunnel.local"))

	require.NoError(t, r.RemoveLocalOverride("beam-tunnel.local"))
	contents, _ = os.ReadFile(path)
	assert.NotContains(t, string(contents), "beam-tunnel.local")
}

func countOccurrences(haystack, needle string) int {
	count := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			count++
			i += len(needle) - 1
		}
	}
	return count
}
