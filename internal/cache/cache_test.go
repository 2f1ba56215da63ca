package cache

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_HitAndMiss(t *testing.T) {
	c := New(true, 100<<20, 5*time.Minute)

	key := Key("GET", "/app.js", "")
	_, ok := c.Get(key)
	require.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Misses)

	c.Put(key, []byte("console.log(1)"), "application/javascript", 200, http.Header{}, -1)
	entry, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "application/javascript", entry.ContentType)
	assert.Equal(t, uint64(1), c.Stats().Hits)
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(true, 100<<20, time.Millisecond)
	key := Key("GET", "/x.css", "")
	c.Put(key, []byte("body{}"), "text/css", 200, http.Header{}, time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Misses)
}

func TestCache_PutRejectsOversizeEntry(t *testing.T) {
	c := New(true, 100, 5*time.Minute) // max 100 bytes, so max_size/10 == 10
	c.Put(Key("GET", "/big", ""), make([]byte, 11), "text/css", 200, http.Header{}, -1)
	_, ok := c.Get(Key("GET", "/big", ""))
	assert.False(t, ok)
}

func TestCache_ZeroTTLIsNotStored(t *testing.T) {
	c := New(true, 100<<20, 5*time.Minute)
	c.Put(Key("GET", "/no-store", ""), []byte("x"), "text/css", 200, http.Header{}, 0)
	_, ok := c.Get(Key("GET", "/no-store", ""))
	assert.False(t, ok)
}

func TestCache_WeightedEviction(t *testing.T) {
	// A full cache where k1 is the only entry never read: inserting k2 evicts
	// k1 because it has hit_count 0. Entries are 10 bytes in a 100-byte cache
	// so that each one passes the max_size/10 put guard.
	c := New(true, 100, 5*time.Minute)

	c.Put("k1", make([]byte, 10), "application/octet-stream", 200, http.Header{}, time.Hour)
	for i := 0; i < 9; i++ {
		key := fmt.Sprintf("f%d", i)
		c.Put(key, make([]byte, 10), "application/octet-stream", 200, http.Header{}, time.Hour)
		c.Get(key)
	}
	c.Put("k2", make([]byte, 10), "application/octet-stream", 200, http.Header{}, time.Hour)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, int64(100), stats.CurrentSize)

	_, ok := c.Get("k1")
	assert.False(t, ok)
	_, ok = c.Get("k2")
	assert.True(t, ok)
}

func TestCache_EvictionPrefersLeastUsedThenOldest(t *testing.T) {
	// 10-byte entries in a 100-byte cache, so each passes the max_size/10
	// put guard.
	c := New(true, 100, time.Hour)

	c.Put("a", make([]byte, 10), "text/css", 200, http.Header{}, time.Hour)
	c.Put("b", make([]byte, 10), "text/css", 200, http.Header{}, time.Hour)
	// Touch "b" so its hit_count rises above "a"'s.
	c.Get("b")
	// Fill the cache to its limit with entries that are also read once.
	for i := 0; i < 8; i++ {
		key := fmt.Sprintf("f%d", i)
		c.Put(key, make([]byte, 10), "text/css", 200, http.Header{}, time.Hour)
		c.Get(key)
	}

	// Inserting "c" needs to evict one entry since 100+10 > 100.
	c.Put("c", make([]byte, 10), "text/css", 200, http.Header{}, time.Hour)

	_, aFound := c.Get("a")
	_, bFound := c.Get("b")
	assert.False(t, aFound, "a has the lowest hit_count and should be evicted first")
	assert.True(t, bFound)
}

func TestCache_CleanupIsNoOpOnEmptyMap(t *testing.T) {
	c := New(true, 100<<20, time.Minute)
	c.Cleanup()
	assert.Equal(t, Stats{}, c.Stats())
}

func TestCache_StatsInvariants(t *testing.T) {
	c := New(true, 100<<20, time.Hour)
	c.Put(Key("GET", "/a.js", ""), []byte("aaaa"), "application/javascript", 200, http.Header{}, -1)
	c.Put(Key("GET", "/b.js", ""), []byte("bb"), "application/javascript", 200, http.Header{}, -1)

	stats := c.Stats()
	assert.Equal(t, int64(6), stats.CurrentSize)
	assert.Equal(t, 2, stats.EntryCount)
	assert.InDelta(t, 0, stats.HitRate(), 0.0001)

	c.Get(Key("GET", "/a.js", ""))
	stats = c.Stats()
	assert.InDelta(t, 1.0, stats.HitRate(), 0.0001)
}

func TestCache_DisabledIsNoOp(t *testing.T) {
	c := New(false, 100<<20, time.Hour)
	c.Put(Key("GET", "/a.js", ""), []byte("a"), "application/javascript", 200, http.Header{}, -1)
	_, ok := c.Get(Key("GET", "/a.js", ""))
	assert.False(t, ok)
}

func TestCache_ShouldCacheByExtension(t *testing.T) {
	c := New(true, 1<<20, time.Minute)
	assert.True(t, c.ShouldCache("/assets/app.JS", ""))
	assert.True(t, c.ShouldCache("/img/logo.png", ""))
	assert.False(t, c.ShouldCache("/api/data", ""))
}

func TestCache_ShouldCacheByContentType(t *testing.T) {
	c := New(true, 1<<20, time.Minute)
	assert.True(t, c.ShouldCache("/api/data", "application/json; charset=utf-8"))
	assert.True(t, c.ShouldCache("/img", "image/png"))
	assert.False(t, c.ShouldCache("/api/data", "text/plain"))
}

func TestParseCacheControl(t *testing.T) {
	d, ok := ParseCacheControl("public, max-age=86400")
	require.True(t, ok)
	assert.Equal(t, 86400*time.Second, d)

	d, ok = ParseCacheControl("no-store")
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), d)

	d, ok = ParseCacheControl("s-maxage=60, max-age=30")
	require.True(t, ok)
	assert.Equal(t, 60*time.Second, d)

	_, ok = ParseCacheControl("")
	assert.False(t, ok)
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "GET:/app.js", Key("GET", "/app.js", ""))
	assert.Equal(t, "GET:/app.js?v=2", Key("GET", "/app.js", "v=2"))
}
