// Package cache implements the response cache: a concurrent key->entry map
// with TTL expiration, weighted eviction, and running statistics. It is
// grounded on the teacher's LRU cache but replaces pure recency eviction
// with the weighted (hit_count, created_at) policy this domain requires.
package cache

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	imetrics "beam-tunnel-daemon/internal/metrics"
)

// Entry is a stored response snapshot.
type Entry struct {
	Body              []byte
	ContentType       string
	Status            int
	PreservedHeaders  http.Header
	CreatedAt         time.Time
	TTL               time.Duration
	HitCount          uint64
	Size              int
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

// Stats mirrors the data model's CacheStats entity.
type Stats struct {
	Hits        uint64
	Misses      uint64
	BytesServed uint64
	BytesSaved  uint64
	CurrentSize int64
	EntryCount  int
	Evictions   uint64
}

// HitRate returns hits/(hits+misses), or 0 when there have been no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// defaultExtensions and defaultMediaPrefixes are the cacheability sets from
// §4.2; they can be overridden at construction for testing or tuning.
var defaultExtensions = []string{
	".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg",
	".woff", ".woff2", ".ttf", ".eot", ".ico", ".webp", ".avif",
}

var defaultMediaPrefixes = []string{
	"text/css", "text/javascript", "application/javascript", "application/json",
	"image/", "font/woff", "font/woff2", "application/font-woff", "application/font-woff2",
}

// Cache is the concurrent response cache described by §4.2. All read/modify
// operations are linearized by a single writer lock, matching the spec's
// "single reader-writer lock, or shard-keyed equivalent" allowance.
type Cache struct {
	mu sync.Mutex

	enabled    bool
	maxSize    int64
	defaultTTL time.Duration

	entries map[string]*Entry
	stats   Stats

	extensions    []string
	mediaPrefixes []string
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithExtensions overrides the cacheable path-extension set.
func WithExtensions(exts []string) Option {
	return func(c *Cache) { c.extensions = exts }
}

// WithMediaPrefixes overrides the cacheable content-type prefix set.
func WithMediaPrefixes(prefixes []string) Option {
	return func(c *Cache) { c.mediaPrefixes = prefixes }
}

// New builds a Cache. maxSize is in bytes; defaultTTL applies when Put is
// called without an explicit TTL. When enabled is false, every operation is
// a no-op per §4.2's "caching globally disabled" clause.
func New(enabled bool, maxSize int64, defaultTTL time.Duration, opts ...Option) *Cache {
	c := &Cache{
		enabled:       enabled,
		maxSize:       maxSize,
		defaultTTL:    defaultTTL,
		entries:       make(map[string]*Entry),
		extensions:    defaultExtensions,
		mediaPrefixes: defaultMediaPrefixes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key builds the stable cache key string: "<METHOD>:<path>" or
// "<METHOD>:<path>?<query>" when query is non-empty.
func Key(method, path, query string) string {
	if query != "" {
		return method + ":" + path + "?" + query
	}
	return method + ":" + path
}

// ShouldCache reports whether a request/response pair is a caching
// candidate purely from its path and content-type (§4.2).
func (c *Cache) ShouldCache(path, contentType string) bool {
	lowerPath := strings.ToLower(path)
	for _, ext := range c.extensions {
		if strings.HasSuffix(lowerPath, ext) {
			return true
		}
	}
	lowerCT := strings.ToLower(contentType)
	for _, prefix := range c.mediaPrefixes {
		if strings.HasPrefix(lowerCT, prefix) {
			return true
		}
	}
	return false
}

// Get looks up key. On a live hit it increments hit_count/hits/bytes_served/
// bytes_saved and returns a snapshot. An expired entry is removed in place
// and reported as a miss.
func (c *Cache) Get(key string) (*Entry, bool) {
	if !c.enabled {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		imetrics.CacheMissInc()
		return nil, false
	}

	if entry.expired(time.Now()) {
		c.removeLocked(key, entry)
		c.stats.Misses++
		imetrics.CacheMissInc()
		return nil, false
	}

	entry.HitCount++
	c.stats.Hits++
	c.stats.BytesServed += uint64(entry.Size)
	c.stats.BytesSaved += uint64(entry.Size)
	imetrics.CacheHitInc()

	snapshot := *entry
	snapshot.PreservedHeaders = entry.PreservedHeaders.Clone()
	return &snapshot, true
}

// Put inserts a response under key. If size exceeds max_size/10 the put is
// silently rejected. A ttl of zero means the entry is not cacheable: it is
// not stored (equivalent to treating it as immediately expired on read).
func (c *Cache) Put(key string, body []byte, contentType string, status int, headers http.Header, ttl time.Duration) {
	if !c.enabled {
		return
	}
	if ttl == 0 {
		return
	}
	if ttl < 0 {
		ttl = c.defaultTTL
	}

	size := len(body)
	if c.maxSize > 0 && int64(size) > c.maxSize/10 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prior, ok := c.entries[key]; ok {
		c.stats.CurrentSize -= int64(prior.Size)
		delete(c.entries, key)
	}

	c.evictLocked(int64(size))

	c.entries[key] = &Entry{
		Body:             append([]byte(nil), body...),
		ContentType:      contentType,
		Status:           status,
		PreservedHeaders: headers.Clone(),
		CreatedAt:        time.Now(),
		TTL:              ttl,
		Size:             size,
	}
	c.stats.CurrentSize += int64(size)
	c.stats.EntryCount = len(c.entries)
	imetrics.CacheEntriesSet(c.stats.EntryCount)
	imetrics.CacheSizeBytesSet(c.stats.CurrentSize)
}

// evictLocked removes entries, least-used-first with oldest as tie-breaker,
// until there is room for an additional `needed` bytes. Must be called with
// mu held.
func (c *Cache) evictLocked(needed int64) {
	for c.maxSize > 0 && c.stats.CurrentSize+needed > c.maxSize && len(c.entries) > 0 {
		var victimKey string
		var victim *Entry
		for k, e := range c.entries {
			if victim == nil ||
				e.HitCount < victim.HitCount ||
				(e.HitCount == victim.HitCount && e.CreatedAt.Before(victim.CreatedAt)) {
				victimKey, victim = k, e
			}
		}
		if victim == nil {
			return
		}
		c.removeLocked(victimKey, victim)
		c.stats.Evictions++
		imetrics.CacheEvictionInc()
	}
}

// removeLocked deletes an entry and reconciles current_size. Must be called
// with mu held.
func (c *Cache) removeLocked(key string, entry *Entry) {
	delete(c.entries, key)
	c.stats.CurrentSize -= int64(entry.Size)
	c.stats.EntryCount = len(c.entries)
	imetrics.CacheEntriesSet(c.stats.EntryCount)
	imetrics.CacheSizeBytesSet(c.stats.CurrentSize)
}

// Cleanup removes every expired entry. Invoked on a 60s interval by the
// orchestrator; a no-op on an empty map preserves all counters.
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for k, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(k, e)
		}
	}
}

// Clear empties the cache without affecting monotonic counters (hits,
// misses, evictions), matching §3's distinction between monotonic and
// point-in-time stats.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
	c.stats.CurrentSize = 0
	c.stats.EntryCount = 0
	imetrics.CacheEntriesSet(0)
	imetrics.CacheSizeBytesSet(0)
}

// Stats returns a snapshot of current statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// ParseCacheControl implements §4.2's directive parser: comma-tokenized,
// whitespace-trimmed, case-folded. no-store/no-cache yield TTL 0;
// max-age/s-maxage yield Duration(N seconds); the first matching directive
// wins. The second return value is false when no directive applies ("no
// opinion").
func ParseCacheControl(header string) (time.Duration, bool) {
	for _, raw := range strings.Split(header, ",") {
		segment := strings.TrimSpace(raw)
		if segment == "" {
			continue
		}
		lower := strings.ToLower(segment)
		switch {
		case lower == "no-store" || lower == "no-cache":
			return 0, true
		case strings.HasPrefix(lower, "max-age="):
			if d, ok := parseSeconds(lower[len("max-age="):]); ok {
				return d, true
			}
		case strings.HasPrefix(lower, "s-maxage="):
			if d, ok := parseSeconds(lower[len("s-maxage="):]); ok {
				return d, true
			}
		}
	}
	return 0, false
}

func parseSeconds(s string) (time.Duration, bool) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// TTLFromResponse derives a TTL for an upstream response: the Cache-Control
// header first, then the Expires header, then defaultTTL.
func (c *Cache) TTLFromResponse(header http.Header) time.Duration {
	if d, ok := ParseCacheControl(header.Get("Cache-Control")); ok {
		return d
	}
	if expires := header.Get("Expires"); expires != "" {
		if t, err := http.ParseTime(expires); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
			return 0
		}
	}
	return c.defaultTTL
}
