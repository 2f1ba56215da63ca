package proxy_test

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"

	"beam-tunnel-daemon/internal/cache"
	"beam-tunnel-daemon/internal/proxy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProxy(t *testing.T, targetPort int, cacheEnabled bool) *proxy.ReverseProxy {
	t.Helper()
	c := cache.New(cacheEnabled, 10<<20, 0)
	return proxy.New(targetPort, c, cacheEnabled)
}

func targetPortFromURL(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestProxy_CacheMissThenHit(t *testing.T) {
	var upstreamHits int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&upstreamHits, 1)
		w.Header().Set("Cache-Control", "public, max-age=60")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(upstream.Close)

	rp := newTestProxy(t, targetPortFromURL(t, upstream.URL), true)

	rec1 := httptest.NewRecorder()
	rp.ServeHTTP(rec1, httptest.NewRequest(http.MethodGet, "/data.json", nil))
	assert.Equal(t, http.StatusOK, rec1.Code)
	assert.Equal(t, "MISS", rec1.Header().Get("X-Cache"))

	rec2 := httptest.NewRecorder()
	rp.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/data.json", nil))
	assert.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, "HIT", rec2.Header().Get("X-Cache"))
	assert.Equal(t, `{"ok":true}`, rec2.Body.String())

	assert.Equal(t, int64(1), atomic.LoadInt64(&upstreamHits))
}

func TestProxy_NonCacheableContentTypeNeverStored(t *testing.T) {
	var upstreamHits int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&upstreamHits, 1)
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("html page"))
	}))
	t.Cleanup(upstream.Close)

	rp := newTestProxy(t, targetPortFromURL(t, upstream.URL), true)

	rec1 := httptest.NewRecorder()
	rp.ServeHTTP(rec1, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "MISS", rec1.Header().Get("X-Cache"))

	rec2 := httptest.NewRecorder()
	rp.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "MISS", rec2.Header().Get("X-Cache"))
	assert.Equal(t, int64(2), atomic.LoadInt64(&upstreamHits))
}

func TestProxy_DisabledCacheAlwaysBypasses(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=60")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)

	rp := newTestProxy(t, targetPortFromURL(t, upstream.URL), false)

	rec := httptest.NewRecorder()
	rp.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/data.json", nil))
	assert.Equal(t, "BYPASS", rec.Header().Get("X-Cache"))
}

func TestProxy_UpstreamUnreachableReturns502(t *testing.T) {
	rp := newTestProxy(t, 1, true) // port 1 is always refused

	rec := httptest.NewRecorder()
	rp.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "Failed to connect to local application")
}

func TestProxy_SetsRequestIDHeaderWhenMissing(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)

	rp := newTestProxy(t, targetPortFromURL(t, upstream.URL), false)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	rp.ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestProxy_PreservesExistingRequestID(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)

	rp := newTestProxy(t, targetPortFromURL(t, upstream.URL), false)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "fixed-id-123")
	rec := httptest.NewRecorder()
	rp.ServeHTTP(rec, req)

	assert.Equal(t, "fixed-id-123", rec.Header().Get("X-Request-ID"))
}

func TestProxy_StatsTrackSuccessAndFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)

	rp := newTestProxy(t, targetPortFromURL(t, upstream.URL), false)

	rp.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	rp.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))

	stats := rp.Stats()
	assert.Equal(t, uint64(2), stats.Total)
	assert.Equal(t, uint64(1), stats.Successful)
	assert.Equal(t, uint64(1), stats.Failed)
}
