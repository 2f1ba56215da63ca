// Package metrics defines Prometheus metrics for the tunnel daemon: the proxy
// data path, the response cache, the onion controller, and the P2P backend.
// Label sets are kept low-cardinality by design; helpers below encapsulate
// normalization and consistent observation patterns.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Proxy metrics (low-cardinality)
var (
	proxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnel_proxy_requests_total",
			Help: "Total proxy responses by method, status, cache result and access label",
		},
		[]string{"method", "status", "cache", "label"},
	)
	proxyReqDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tunnel_proxy_request_duration_seconds",
			Help:    "End-to-end proxy request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "cache"},
	)
	proxyUpstreamInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnel_proxy_upstream_inflight",
			Help: "Number of in-flight requests to the local origin",
		},
	)
)

// Cache metrics
var (
	cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tunnel_cache_hits_total",
			Help: "Total cache hits",
		},
	)
	cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tunnel_cache_misses_total",
			Help: "Total cache misses",
		},
	)
	cacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tunnel_cache_evictions_total",
			Help: "Total entries removed by the weighted eviction policy",
		},
	)
	cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnel_cache_entries",
			Help: "Current number of live cache entries",
		},
	)
	cacheSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnel_cache_size_bytes",
			Help: "Current total size in bytes of cached response bodies",
		},
	)
)

// Onion controller metrics
var (
	onionCircuitsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnel_onion_circuits_active",
			Help: "Number of pre-built circuits currently recorded as active",
		},
	)
	onionControlErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnel_onion_control_errors_total",
			Help: "Control-protocol errors by operation",
		},
		[]string{"op"},
	)
	onionPublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tunnel_onion_publish_duration_seconds",
			Help:    "Time to publish the hidden service, from authenticate to ServiceID",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// P2P metrics
var (
	p2pConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnel_p2p_connections_active",
			Help: "Number of accepted peer connections currently open",
		},
	)
	p2pConnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tunnel_p2p_connections_total",
			Help: "Total peer connections accepted",
		},
	)
)

// Dev-upstream metrics, for the loopback demo origin in cmd/devupstream.
var (
	devUpstreamInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnel_devupstream_inflight",
			Help: "In-flight requests currently being served by the demo origin",
		},
	)
	devUpstreamRequests = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tunnel_devupstream_request_duration_seconds",
			Help:    "Demo origin request duration in seconds by method and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		proxyRequestsTotal,
		proxyReqDuration,
		proxyUpstreamInflight,
		cacheHits,
		cacheMisses,
		cacheEvictions,
		cacheEntries,
		cacheSizeBytes,
		onionCircuitsActive,
		onionControlErrors,
		onionPublishDuration,
		p2pConnectionsActive,
		p2pConnectionsTotal,
		devUpstreamInflight,
		devUpstreamRequests,
	)
}

// normCacheLabel normalizes the cache label to a bounded set of values.
func normCacheLabel(v string) string {
	if v == "" {
		return "BYPASS"
	}
	return v
}

// ---- Proxy helpers ----

// ObserveProxyResponse records a client-facing proxy response.
func ObserveProxyResponse(method string, status int, cache string, label string, dur time.Duration) {
	cache = normCacheLabel(cache)
	if label == "" {
		label = "Unknown"
	}
	proxyRequestsTotal.WithLabelValues(method, strconv.Itoa(status), cache, label).Inc()
	proxyReqDuration.WithLabelValues(method, cache).Observe(dur.Seconds())
}

func IncProxyUpstreamInflight() { proxyUpstreamInflight.Inc() }
func DecProxyUpstreamInflight() { proxyUpstreamInflight.Dec() }

// ---- Cache helpers ----

func CacheHitInc()                      { cacheHits.Inc() }
func CacheMissInc()                     { cacheMisses.Inc() }
func CacheEvictionInc()                 { cacheEvictions.Inc() }
func CacheEntriesSet(n int)             { cacheEntries.Set(float64(n)) }
func CacheSizeBytesSet(size int64)      { cacheSizeBytes.Set(float64(size)) }

// ---- Onion helpers ----

func OnionCircuitsActiveSet(n int)             { onionCircuitsActive.Set(float64(n)) }
func OnionControlErrorInc(op string)           { onionControlErrors.WithLabelValues(op).Inc() }
func OnionPublishDurationObserve(d time.Duration) { onionPublishDuration.Observe(d.Seconds()) }

// ---- P2P helpers ----

func P2PConnectionOpened() {
	p2pConnectionsActive.Inc()
	p2pConnectionsTotal.Inc()
}
func P2PConnectionClosed() { p2pConnectionsActive.Dec() }

// ---- Dev-upstream helpers ----

func DevUpstreamInflightInc() { devUpstreamInflight.Inc() }
func DevUpstreamInflightDec() { devUpstreamInflight.Dec() }

func ObserveDevUpstreamResponse(method string, status int, dur time.Duration) {
	devUpstreamRequests.WithLabelValues(method, strconv.Itoa(status)).Observe(dur.Seconds())
}
