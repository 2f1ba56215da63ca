// Package proxy implements the proxy core (§4.4): an HTTP (and optionally
// TLS-wrapped) listener that classifies each request, consults the
// response cache, forwards to the loopback origin, and records
// request-level statistics.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"beam-tunnel-daemon/internal/applog"
	"beam-tunnel-daemon/internal/cache"
	"beam-tunnel-daemon/internal/classify"
	imetrics "beam-tunnel-daemon/internal/metrics"
)

// Stats mirrors the data model's RequestStats entity. All counters are
// monotonic for the process lifetime and may be observed slightly stale.
type Stats struct {
	Total      uint64
	Successful uint64
	Failed     uint64
	BytesIn    uint64
	BytesOut   uint64
}

type statCounters struct {
	total      atomic.Uint64
	successful atomic.Uint64
	failed     atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
}

func (c *statCounters) snapshot() Stats {
	return Stats{
		Total:      c.total.Load(),
		Successful: c.successful.Load(),
		Failed:     c.failed.Load(),
		BytesIn:    c.bytesIn.Load(),
		BytesOut:   c.bytesOut.Load(),
	}
}

// ReverseProxy forwards requests to a single loopback origin, with an
// optional response cache. The data model names a single target_port
// origin, so — unlike the teacher's multi-backend balancer — there is
// exactly one upstream.
type ReverseProxy struct {
	target    *url.URL
	transport *http.Transport

	cache   *cache.Cache
	cacheOn bool
	stats   statCounters
}

// New builds a ReverseProxy targeting 127.0.0.1:targetPort.
func New(targetPort int, c *cache.Cache, cacheOn bool) *ReverseProxy {
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", targetPort)}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &ReverseProxy{
		target:    target,
		transport: transport,
		cache:     c,
		cacheOn:   cacheOn,
	}
}

// Stats returns a snapshot of request-level statistics.
func (p *ReverseProxy) Stats() Stats {
	return p.stats.snapshot()
}

type startTimeCtxKey struct{}
type cacheKeyCtxKey struct{}

// ServeHTTP implements the per-request pipeline of §4.4: classify, cache
// lookup, forward, cache store, stream back.
func (p *ReverseProxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	defer func() {
		if r := recover(); r != nil {
			applog.Errorf("proxy", "panic in request pipeline: %v", r)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}()

	start := time.Now()
	req = req.WithContext(context.WithValue(req.Context(), startTimeCtxKey{}, start))

	contentLength := parseContentLength(req.Header.Get("Content-Length"))
	p.stats.total.Add(1)
	p.stats.bytesIn.Add(uint64(contentLength))

	label := classify.Classify(classify.Context{
		UserAgent: req.Header.Get("User-Agent"),
		Source:    sourceIP(req),
		Referer:   req.Header.Get("Referer"),
	})
	requestID := ensureRequestID(req)
	w.Header().Set("X-Request-ID", requestID)

	// The key depends only on method/path/query, so a lookup is always
	// attempted for GET requests; whether the response is worth storing is
	// decided later, once the content-type is known.
	attemptingCache := p.cacheOn && req.Method == http.MethodGet
	if attemptingCache {
		key := cache.Key(req.Method, req.URL.Path, req.URL.RawQuery)
		req = req.WithContext(context.WithValue(req.Context(), cacheKeyCtxKey{}, key))

		if entry, ok := p.cache.Get(key); ok {
			p.serveFromCache(w, req, entry, label, start)
			return
		}
	}

	applog.LogProxyRequest(req, label.String())
	p.serveUpstream(w, req)
}

func (p *ReverseProxy) serveFromCache(w http.ResponseWriter, req *http.Request, entry *cache.Entry, label classify.Label, start time.Time) {
	copyHeader(w.Header(), entry.PreservedHeaders)
	w.Header().Set("Content-Type", entry.ContentType)
	w.Header().Set("X-Cache", "HIT")
	age := int(time.Since(entry.CreatedAt).Seconds())
	if age < 0 {
		age = 0
	}
	w.Header().Set("Age", strconv.Itoa(age))
	w.WriteHeader(entry.Status)
	n, _ := w.Write(entry.Body)

	p.stats.bytesOut.Add(uint64(n))
	recordOutcome(&p.stats, entry.Status)

	dur := time.Since(start)
	imetrics.ObserveProxyResponse(req.Method, entry.Status, "HIT", label.String(), dur)
	applog.LogProxyCacheHit(req, label.String())
	applog.LogProxyResponse(req, entry.Status, n, dur, w.Header(), "HIT", label.String())
}

// serveUpstream forwards to the origin.
func (p *ReverseProxy) serveUpstream(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	start, _ := ctx.Value(startTimeCtxKey{}).(time.Time)
	if start.IsZero() {
		start = time.Now()
	}

	label := classify.Classify(classify.Context{
		UserAgent: req.Header.Get("User-Agent"),
		Source:    sourceIP(req),
		Referer:   req.Header.Get("Referer"),
	})

	outbound := req.Clone(ctx)
	p.directRequest(outbound)

	imetrics.IncProxyUpstreamInflight()
	defer imetrics.DecProxyUpstreamInflight()

	resp, err := p.transport.RoundTrip(outbound)
	if err != nil {
		p.stats.failed.Add(1)
		imetrics.ObserveProxyResponse(req.Method, http.StatusBadGateway, "BYPASS", label.String(), time.Since(start))
		applog.LogProxyError(req, http.StatusBadGateway, label.String(), err)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "Failed to connect to local application"})
		return
	}
	defer resp.Body.Close()

	sanitized := sanitizeResponseHeaders(resp.Header)
	copyHeader(w.Header(), sanitized)

	attemptingCache := p.cacheOn && req.Method == http.MethodGet
	cacheable := attemptingCache && resp.StatusCode == http.StatusOK &&
		p.cache.ShouldCache(req.URL.Path, resp.Header.Get("Content-Type"))

	xCache := "BYPASS"
	if attemptingCache {
		xCache = "MISS"
	}
	w.Header().Set("X-Cache", xCache)
	w.WriteHeader(resp.StatusCode)

	var written int
	var bodyBuf []byte
	if cacheable {
		bodyBuf = make([]byte, 0, bufferHint(resp))
	}
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			wn, werr := w.Write(chunk)
			written += wn
			if cacheable {
				bodyBuf = append(bodyBuf, chunk[:wn]...)
			}
			if werr != nil {
				break
			}
		}
		if readErr != nil {
			break
		}
	}

	p.stats.bytesOut.Add(uint64(written))
	recordOutcome(&p.stats, resp.StatusCode)

	dur := time.Since(start)
	imetrics.ObserveProxyResponse(req.Method, resp.StatusCode, xCache, label.String(), dur)
	applog.LogProxyResponse(req, resp.StatusCode, written, dur, w.Header(), xCache, label.String())

	if cacheable {
		key, _ := ctx.Value(cacheKeyCtxKey{}).(string)
		if key == "" {
			key = cache.Key(req.Method, req.URL.Path, req.URL.RawQuery)
		}
		ttl := p.cache.TTLFromResponse(resp.Header)
		p.cache.Put(key, bodyBuf, resp.Header.Get("Content-Type"), resp.StatusCode, sanitized, ttl)
	}
}

func bufferHint(resp *http.Response) int {
	if resp.ContentLength > 0 && resp.ContentLength < 8<<20 {
		return int(resp.ContentLength)
	}
	return 4096
}

func recordOutcome(stats *statCounters, status int) {
	if status >= 200 && status < 400 {
		stats.successful.Add(1)
	} else {
		stats.failed.Add(1)
	}
}

// directRequest rewrites the outbound request per §4.4 step 3: the origin
// URI and the Host header. It also appends the client IP to
// X-Forwarded-For and sets X-Forwarded-Proto; all other headers are
// forwarded verbatim.
func (p *ReverseProxy) directRequest(outReq *http.Request) {
	outReq.URL.Scheme = p.target.Scheme
	outReq.URL.Host = p.target.Host
	outReq.Host = p.target.Host

	if clientIP, _, err := net.SplitHostPort(outReq.RemoteAddr); err == nil && clientIP != "" {
		if xff := outReq.Header.Get("X-Forwarded-For"); xff != "" {
			outReq.Header.Set("X-Forwarded-For", xff+", "+clientIP)
		} else {
			outReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	outReq.Header.Set("X-Forwarded-Proto", schemeOf(outReq))
}

func sourceIP(req *http.Request) net.IP {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	return net.ParseIP(host)
}

func parseContentLength(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
