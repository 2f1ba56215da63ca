package applog

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

func parseCacheControlList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// LogProxyRequest logs a forwarded (non-cache-hit) proxy request.
func LogProxyRequest(r *http.Request, label string) {
	url := r.URL.RequestURI()
	labels := map[string]string{
		"method":     r.Method,
		"status":     "pending",
		"cache":      "MISS",
		"label":      label,
		"host":       MustHostname(),
		"request_id": r.Header.Get("X-Request-ID"),
		"url":        url,
	}
	infoLine := fmt.Sprintf("REQ method=%s url=%s label=%s | cache=MISS req_id=%s", r.Method, url, label, r.Header.Get("X-Request-ID"))
	Emit("info", "proxy", labels, infoLine)

	debugLine := fmt.Sprintf("REQ remote=%s method=%s url=%s proto=%s label=%s req-content-length=%s headers=%v",
		r.RemoteAddr, r.Method, url, r.Proto, label, r.Header.Get("Content-Length"), r.Header)
	Emit("debug", "proxy", labels, debugLine)
}

// LogProxyCacheHit logs a response served directly from cache.
func LogProxyCacheHit(r *http.Request, label string) {
	url := r.URL.RequestURI()
	labels := map[string]string{
		"method":     r.Method,
		"status":     "200",
		"cache":      "HIT",
		"label":      label,
		"host":       MustHostname(),
		"request_id": r.Header.Get("X-Request-ID"),
		"url":        url,
	}
	infoLine := fmt.Sprintf("REQ method=%s url=%s label=%s | cache=HIT req_id=%s", r.Method, url, label, r.Header.Get("X-Request-ID"))
	Emit("info", "proxy", labels, infoLine)
}

// LogProxyError emits an error-level log for upstream/proxy failures.
func LogProxyError(r *http.Request, status int, label string, err error) {
	url := r.URL.RequestURI()
	labels := map[string]string{
		"method":     r.Method,
		"status":     strconv.Itoa(status),
		"cache":      "BYPASS",
		"label":      label,
		"host":       MustHostname(),
		"request_id": r.Header.Get("X-Request-ID"),
		"url":        url,
	}
	line := fmt.Sprintf("ERROR status=%d method=%s url=%s label=%s err=%v req_id=%s",
		status, r.Method, url, label, err, r.Header.Get("X-Request-ID"))
	Emit("error", "proxy", labels, line)
}

// LogProxyResponse logs a completed (non-cache-hit) response.
func LogProxyResponse(r *http.Request, status, bytesOut int, dur time.Duration, respHeaders http.Header, cacheState, label string) {
	url := r.URL.RequestURI()
	labels := map[string]string{
		"method":     r.Method,
		"status":     strconv.Itoa(status),
		"cache":      cacheState,
		"label":      label,
		"host":       MustHostname(),
		"request_id": r.Header.Get("X-Request-ID"),
		"url":        url,
	}
	infoLine := fmt.Sprintf("RESP status=%d bytes=%d dur=%s cache=%s label=%s req_id=%s",
		status, bytesOut, dur.String(), cacheState, label, r.Header.Get("X-Request-ID"))
	Emit("info", "proxy", labels, infoLine)

	debugLine := fmt.Sprintf("RESP status=%d bytes=%d dur=%s resp_headers=%v | req_cc=%v resp_cc=%v",
		status, bytesOut, dur.String(), respHeaders, parseCacheControlList(r.Header.Get("Cache-Control")), parseCacheControlList(respHeaders.Get("Cache-Control")))
	Emit("debug", "proxy", labels, debugLine)
}
