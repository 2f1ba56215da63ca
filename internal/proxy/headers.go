package proxy

import "net/http"

// hopHeaders lists hop-by-hop headers (RFC 7230) that must not be forwarded
// or cached.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// schemeOf reports the scheme the client used to reach the proxy.
func schemeOf(req *http.Request) string {
	if req.TLS != nil {
		return "https"
	}
	if sch := req.Header.Get("X-Forwarded-Proto"); sch != "" {
		return sch
	}
	return "http"
}

// copyHeader copies all header values from src into dst.
func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// sanitizeResponseHeaders returns a copy of headers with hop-by-hop headers
// removed. Hop-by-hop headers describe the single upstream connection, not
// the response body, and net/http's own server manages Connection/
// Transfer-Encoding framing on the client-facing side; forwarding them
// verbatim would fight that framing rather than preserve it.
func sanitizeResponseHeaders(headers http.Header) http.Header {
	sanitized := make(http.Header, len(headers))
	for k, vv := range headers {
		for _, v := range vv {
			sanitized.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		sanitized.Del(h)
	}
	return sanitized
}
