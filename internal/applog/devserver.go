package applog

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// devResponseWriter captures the status code written by a downstream handler.
type devResponseWriter struct {
	http.ResponseWriter
	status int
	n      int
}

func (w *devResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *devResponseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.n += n
	return n, err
}

// WithRequestID assigns a UUIDv4 request ID to every request that lacks one.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-ID") == "" {
			r.Header.Set("X-Request-ID", uuid.NewString())
		}
		next.ServeHTTP(w, r)
	})
}

// WithRequestLogging emits a request/response log pair for the demo origin,
// labeled "devupstream" so it is distinguishable from the proxy's own logs.
func WithRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")

		reqLine := fmt.Sprintf("REQ method=%s url=%s req_id=%s", r.Method, r.URL.RequestURI(), reqID)
		Emit("info", "devupstream", map[string]string{
			"method":     r.Method,
			"host":       MustHostname(),
			"request_id": reqID,
		}, reqLine)

		lrw := &devResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lrw, r)

		status := lrw.status
		if status == 0 {
			status = http.StatusOK
		}
		dur := time.Since(start)
		respLine := fmt.Sprintf("RESP status=%d bytes=%d dur=%s req_id=%s", status, lrw.n, dur, reqID)
		Emit("info", "devupstream", map[string]string{
			"method":     r.Method,
			"status":     strconv.Itoa(status),
			"host":       MustHostname(),
			"request_id": reqID,
		}, respLine)
	})
}
