package proxy

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// ensureRequestID sets X-Request-ID on the request if missing and returns
// it. IDs are UUIDv4, replacing the teacher's timestamp-plus-counter
// scheme with the pack-wide google/uuid convention.
func ensureRequestID(req *http.Request) string {
	id := strings.TrimSpace(req.Header.Get("X-Request-ID"))
	if id == "" {
		id = uuid.NewString()
		req.Header.Set("X-Request-ID", id)
	}
	return id
}
