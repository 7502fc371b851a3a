package daemon

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"discburner/internal/services"
)

const requestIDHeader = "X-Request-ID"

// withRequestID tags each request with a correlation id, reusing the
// caller's X-Request-ID when it sends one, and echoes it in the response.
func withRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next(w, r.WithContext(services.WithRequestID(r.Context(), id)))
	}
}
