package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/example/payflow/internal/security"
)

// AuditMiddleware records every state-changing request. Reads are left to
// the request log.
func AuditMiddleware(a Auditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			sw := newStatusWriter(w)
			start := time.Now()
			next.ServeHTTP(sw, r)

			a.Record("http.request", security.CorrelationIDFromContext(r.Context()), map[string]string{
				"method": r.Method,
				"path":   r.URL.Path,
				"status": strconv.Itoa(sw.status),
				"dur_ms": strconv.FormatInt(time.Since(start).Milliseconds(), 10),
			})
		})
	}
}
