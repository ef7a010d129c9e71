package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/clipforge/mediaqueue/internal/api/response"
)

// Recovery converts handler panics into a 500 envelope instead of tearing
// down the connection mid-response. A panicking submit or stats handler must
// not take the whole server with it while workers are mid-job.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				attrs := []any{
					"error", err,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
				}
				if prefix, ok := getKeyPrefix(r); ok {
					attrs = append(attrs, "key_prefix", prefix)
				}
				slog.Error("panic recovered", attrs...)
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
