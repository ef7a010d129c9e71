package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/clipforge/mediaqueue/internal/api/middleware"
	"github.com/clipforge/mediaqueue/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler     http.HandlerFunc
	SubmitHandler     http.HandlerFunc
	StatusHandler     http.HandlerFunc
	CancelHandler     http.HandlerFunc
	EventsHandler     http.HandlerFunc
	QueueStatsHandler http.HandlerFunc
	CacheStatsHandler http.HandlerFunc
	ClearCacheHandler http.HandlerFunc
	HistoryHandler    http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.StatusHandler))
		r.Delete("/api/v1/jobs/{jobID}", orNotImplemented(deps.CancelHandler))
		r.Get("/api/v1/jobs/{jobID}/events", orNotImplemented(deps.EventsHandler))

		r.Get("/api/v1/stats/queue", orNotImplemented(deps.QueueStatsHandler))
		r.Get("/api/v1/stats/cache", orNotImplemented(deps.CacheStatsHandler))
		r.Post("/api/v1/cache/clear", orNotImplemented(deps.ClearCacheHandler))

		r.Get("/api/v1/history", orNotImplemented(deps.HistoryHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
