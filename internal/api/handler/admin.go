package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/clipforge/mediaqueue/internal/api/response"
	"github.com/clipforge/mediaqueue/internal/artifactcache"
	"github.com/clipforge/mediaqueue/internal/scheduler"
	"github.com/clipforge/mediaqueue/pkg/models"
)

// AdminService defines the stats and maintenance operations the admin
// handlers depend on.
type AdminService interface {
	GetQueueStats() scheduler.QueueStats
	GetCacheStats() artifactcache.Stats
	ClearCache(operationType string) int
	GetHistory(ctx context.Context, limit int, status models.Status) ([]models.JobSummary, error)
}

// NewQueueStatsHandler returns an http.HandlerFunc for GET /api/v1/stats/queue.
func NewQueueStatsHandler(svc AdminService) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, svc.GetQueueStats())
	}
}

// NewCacheStatsHandler returns an http.HandlerFunc for GET /api/v1/stats/cache.
func NewCacheStatsHandler(svc AdminService) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, svc.GetCacheStats())
	}
}

// NewClearCacheHandler returns an http.HandlerFunc for POST /api/v1/cache/clear.
// An empty or absent operation_type clears everything.
func NewClearCacheHandler(svc AdminService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OperationType string `json:"operation_type"`
		}
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
				return
			}
		}

		removed := svc.ClearCache(req.OperationType)
		response.JSON(w, map[string]any{
			"operation_type": req.OperationType,
			"removed":        removed,
		})
	}
}

// NewHistoryHandler returns an http.HandlerFunc for GET /api/v1/history.
// Supports limit and status query parameters.
func NewHistoryHandler(svc AdminService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"limit must be a positive integer", nil)
				return
			}
			limit = n
		}

		var status models.Status
		if v := r.URL.Query().Get("status"); v != "" {
			if !models.ValidStatus(v) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"status must be one of queued, running, completed, failed, cancelled", nil)
				return
			}
			status = models.Status(v)
		}

		summaries, err := svc.GetHistory(r.Context(), limit, status)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		if summaries == nil {
			summaries = []models.JobSummary{}
		}

		response.JSON(w, summaries)
	}
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
// The check callbacks are optional; a nil check is reported as "disabled".
func NewHealthHandler(checks map[string]func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		components := make(map[string]string, len(checks))
		for name, check := range checks {
			if check == nil {
				components[name] = "disabled"
				continue
			}
			if err := check(r.Context()); err != nil {
				components[name] = "unhealthy"
				status = http.StatusServiceUnavailable
				continue
			}
			components[name] = "ok"
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status":     overall,
			"components": components,
		})
	}
}
