package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clipforge/mediaqueue/internal/api/response"
	"github.com/clipforge/mediaqueue/internal/progress"
	"github.com/clipforge/mediaqueue/internal/scheduler"
	"github.com/clipforge/mediaqueue/pkg/models"
)

// JobService defines the scheduler operations the job handlers depend on.
type JobService interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (uuid.UUID, error)
	GetStatus(ctx context.Context, id uuid.UUID) (scheduler.StatusView, error)
	Cancel(ctx context.Context, id uuid.UUID) bool
	Subscribe(ctx context.Context, id uuid.UUID) (<-chan progress.Snapshot, func(), error)
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OperationType       string        `json:"operation_type"`
			Params              models.Params `json:"params"`
			Priority            string        `json:"priority"`
			MaxRetries          *int          `json:"max_retries"`
			EstimatedDurationMS int64         `json:"estimated_duration_ms"`
			Deadline            string        `json:"deadline"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.OperationType == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "operation_type is required", nil)
			return
		}

		var deadline *time.Time
		if req.Deadline != "" {
			d, err := time.Parse(time.RFC3339, req.Deadline)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"deadline must be a valid RFC3339 timestamp", nil)
				return
			}
			deadline = &d
		}

		id, err := svc.Submit(r.Context(), scheduler.SubmitRequest{
			OperationType:     req.OperationType,
			Params:            req.Params,
			Priority:          models.ParsePriority(req.Priority),
			MaxRetries:        req.MaxRetries,
			EstimatedDuration: time.Duration(req.EstimatedDurationMS) * time.Millisecond,
			Deadline:          deadline,
		})
		if err != nil {
			switch {
			case errors.Is(err, models.ErrUnsupportedOperation):
				response.Error(w, http.StatusBadRequest, "UNSUPPORTED_OPERATION",
					"No executor handles this operation type", nil)
			case errors.Is(err, models.ErrInvalidParams):
				response.Error(w, http.StatusBadRequest, "INVALID_PARAMS",
					"Params contain values that cannot be serialized", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Accepted(w, map[string]string{"job_id": id.String()})
	}
}

// NewStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		view, err := svc.GetStatus(r.Context(), id)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No such job", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, view)
	}
}

// NewCancelHandler returns an http.HandlerFunc for DELETE /api/v1/jobs/{jobID}.
func NewCancelHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		if !svc.Cancel(r.Context(), id) {
			response.Error(w, http.StatusConflict, "NOT_CANCELLABLE",
				"Job is unknown or already terminal", nil)
			return
		}

		response.JSON(w, map[string]any{"job_id": id.String(), "cancelled": true})
	}
}

// NewEventsHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/events.
// It streams progress snapshots as server-sent events until the job reaches a
// terminal state or the client disconnects.
func NewEventsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		flusher, canFlush := w.(http.Flusher)
		if !canFlush {
			response.Error(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED",
				"Response writer does not support streaming", nil)
			return
		}

		ch, cancel, err := svc.Subscribe(r.Context(), id)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No such job", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case snap, open := <-ch:
				if !open {
					return
				}
				data, err := json.Marshal(snap)
				if err != nil {
					continue
				}
				w.Write([]byte("event: progress\ndata: "))
				w.Write(data)
				w.Write([]byte("\n\n"))
				flusher.Flush()
			}
		}
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
