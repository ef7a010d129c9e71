package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/mediaqueue/internal/api"
	"github.com/clipforge/mediaqueue/internal/api/handler"
	mw "github.com/clipforge/mediaqueue/internal/api/middleware"
	"github.com/clipforge/mediaqueue/internal/artifactcache"
	"github.com/clipforge/mediaqueue/internal/executor"
	"github.com/clipforge/mediaqueue/internal/executor/simulated"
	"github.com/clipforge/mediaqueue/internal/history"
	"github.com/clipforge/mediaqueue/internal/retry"
	"github.com/clipforge/mediaqueue/internal/scheduler"
)

// newTestServer wires the full stack the way run() does, minus the optional
// Postgres and Redis backends, with fast simulated executors.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	sched := scheduler.New(scheduler.Config{
		Workers:             2,
		PollInterval:        5 * time.Millisecond,
		MaintenanceInterval: time.Hour,
	}, scheduler.Deps{
		Cache:   artifactcache.New(1<<20, time.Hour),
		History: history.NewMemory(100),
		Retry:   retry.Policy{DelayCap: 10 * time.Millisecond},
	})
	ex := simulated.New(simulated.WithScale(0.01))
	for _, op := range executor.Operations {
		sched.Register(op, ex)
	}
	require.NoError(t, sched.Start())
	t.Cleanup(sched.Stop)

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(nil),
		RateLimit: mw.NewRateLimit(nil, 60),

		HealthHandler: handler.NewHealthHandler(map[string]func(context.Context) error{
			"history": nil,
			"mirror":  nil,
		}),
		SubmitHandler:     handler.NewSubmitHandler(sched),
		StatusHandler:     handler.NewStatusHandler(sched),
		CancelHandler:     handler.NewCancelHandler(sched),
		EventsHandler:     handler.NewEventsHandler(sched),
		QueueStatsHandler: handler.NewQueueStatsHandler(sched),
		CacheStatsHandler: handler.NewCacheStatsHandler(sched),
		ClearCacheHandler: handler.NewClearCacheHandler(sched),
		HistoryHandler:    handler.NewHistoryHandler(sched),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decodeData(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var env struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env.Data
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_SubmitPollComplete(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/jobs", map[string]any{
		"operation_type": "thumbnail",
		"params":         map[string]any{"input": "clip.mp4", "at_second": 3},
		"priority":       "high",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := decodeData(t, resp)["job_id"].(string)
	require.NotEmpty(t, jobID)

	statusURL := fmt.Sprintf("%s/api/v1/jobs/%s", srv.URL, jobID)
	require.Eventually(t, func() bool {
		r, err := http.Get(statusURL)
		if err != nil {
			return false
		}
		data := decodeData(t, r)
		return data["status"] == "completed"
	}, 5*time.Second, 10*time.Millisecond)

	r, err := http.Get(statusURL)
	require.NoError(t, err)
	data := decodeData(t, r)
	assert.Contains(t, data["result_ref"], "/artifacts/thumbnail/")
	assert.InDelta(t, 100.0, data["progress_percent"], 0.01)
}

func TestServer_IdenticalSubmissionsShareResult(t *testing.T) {
	srv := newTestServer(t)

	body := map[string]any{
		"operation_type": "trim",
		"params":         map[string]any{"input": "clip.mp4", "start": 0, "end": 10},
	}

	var ids []string
	for i := 0; i < 2; i++ {
		resp := postJSON(t, srv.URL+"/api/v1/jobs", body)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		ids = append(ids, decodeData(t, resp)["job_id"].(string))
	}
	assert.NotEqual(t, ids[0], ids[1], "each submission gets its own job id")

	var refs []string
	for _, id := range ids {
		statusURL := fmt.Sprintf("%s/api/v1/jobs/%s", srv.URL, id)
		require.Eventually(t, func() bool {
			r, err := http.Get(statusURL)
			if err != nil {
				return false
			}
			data := decodeData(t, r)
			if data["status"] != "completed" {
				return false
			}
			refs = append(refs, data["result_ref"].(string))
			return true
		}, 5*time.Second, 10*time.Millisecond)
	}
	assert.Equal(t, refs[0], refs[1])
}

func TestServer_UnsupportedOperationRejected(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/jobs", map[string]any{
		"operation_type": "hologram",
	})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_QueueStats(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/stats/queue")
	require.NoError(t, err)
	data := decodeData(t, resp)

	assert.Contains(t, data, "queue_length")
	assert.Contains(t, data, "worker_utilization_percent")
}
