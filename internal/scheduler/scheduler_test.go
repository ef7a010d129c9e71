package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/mediaqueue/internal/artifactcache"
	"github.com/clipforge/mediaqueue/internal/history"
	"github.com/clipforge/mediaqueue/internal/retry"
	"github.com/clipforge/mediaqueue/internal/snapshot"
	"github.com/clipforge/mediaqueue/pkg/models"
)

// mockExecutor counts invocations and delegates to fn.
type mockExecutor struct {
	calls atomic.Int64
	fn    func(ctx context.Context, op string, params models.Params, sink models.ProgressFunc) (models.Artifact, error)
}

func (m *mockExecutor) Run(ctx context.Context, op string, params models.Params, sink models.ProgressFunc) (models.Artifact, error) {
	m.calls.Add(1)
	if m.fn != nil {
		return m.fn(ctx, op, params, sink)
	}
	return models.Artifact{Ref: "/artifacts/out", SizeBytes: 100}, nil
}

func succeedingExecutor(ref string) *mockExecutor {
	return &mockExecutor{fn: func(_ context.Context, _ string, _ models.Params, _ models.ProgressFunc) (models.Artifact, error) {
		return models.Artifact{Ref: ref, SizeBytes: 100}, nil
	}}
}

func failingExecutor(retryable bool) *mockExecutor {
	return &mockExecutor{fn: func(_ context.Context, _ string, _ models.Params, _ models.ProgressFunc) (models.Artifact, error) {
		return models.Artifact{}, &models.ExecutorError{Kind: "io", Message: "transient failure", Retryable: retryable}
	}}
}

// blockingExecutor blocks until its context is cancelled or release closes.
func blockingExecutor(started chan<- uuid.UUID, release <-chan struct{}) *mockExecutor {
	return &mockExecutor{fn: func(ctx context.Context, _ string, params models.Params, _ models.ProgressFunc) (models.Artifact, error) {
		if started != nil {
			id, _ := uuid.Parse(params["job"].(string))
			started <- id
		}
		select {
		case <-ctx.Done():
			return models.Artifact{}, fmt.Errorf("run: %w", ctx.Err())
		case <-release:
			return models.Artifact{Ref: "/artifacts/blocked", SizeBytes: 10}, nil
		}
	}}
}

type testOpts struct {
	workers   int
	snapshots *snapshot.Store
	poll      time.Duration
}

func newTestScheduler(t *testing.T, opts testOpts) *Scheduler {
	t.Helper()
	if opts.workers == 0 {
		opts.workers = 2
	}
	if opts.poll == 0 {
		opts.poll = 5 * time.Millisecond
	}
	s := New(Config{
		Workers:             opts.workers,
		PollInterval:        opts.poll,
		MaintenanceInterval: time.Hour,
	}, Deps{
		Cache:     artifactcache.New(1<<20, time.Hour),
		History:   history.NewMemory(100),
		Snapshots: opts.snapshots,
		Retry:     retry.Policy{DelayCap: 10 * time.Millisecond},
	})
	t.Cleanup(s.Stop)
	return s
}

func submit(t *testing.T, s *Scheduler, op string, params models.Params, prio models.Priority) uuid.UUID {
	t.Helper()
	id, err := s.Submit(context.Background(), SubmitRequest{
		OperationType: op,
		Params:        params,
		Priority:      prio,
	})
	require.NoError(t, err)
	return id
}

func waitForStatus(t *testing.T, s *Scheduler, id uuid.UUID, want models.Status) StatusView {
	t.Helper()
	var view StatusView
	require.Eventually(t, func() bool {
		v, err := s.GetStatus(context.Background(), id)
		if err != nil {
			return false
		}
		view = v
		return v.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s (last: %+v)", id, want, view)
	return view
}

func TestSubmit_UnsupportedOperationRejected(t *testing.T) {
	s := newTestScheduler(t, testOpts{})
	s.Register("trim", succeedingExecutor("/a/1"))

	_, err := s.Submit(context.Background(), SubmitRequest{OperationType: "hologram"})
	assert.ErrorIs(t, err, models.ErrUnsupportedOperation)
	assert.Equal(t, 0, s.GetQueueStats().QueueLength)
}

func TestSubmit_InvalidParamsRejected(t *testing.T) {
	s := newTestScheduler(t, testOpts{})
	s.Register("trim", succeedingExecutor("/a/1"))

	_, err := s.Submit(context.Background(), SubmitRequest{
		OperationType: "trim",
		Params:        models.Params{"bad": make(chan int)},
	})
	assert.ErrorIs(t, err, models.ErrInvalidParams)
}

func TestJob_CompletesEndToEnd(t *testing.T) {
	s := newTestScheduler(t, testOpts{})
	ex := succeedingExecutor("/artifacts/trimmed.mp4")
	s.Register("trim", ex)
	require.NoError(t, s.Start())

	id := submit(t, s, "trim", models.Params{"input": "a.mp4", "start": 0, "end": 30}, models.PriorityNormal)

	view := waitForStatus(t, s, id, models.StatusCompleted)
	assert.Equal(t, "/artifacts/trimmed.mp4", view.ResultRef)
	assert.InDelta(t, 100.0, view.ProgressPercent, 0.01)
	assert.Equal(t, int64(1), ex.calls.Load())
}

func TestGetStatus_UnknownJob(t *testing.T) {
	s := newTestScheduler(t, testOpts{})
	_, err := s.GetStatus(context.Background(), uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCacheIdempotence_SecondSubmitSkipsExecutor(t *testing.T) {
	s := newTestScheduler(t, testOpts{workers: 1})
	ex := succeedingExecutor("/artifacts/result.mp4")
	s.Register("trim", ex)
	require.NoError(t, s.Start())

	params := models.Params{"input": "a.mp4", "start": 5}
	first := submit(t, s, "trim", params, models.PriorityNormal)
	view1 := waitForStatus(t, s, first, models.StatusCompleted)

	second := submit(t, s, "trim", params, models.PriorityNormal)
	view2 := waitForStatus(t, s, second, models.StatusCompleted)

	assert.Equal(t, int64(1), ex.calls.Load(), "identical submission must hit the cache")
	assert.Equal(t, view1.ResultRef, view2.ResultRef)

	stats := s.GetCacheStats()
	assert.Equal(t, uint64(1), stats.Hits)
}

func TestRetryTermination_ExactInvocationCount(t *testing.T) {
	s := newTestScheduler(t, testOpts{workers: 1})
	ex := failingExecutor(true)
	s.Register("trim", ex)
	require.NoError(t, s.Start())

	maxRetries := 2
	id, err := s.Submit(context.Background(), SubmitRequest{
		OperationType: "trim",
		Params:        models.Params{"input": "a.mp4"},
		MaxRetries:    &maxRetries,
	})
	require.NoError(t, err)

	view := waitForStatus(t, s, id, models.StatusFailed)
	assert.Contains(t, view.Error, "transient failure")
	assert.Equal(t, int64(maxRetries+1), ex.calls.Load())

	summaries, err := s.GetHistory(context.Background(), 10, models.StatusFailed)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, maxRetries, summaries[0].RetryCount)
}

func TestNonRetryableFailure_SingleInvocation(t *testing.T) {
	s := newTestScheduler(t, testOpts{workers: 1})
	ex := failingExecutor(false)
	s.Register("trim", ex)
	require.NoError(t, s.Start())

	id := submit(t, s, "trim", models.Params{"input": "a.mp4"}, models.PriorityNormal)

	waitForStatus(t, s, id, models.StatusFailed)
	assert.Equal(t, int64(1), ex.calls.Load())
}

func TestCancelQueuedJob_ZeroExecutorInvocations(t *testing.T) {
	s := newTestScheduler(t, testOpts{})
	ex := succeedingExecutor("/a/1")
	s.Register("trim", ex)
	// Deliberately not started: the job can never be popped.

	id := submit(t, s, "trim", models.Params{"input": "a.mp4"}, models.PriorityNormal)
	assert.True(t, s.Cancel(context.Background(), id))

	view, err := s.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, view.Status)
	assert.Equal(t, int64(0), ex.calls.Load())
}

func TestCancel_UnknownReturnsFalse(t *testing.T) {
	s := newTestScheduler(t, testOpts{})
	assert.False(t, s.Cancel(context.Background(), uuid.New()))
}

func TestCancelRunningJob_CooperativeStop(t *testing.T) {
	s := newTestScheduler(t, testOpts{workers: 1})
	started := make(chan uuid.UUID, 1)
	release := make(chan struct{})
	defer close(release)
	s.Register("trim", blockingExecutor(started, release))
	require.NoError(t, s.Start())

	jobKey := uuid.New()
	id, err := s.Submit(context.Background(), SubmitRequest{
		OperationType: "trim",
		Params:        models.Params{"job": jobKey.String()},
	})
	require.NoError(t, err)

	<-started
	assert.True(t, s.Cancel(context.Background(), id))

	view := waitForStatus(t, s, id, models.StatusCancelled)
	assert.Equal(t, models.ErrCancelled.Error(), view.Error)
}

// A submitted job must be findable at every instant of its life, including
// while it bounces between the queue and a worker across retries. Run with
// the race detector: status reads must not touch job fields a worker writes.
func TestGetStatus_AlwaysVisibleAcrossRetries(t *testing.T) {
	s := newTestScheduler(t, testOpts{workers: 2})
	ex := failingExecutor(true)
	s.Register("trim", ex)
	require.NoError(t, s.Start())

	maxRetries := 5
	id, err := s.Submit(context.Background(), SubmitRequest{
		OperationType: "trim",
		Params:        models.Params{"input": "a.mp4"},
		MaxRetries:    &maxRetries,
	})
	require.NoError(t, err)

	lookupErr := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			view, err := s.GetStatus(context.Background(), id)
			if err != nil {
				lookupErr <- err
				return
			}
			if view.Status == models.StatusFailed {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached a terminal state")
	}
	select {
	case err := <-lookupErr:
		t.Fatalf("status lookup failed for a live job: %v", err)
	default:
	}
	assert.Equal(t, int64(maxRetries+1), ex.calls.Load())
}

// A cancel that lands after the pop but before the executor call must win:
// the attempt ends cancelled and the executor is never invoked.
func TestCancelDuringDispatch_ExecutorNeverInvoked(t *testing.T) {
	s := newTestScheduler(t, testOpts{})
	ex := succeedingExecutor("/a/1")
	s.Register("trim", ex)
	// Not started: dispatch is driven by hand so the cancel deterministically
	// lands in the window between the pop and the executor call.
	id := submit(t, s, "trim", models.Params{"input": "a.mp4"}, models.PriorityNormal)

	job, runCtx, rj, ok := s.dispatchNext()
	require.True(t, ok)
	require.Equal(t, id, job.ID)

	assert.True(t, s.Cancel(context.Background(), id), "dispatched job must still be cancellable")
	s.execute(job, runCtx, rj, 0)

	assert.Equal(t, int64(0), ex.calls.Load())
	view, err := s.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, view.Status)
}

func TestExpiredDeadline_JobNotExecuted(t *testing.T) {
	s := newTestScheduler(t, testOpts{workers: 1})
	ex := succeedingExecutor("/a/1")
	s.Register("trim", ex)
	require.NoError(t, s.Start())

	past := time.Now().Add(-time.Second)
	id, err := s.Submit(context.Background(), SubmitRequest{
		OperationType: "trim",
		Params:        models.Params{"input": "a.mp4"},
		Deadline:      &past,
	})
	require.NoError(t, err)

	waitForStatus(t, s, id, models.StatusCancelled)
	assert.Equal(t, int64(0), ex.calls.Load())
}

func TestConcreteScenario_OneWorkerThreeIdenticalJobs(t *testing.T) {
	s := newTestScheduler(t, testOpts{workers: 1})
	ex := succeedingExecutor("/artifacts/shared.mp4")
	s.Register("speed", ex)
	require.NoError(t, s.Start())

	params := models.Params{"input": "clip.mp4", "factor": 2}
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		id, err := s.Submit(context.Background(), SubmitRequest{
			OperationType:     "speed",
			Params:            params,
			Priority:          models.PriorityNormal,
			EstimatedDuration: time.Second,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var refs []string
	for _, id := range ids {
		view := waitForStatus(t, s, id, models.StatusCompleted)
		refs = append(refs, view.ResultRef)
	}

	assert.Equal(t, int64(1), ex.calls.Load(), "only the first job may reach the executor")
	assert.Equal(t, refs[0], refs[1])
	assert.Equal(t, refs[0], refs[2])

	// Cache-hit completions record near-zero execution time.
	summaries, err := s.GetHistory(context.Background(), 10, models.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	hits := 0
	for _, sum := range summaries {
		if sum.CacheHit {
			hits++
			assert.Less(t, sum.ExecutionTime, 100*time.Millisecond)
		}
	}
	assert.Equal(t, 2, hits)
}

func TestQueueStats_Reporting(t *testing.T) {
	s := newTestScheduler(t, testOpts{})
	s.Register("trim", succeedingExecutor("/a/1"))

	submit(t, s, "trim", models.Params{"n": 1}, models.PriorityLow)
	submit(t, s, "trim", models.Params{"n": 2}, models.PriorityUrgent)

	stats := s.GetQueueStats()
	assert.Equal(t, 2, stats.QueueLength)
	assert.Equal(t, uint64(2), stats.TotalSubmitted)
	assert.Equal(t, 1, stats.PerPriority["low"])
	assert.Equal(t, 1, stats.PerPriority["urgent"])
	assert.Equal(t, 0, stats.RunningCount)
}

func TestSubscribe_StreamsProgressThenCloses(t *testing.T) {
	s := newTestScheduler(t, testOpts{workers: 1})
	s.Register("fade", &mockExecutor{fn: func(_ context.Context, _ string, _ models.Params, sink models.ProgressFunc) (models.Artifact, error) {
		sink(25, "analyzing")
		sink(75, "rendering")
		return models.Artifact{Ref: "/a/faded", SizeBytes: 10}, nil
	}})

	id := submit(t, s, "fade", models.Params{"input": "a.mp4"}, models.PriorityNormal)

	ch, cancel, err := s.Subscribe(context.Background(), id)
	require.NoError(t, err)
	defer cancel()

	var mu sync.Mutex
	var finals []bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		for snap := range ch {
			mu.Lock()
			finals = append(finals, snap.Terminal)
			mu.Unlock()
		}
	}()

	require.NoError(t, s.Start())
	waitForStatus(t, s, id, models.StatusCompleted)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("subscription channel never closed")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, finals)
	assert.True(t, finals[len(finals)-1], "last pushed snapshot must be terminal")
}

func TestSubscribe_TerminalJobGetsFinalSnapshot(t *testing.T) {
	s := newTestScheduler(t, testOpts{workers: 1})
	s.Register("trim", succeedingExecutor("/a/1"))
	require.NoError(t, s.Start())

	id := submit(t, s, "trim", models.Params{"input": "a.mp4"}, models.PriorityNormal)
	waitForStatus(t, s, id, models.StatusCompleted)

	ch, cancel, err := s.Subscribe(context.Background(), id)
	require.NoError(t, err)
	defer cancel()

	snap, open := <-ch
	require.True(t, open)
	assert.True(t, snap.Terminal)
	assert.InDelta(t, 100.0, snap.Percent, 0.01)

	_, open = <-ch
	assert.False(t, open)
}

func TestClearCache(t *testing.T) {
	s := newTestScheduler(t, testOpts{workers: 1})
	s.Register("trim", succeedingExecutor("/a/1"))
	require.NoError(t, s.Start())

	id := submit(t, s, "trim", models.Params{"input": "a.mp4"}, models.PriorityNormal)
	waitForStatus(t, s, id, models.StatusCompleted)

	assert.Equal(t, 1, s.ClearCache(""))
	assert.Equal(t, 0, s.GetCacheStats().EntryCount)
}

func TestRestart_RestoresQueuedJobs(t *testing.T) {
	dir := t.TempDir()
	snaps, err := snapshot.NewStore(dir)
	require.NoError(t, err)

	// First instance: long poll interval so workers never pop before Stop.
	s1 := newTestScheduler(t, testOpts{workers: 1, snapshots: snaps, poll: time.Hour})
	s1.Register("trim", succeedingExecutor("/a/1"))
	require.NoError(t, s1.Start())

	idA := submit(t, s1, "trim", models.Params{"n": 1}, models.PriorityNormal)
	idB := submit(t, s1, "trim", models.Params{"n": 2}, models.PriorityHigh)
	s1.Stop()

	// Second instance restores and drains the queue.
	s2 := newTestScheduler(t, testOpts{workers: 1, snapshots: snaps})
	s2.Register("trim", succeedingExecutor("/a/1"))
	require.NoError(t, s2.Start())

	waitForStatus(t, s2, idA, models.StatusCompleted)
	waitForStatus(t, s2, idB, models.StatusCompleted)
}

func TestStartStop_Idempotent(t *testing.T) {
	s := newTestScheduler(t, testOpts{})
	s.Register("trim", succeedingExecutor("/a/1"))

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	s.Stop()
	s.Stop()
}
