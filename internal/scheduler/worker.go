package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/mediaqueue/pkg/models"
)

// runWorker is one execution slot. It pulls the highest-priority eligible
// job, consults the cache, and hands misses to the executor. The slot only
// suspends while idle-polling an empty queue or awaiting an executor; retry
// backoff never occupies a slot (the job is requeued with a deferred
// eligibility timestamp instead).
func (s *Scheduler) runWorker(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, runCtx, rj, ok := s.dispatchNext()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.PollInterval):
			}
			continue
		}
		s.execute(job, runCtx, rj, workerID)
	}
}

// dispatchNext moves the next eligible job from the queued-set straight into
// the running-set under the scheduler mutex, so status and cancel lookups
// never observe a job that belongs to neither. The run context is created
// here; a cancel that lands during dispatch fires it before the executor
// starts.
func (s *Scheduler) dispatchNext() (*models.Job, context.Context, *runningJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.queue.PopNext()
	if !ok {
		return nil, nil, nil, false
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if job.Deadline != nil {
		runCtx, cancel = context.WithDeadline(context.Background(), *job.Deadline)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}
	rj := &runningJob{job: job, cancel: cancel}
	s.running[job.ID] = rj
	return job, runCtx, rj, true
}

// dropRunning removes the job's running-set entry, but only if it is still the
// one this attempt installed. A requeued job may already have been
// re-dispatched by another worker; its fresh entry must survive.
func (s *Scheduler) dropRunning(job *models.Job, rj *runningJob) {
	s.mu.Lock()
	if s.running[job.ID] == rj {
		delete(s.running, job.ID)
	}
	s.mu.Unlock()
}

// execute runs one attempt of a job. Exactly one executor invocation per
// attempt, one cache write per successful job, one history append per
// terminal job. The job stays in the running-set until its terminal state is
// recorded or it is requeued, so lookups always find it somewhere.
func (s *Scheduler) execute(job *models.Job, runCtx context.Context, rj *runningJob, workerID int) {
	s.busyWorkers.Add(1)
	defer s.busyWorkers.Add(-1)
	defer rj.cancel()
	defer s.dropRunning(job, rj)

	ctx := context.Background()

	if runCtx.Err() != nil || s.tracker.IsCancelled(job.ID) {
		job.Status = models.StatusCancelled
		job.Error = models.ErrCancelled.Error()
		s.recordTerminal(ctx, job, false)
		s.tracker.MarkCancelled(job.ID)
		s.tracker.Remove(job.ID)
		slog.Info("job cancelled before start", "job_id", job.ID, "worker", workerID)
		return
	}

	fingerprint, err := models.Fingerprint(job.OperationType, job.Params)
	if err != nil {
		// Params were validated at Submit; reaching this means a restored
		// snapshot carried something unhashable.
		s.finishFailed(ctx, job, err.Error())
		return
	}

	now := time.Now().UTC()
	if job.StartedAt == nil {
		t := now
		job.StartedAt = &t
	}

	if artifact, hit := s.deps.Cache.Lookup(fingerprint); hit {
		job.Status = models.StatusCompleted
		job.Result = &artifact
		done := time.Now().UTC()
		job.CompletedAt = &done
		s.recordTerminal(ctx, job, true)
		s.tracker.Complete(job.ID, "completed (cache hit)")
		s.tracker.Remove(job.ID)
		slog.Info("job completed from cache",
			"job_id", job.ID, "operation_type", job.OperationType, "worker", workerID)
		return
	}

	executor, ok := s.executor(job.OperationType)
	if !ok {
		s.finishFailed(ctx, job, "no executor registered for "+job.OperationType)
		return
	}

	job.Status = models.StatusRunning
	s.tracker.CreateFor(job.ID, 100)
	s.mirrorStatus(ctx, job, 0, "running")

	sink := s.progressSink(job.ID)
	artifact, err := executor.Run(runCtx, job.OperationType, job.Params, sink)

	switch {
	case err == nil:
		if !s.deps.Cache.Store(fingerprint, job.OperationType, artifact) {
			slog.Warn("result not cached, capacity exceeded",
				"job_id", job.ID, "size_bytes", artifact.SizeBytes)
		}
		job.Status = models.StatusCompleted
		job.Result = &artifact
		s.recordTerminal(ctx, job, false)
		s.tracker.Complete(job.ID, "completed")
		s.tracker.Remove(job.ID)
		slog.Info("job completed",
			"job_id", job.ID, "operation_type", job.OperationType,
			"worker", workerID, "duration", job.ExecutionTime())

	case models.IsCancelled(err) || s.tracker.IsCancelled(job.ID):
		job.Status = models.StatusCancelled
		job.Error = models.ErrCancelled.Error()
		s.recordTerminal(ctx, job, false)
		s.tracker.MarkCancelled(job.ID)
		s.tracker.Remove(job.ID)
		slog.Info("job cancelled mid-run", "job_id", job.ID, "worker", workerID)

	default:
		decision := s.deps.Retry.Decide(job.RetryCount, job.MaxRetries, err)
		if !decision.Retry {
			s.finishFailed(ctx, job, err.Error())
			slog.Warn("job failed",
				"job_id", job.ID, "operation_type", job.OperationType,
				"retries", job.RetryCount, "error", err)
			return
		}
		job.RetryCount++
		job.Status = models.StatusQueued
		job.Error = err.Error()
		s.mirrorStatus(ctx, job, 0, "queued for retry")
		slog.Info("job requeued after failure",
			"job_id", job.ID, "retry", job.RetryCount,
			"max_retries", job.MaxRetries, "delay", decision.Delay, "error", err)
		// Requeue last: once the job is back in the queued-set another worker
		// may pop it, so nothing here may touch it afterwards.
		s.queue.Requeue(job, time.Now().Add(decision.Delay))
		s.dropRunning(job, rj)
	}
}

func (s *Scheduler) finishFailed(ctx context.Context, job *models.Job, errMsg string) {
	job.Status = models.StatusFailed
	job.Error = errMsg
	s.recordTerminal(ctx, job, false)
	s.tracker.Fail(job.ID, errMsg)
	s.tracker.Remove(job.ID)
}

// progressSink routes executor progress into the tracker. It must stay cheap:
// the tracker copes with out-of-order and post-terminal updates itself.
func (s *Scheduler) progressSink(jobID uuid.UUID) models.ProgressFunc {
	return func(step int, message string) {
		s.tracker.Update(jobID, step, message)
	}
}
