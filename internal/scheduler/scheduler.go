// Package scheduler is the composition root: it owns the queue, the worker
// pool, the result cache, the progress tracker, and the job history, and
// exposes the caller-facing operations. There is no ambient global state; a
// Scheduler is constructed once at process start and passed by handle.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/clipforge/mediaqueue/internal/artifactcache"
	"github.com/clipforge/mediaqueue/internal/history"
	"github.com/clipforge/mediaqueue/internal/progress"
	"github.com/clipforge/mediaqueue/internal/queue"
	"github.com/clipforge/mediaqueue/internal/retry"
	"github.com/clipforge/mediaqueue/internal/snapshot"
	"github.com/clipforge/mediaqueue/internal/statusmirror"
	"github.com/clipforge/mediaqueue/pkg/models"
)

const (
	queueSnapshotName = "queue.json"
	cacheIndexName    = "cache_index.json"
)

// Config tunes the scheduler. Zero values fall back to the defaults below.
type Config struct {
	Workers             int
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
	MirrorTTL           time.Duration
	DefaultMaxRetries   int
}

const (
	defaultWorkers             = 3
	defaultPollInterval        = 50 * time.Millisecond
	defaultMaintenanceInterval = time.Minute
	defaultMirrorTTL           = 30 * time.Minute
	defaultMaxRetries          = 3
)

func (c *Config) applyDefaults() {
	if c.Workers < 1 {
		c.Workers = defaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = defaultMaintenanceInterval
	}
	if c.MirrorTTL <= 0 {
		c.MirrorTTL = defaultMirrorTTL
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = defaultMaxRetries
	}
}

// Deps are the collaborators the scheduler wires together. Cache and History
// are required; Mirror and Snapshots are optional.
type Deps struct {
	Cache     *artifactcache.Store
	History   history.History
	Mirror    statusmirror.Mirror
	Snapshots *snapshot.Store
	Retry     retry.Policy
}

type runningJob struct {
	job    *models.Job
	cancel context.CancelFunc
}

// Scheduler admits, executes, caches, and reports on jobs.
type Scheduler struct {
	cfg   Config
	deps  Deps
	queue *queue.Queue

	tracker *progress.Tracker

	regMu     sync.RWMutex
	executors map[string]models.Executor

	mu      sync.Mutex
	running map[uuid.UUID]*runningJob
	started bool
	stop    context.CancelFunc
	group   *errgroup.Group
	cron    *cron.Cron

	busyWorkers    atomic.Int32
	completedCount atomic.Uint64
	failedCount    atomic.Uint64
	cancelledCount atomic.Uint64
}

// New constructs a Scheduler. Executors must be registered before Start.
func New(cfg Config, deps Deps) *Scheduler {
	cfg.applyDefaults()
	if deps.Retry == (retry.Policy{}) {
		deps.Retry = retry.New()
	}
	s := &Scheduler{
		cfg:       cfg,
		deps:      deps,
		tracker:   progress.NewTracker(),
		executors: make(map[string]models.Executor),
		running:   make(map[uuid.UUID]*runningJob),
	}
	s.queue = queue.New(s.supports)
	return s
}

// Register binds an executor to an operation type. Not safe to call after
// Start.
func (s *Scheduler) Register(operationType string, ex models.Executor) {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	s.executors[operationType] = ex
}

func (s *Scheduler) supports(operationType string) bool {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	_, ok := s.executors[operationType]
	return ok
}

func (s *Scheduler) executor(operationType string) (models.Executor, bool) {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	ex, ok := s.executors[operationType]
	return ex, ok
}

// Start restores persisted state, launches the worker pool, and schedules
// periodic maintenance. Idempotent.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	s.restore()

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.group, _ = errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		id := i
		s.group.Go(func() error {
			s.runWorker(ctx, id)
			return nil
		})
	}

	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.MaintenanceInterval)
	if _, err := s.cron.AddFunc(spec, s.maintain); err != nil {
		cancel()
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	s.cron.Start()

	s.started = true
	slog.Info("scheduler started", "workers", s.cfg.Workers)
	return nil
}

// Stop halts the worker pool, draining in-flight work, persists a final
// snapshot, and stops maintenance. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stop := s.stop
	group := s.group
	cronRunner := s.cron
	s.mu.Unlock()

	stop()
	group.Wait()
	if cronRunner != nil {
		<-cronRunner.Stop().Done()
	}
	s.persist()
	slog.Info("scheduler stopped")
}

// maintain is the periodic background pass: TTL sweep plus state persistence.
func (s *Scheduler) maintain() {
	if removed := s.deps.Cache.Sweep(); removed > 0 {
		slog.Info("cache sweep", "removed", removed)
	}
	s.persist()
}

func (s *Scheduler) persist() {
	if s.deps.Snapshots == nil {
		return
	}
	if data, err := s.queue.Snapshot(); err != nil {
		slog.Error("snapshot queue", "error", err)
	} else if err := s.deps.Snapshots.SaveRaw(queueSnapshotName, data); err != nil {
		slog.Error("persist queue snapshot", "error", err)
	}
	if data, err := s.deps.Cache.Snapshot(); err != nil {
		slog.Error("snapshot cache index", "error", err)
	} else if err := s.deps.Snapshots.SaveRaw(cacheIndexName, data); err != nil {
		slog.Error("persist cache index", "error", err)
	}
}

// restore loads the queue snapshot and cache index written by a previous
// process. Corrupt or partial documents are discarded with a warning; startup
// never fails on persisted state.
func (s *Scheduler) restore() {
	if s.deps.Snapshots == nil {
		return
	}

	if data, err := s.deps.Snapshots.LoadRaw(queueSnapshotName); err == nil {
		quarantined, err := s.queue.Restore(data)
		if err != nil {
			slog.Warn("discarding corrupt queue snapshot", "error", err)
		} else {
			for _, job := range quarantined {
				slog.Warn("quarantined queued job with unknown operation",
					"job_id", job.ID, "operation_type", job.OperationType)
			}
			for _, job := range s.queue.Jobs() {
				s.tracker.CreateFor(job.ID, 100)
			}
			slog.Info("queue snapshot restored", "queued", s.queue.Len())
		}
	} else if err != snapshot.ErrNotExist {
		slog.Warn("loading queue snapshot", "error", err)
	}

	if data, err := s.deps.Snapshots.LoadRaw(cacheIndexName); err == nil {
		dropped, err := s.deps.Cache.Restore(data, nil)
		if err != nil {
			slog.Warn("discarding corrupt cache index", "error", err)
		} else if dropped > 0 {
			slog.Warn("dropped stale cache entries on restore", "dropped", dropped)
		}
	} else if err != snapshot.ErrNotExist {
		slog.Warn("loading cache index", "error", err)
	}
}

// SubmitRequest carries everything needed to admit a job.
type SubmitRequest struct {
	OperationType     string
	Params            models.Params
	Priority          models.Priority
	MaxRetries        *int
	EstimatedDuration time.Duration
	Deadline          *time.Time
}

// Submit validates and enqueues a job, returning its id. Fails with
// ErrUnsupportedOperation when no executor handles the operation type and
// ErrInvalidParams when the params cannot be fingerprinted.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	if !s.supports(req.OperationType) {
		return uuid.Nil, fmt.Errorf("%w: %s", models.ErrUnsupportedOperation, req.OperationType)
	}
	if err := req.Params.Validate(); err != nil {
		return uuid.Nil, err
	}

	maxRetries := s.cfg.DefaultMaxRetries
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}

	job := &models.Job{
		ID:                uuid.New(),
		OperationType:     req.OperationType,
		Params:            req.Params,
		Priority:          req.Priority,
		Status:            models.StatusQueued,
		CreatedAt:         time.Now().UTC(),
		MaxRetries:        maxRetries,
		EstimatedDuration: req.EstimatedDuration,
		Deadline:          req.Deadline,
	}

	if err := s.queue.Enqueue(job); err != nil {
		return uuid.Nil, err
	}
	s.tracker.CreateFor(job.ID, 100)
	s.mirrorStatus(ctx, job, 0, "queued")

	slog.Info("job submitted",
		"job_id", job.ID,
		"operation_type", job.OperationType,
		"priority", job.Priority.String())
	return job.ID, nil
}

// StatusView is the caller-facing status of a job.
type StatusView struct {
	JobID           uuid.UUID     `json:"job_id"`
	Status          models.Status `json:"status"`
	ProgressPercent float64       `json:"progress_percent"`
	Message         string        `json:"message,omitempty"`
	ResultRef       string        `json:"result_ref,omitempty"`
	Error           string        `json:"error,omitempty"`
	ExecutionTime   time.Duration `json:"execution_time,omitempty"`
}

// GetStatus reports the current status of a job. Fails with ErrNotFound for
// unknown ids.
func (s *Scheduler) GetStatus(ctx context.Context, id uuid.UUID) (StatusView, error) {
	if job, ok := s.queue.Get(id); ok {
		return StatusView{JobID: id, Status: models.StatusQueued, Error: job.Error, Message: queuedMessage(job)}, nil
	}

	s.mu.Lock()
	_, isRunning := s.running[id]
	s.mu.Unlock()
	if isRunning {
		view := StatusView{JobID: id, Status: models.StatusRunning}
		if snap, ok := s.tracker.Get(id); ok {
			view.ProgressPercent = snap.Percent
			view.Message = snap.Message
		}
		return view, nil
	}

	summary, err := s.deps.History.Get(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	view := StatusView{
		JobID:         id,
		Status:        summary.Status,
		Error:         summary.Error,
		ResultRef:     summary.ResultRef,
		ExecutionTime: summary.ExecutionTime,
	}
	if summary.Status == models.StatusCompleted {
		view.ProgressPercent = 100
	}
	return view, nil
}

func queuedMessage(job models.Job) string {
	if job.RetryCount > 0 {
		return fmt.Sprintf("queued for retry %d of %d", job.RetryCount, job.MaxRetries)
	}
	return "queued"
}

// Cancel cancels a job. Queued jobs are removed synchronously; running jobs
// get their context cancelled and the executor is expected to return
// promptly. Returns false when the job is unknown or already terminal.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) bool {
	if job, ok := s.queue.Cancel(id); ok {
		s.recordTerminal(ctx, job, false)
		s.tracker.MarkCancelled(id)
		s.tracker.Remove(id)
		slog.Info("queued job cancelled", "job_id", id)
		return true
	}

	s.mu.Lock()
	rj, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		s.tracker.MarkCancelled(id)
		rj.cancel()
		slog.Info("running job cancel requested", "job_id", id)
		return true
	}
	return false
}

// QueueStats is the queue/worker portion of the stats surface.
type QueueStats struct {
	QueueLength       int            `json:"queue_length"`
	RunningCount      int            `json:"running_count"`
	CompletedCount    uint64         `json:"completed_count"`
	FailedCount       uint64         `json:"failed_count"`
	CancelledCount    uint64         `json:"cancelled_count"`
	TotalSubmitted    uint64         `json:"total_submitted"`
	WorkerUtilization float64        `json:"worker_utilization_percent"`
	PerPriority       map[string]int `json:"per_priority"`
}

// GetQueueStats reports queue depth, worker utilization, and terminal counts.
func (s *Scheduler) GetQueueStats() QueueStats {
	s.mu.Lock()
	running := len(s.running)
	s.mu.Unlock()

	perPriority := make(map[string]int)
	for prio, n := range s.queue.PerPriority() {
		perPriority[prio.String()] = n
	}

	return QueueStats{
		QueueLength:       s.queue.Len(),
		RunningCount:      running,
		CompletedCount:    s.completedCount.Load(),
		FailedCount:       s.failedCount.Load(),
		CancelledCount:    s.cancelledCount.Load(),
		TotalSubmitted:    s.queue.TotalEnqueued(),
		WorkerUtilization: float64(s.busyWorkers.Load()) / float64(s.cfg.Workers) * 100,
		PerPriority:       perPriority,
	}
}

// GetCacheStats reports the result cache statistics.
func (s *Scheduler) GetCacheStats() artifactcache.Stats {
	return s.deps.Cache.Stats()
}

// ClearCache removes cached results for one operation type, or all of them
// when operationType is empty. Returns the number of entries removed.
func (s *Scheduler) ClearCache(operationType string) int {
	removed := s.deps.Cache.Clear(operationType)
	slog.Info("cache cleared", "operation_type", operationType, "removed", removed)
	return removed
}

// GetHistory lists terminal jobs, newest first.
func (s *Scheduler) GetHistory(ctx context.Context, limit int, status models.Status) ([]models.JobSummary, error) {
	return s.deps.History.List(ctx, history.Filter{Limit: limit, Status: status})
}

// Subscribe registers a push observer for a job's progress. The channel
// receives a snapshot on every update and the terminal transition, then
// closes. For already-terminal jobs a single final snapshot is delivered.
func (s *Scheduler) Subscribe(ctx context.Context, id uuid.UUID) (<-chan progress.Snapshot, func(), error) {
	if ch, cancel, ok := s.tracker.Subscribe(id); ok {
		return ch, cancel, nil
	}

	summary, err := s.deps.History.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan progress.Snapshot, 1)
	snap := progress.Snapshot{
		JobID:     id,
		Message:   summary.Error,
		Cancelled: summary.Status == models.StatusCancelled,
		Terminal:  true,
	}
	if summary.Status == models.StatusCompleted {
		snap.Percent = 100
		snap.Message = "completed"
	}
	ch <- snap
	close(ch)
	return ch, func() {}, nil
}

// mirrorStatus pushes a status snapshot to the mirror, best-effort.
func (s *Scheduler) mirrorStatus(ctx context.Context, job *models.Job, percent float64, message string) {
	if s.deps.Mirror == nil {
		return
	}
	view := StatusView{
		JobID:           job.ID,
		Status:          job.Status,
		ProgressPercent: percent,
		Message:         message,
		Error:           job.Error,
		ExecutionTime:   job.ExecutionTime(),
	}
	if job.Result != nil {
		view.ResultRef = job.Result.Ref
	}
	if err := s.deps.Mirror.SetJobStatus(ctx, job.ID, view, s.cfg.MirrorTTL); err != nil {
		slog.Warn("mirror job status", "job_id", job.ID, "error", err)
	}
}

// recordTerminal appends the job to history and bumps the terminal counters.
func (s *Scheduler) recordTerminal(ctx context.Context, job *models.Job, cacheHit bool) {
	if job.CompletedAt == nil {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
	if err := s.deps.History.Record(ctx, job.Summarize(cacheHit)); err != nil {
		slog.Error("record job history", "job_id", job.ID, "error", err)
	}
	switch job.Status {
	case models.StatusCompleted:
		s.completedCount.Add(1)
	case models.StatusFailed:
		s.failedCount.Add(1)
	case models.StatusCancelled:
		s.cancelledCount.Add(1)
	}
	s.mirrorStatus(ctx, job, terminalPercent(job), string(job.Status))
}

func terminalPercent(job *models.Job) float64 {
	if job.Status == models.StatusCompleted {
		return 100
	}
	return 0
}
