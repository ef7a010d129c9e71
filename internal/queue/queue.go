// Package queue holds not-yet-started jobs in priority order. Among eligible
// jobs priority strictly dominates arrival order, and arrival order strictly
// dominates within equal priority; nothing else influences admission order.
//
// Jobs backing off after a failed attempt sit in a deferred set with an
// eligibility timestamp instead of occupying a worker slot; PopNext promotes
// them back into the ready heap once their time arrives.
package queue

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/mediaqueue/pkg/models"
)

type item struct {
	job        *models.Job
	seq        uint64
	eligibleAt time.Time // zero means eligible immediately
	index      int       // position in the ready heap, -1 while deferred
}

// Queue is a thread-safe priority admission structure.
type Queue struct {
	mu        sync.Mutex
	supported func(operationType string) bool

	ready    readyHeap
	deferred map[uuid.UUID]*item
	byID     map[uuid.UUID]*item

	seq           uint64
	totalEnqueued uint64
}

// New returns an empty queue. supported gates which operation types may be
// enqueued; a nil func admits everything.
func New(supported func(string) bool) *Queue {
	if supported == nil {
		supported = func(string) bool { return true }
	}
	return &Queue{
		supported: supported,
		deferred:  make(map[uuid.UUID]*item),
		byID:      make(map[uuid.UUID]*item),
	}
}

// Enqueue inserts a job in priority order. Rejects operation types no
// registered executor supports.
func (q *Queue) Enqueue(job *models.Job) error {
	if !q.supported(job.OperationType) {
		return fmt.Errorf("%w: %s", models.ErrUnsupportedOperation, job.OperationType)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.insert(job, time.Time{})
	q.totalEnqueued++
	return nil
}

// Requeue re-inserts a job that failed a retryable attempt. The job keeps its
// original priority and creation time, so it retains its arrival position, but
// stays ineligible until eligibleAt.
func (q *Queue) Requeue(job *models.Job, eligibleAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.insert(job, eligibleAt)
}

// insert must be called with q.mu held.
func (q *Queue) insert(job *models.Job, eligibleAt time.Time) {
	q.seq++
	it := &item{job: job, seq: q.seq, eligibleAt: eligibleAt, index: -1}
	q.byID[job.ID] = it
	if !eligibleAt.IsZero() && eligibleAt.After(time.Now()) {
		q.deferred[job.ID] = it
		return
	}
	heap.Push(&q.ready, it)
}

// PopNext removes and returns the highest-priority, oldest eligible job.
// Non-blocking; returns false when nothing is eligible.
func (q *Queue) PopNext() (*models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteDeferred(time.Now())
	if q.ready.Len() == 0 {
		return nil, false
	}
	it := heap.Pop(&q.ready).(*item)
	delete(q.byID, it.job.ID)
	return it.job, true
}

// promoteDeferred moves matured deferred items into the ready heap.
// Must be called with q.mu held.
func (q *Queue) promoteDeferred(now time.Time) {
	for id, it := range q.deferred {
		if !it.eligibleAt.After(now) {
			delete(q.deferred, id)
			heap.Push(&q.ready, it)
		}
	}
}

// Cancel removes a still-queued job, marks it CANCELLED, and returns it.
// Returns false if the job is not in the queued-set (it may already be
// running or done).
func (q *Queue) Cancel(id uuid.UUID) (*models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	delete(q.byID, id)
	if it.index >= 0 {
		heap.Remove(&q.ready, it.index)
	} else {
		delete(q.deferred, id)
	}

	now := time.Now().UTC()
	it.job.Status = models.StatusCancelled
	it.job.CompletedAt = &now
	return it.job, true
}

// Get returns a copy of the queued job with the given id, if present. A copy
// rather than the live pointer: workers mutate popped jobs outside the queue
// lock, so handing out the pointer would let readers race those writes.
func (q *Queue) Get(id uuid.UUID) (models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[id]
	if !ok {
		return models.Job{}, false
	}
	return *it.job, true
}

// Len reports the number of queued jobs, deferred ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// TotalEnqueued reports how many jobs have ever been admitted.
func (q *Queue) TotalEnqueued() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalEnqueued
}

// Jobs returns every queued job in no particular order.
func (q *Queue) Jobs() []*models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]*models.Job, 0, len(q.byID))
	for _, it := range q.byID {
		jobs = append(jobs, it.job)
	}
	return jobs
}

// PerPriority returns the count of queued jobs per priority.
func (q *Queue) PerPriority() map[models.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[models.Priority]int)
	for _, it := range q.byID {
		counts[it.job.Priority]++
	}
	return counts
}

// snapshotDoc is the persisted form of the queued-set.
type snapshotDoc struct {
	Version       int            `json:"version"`
	Seq           uint64         `json:"seq"`
	TotalEnqueued uint64         `json:"total_enqueued"`
	Items         []snapshotItem `json:"items"`
}

type snapshotItem struct {
	Job        *models.Job `json:"job"`
	Seq        uint64      `json:"seq"`
	EligibleAt *time.Time  `json:"eligible_at,omitempty"`
}

const snapshotVersion = 1

// Snapshot serializes the full queued-set plus counters for crash recovery.
func (q *Queue) Snapshot() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	doc := snapshotDoc{
		Version:       snapshotVersion,
		Seq:           q.seq,
		TotalEnqueued: q.totalEnqueued,
		Items:         make([]snapshotItem, 0, len(q.byID)),
	}
	for _, it := range q.byID {
		si := snapshotItem{Job: it.job, Seq: it.seq}
		if !it.eligibleAt.IsZero() {
			t := it.eligibleAt
			si.EligibleAt = &t
		}
		doc.Items = append(doc.Items, si)
	}
	return json.Marshal(doc)
}

// Restore replaces the queued-set with a previously snapshotted one. Entries
// referencing operation types no executor supports are quarantined and
// returned to the caller rather than re-admitted; a corrupt document is
// rejected without touching current state.
func (q *Queue) Restore(data []byte) ([]*models.Job, error) {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("corrupt queue snapshot: %w", err)
	}
	if doc.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported queue snapshot version %d", doc.Version)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.ready = nil
	q.deferred = make(map[uuid.UUID]*item)
	q.byID = make(map[uuid.UUID]*item)
	q.seq = doc.Seq
	q.totalEnqueued = doc.TotalEnqueued

	var quarantined []*models.Job
	now := time.Now()
	for _, si := range doc.Items {
		if si.Job == nil {
			continue
		}
		if !q.supported(si.Job.OperationType) {
			quarantined = append(quarantined, si.Job)
			continue
		}
		it := &item{job: si.Job, seq: si.Seq, index: -1}
		if si.EligibleAt != nil {
			it.eligibleAt = *si.EligibleAt
		}
		q.byID[si.Job.ID] = it
		if !it.eligibleAt.IsZero() && it.eligibleAt.After(now) {
			q.deferred[si.Job.ID] = it
		} else {
			heap.Push(&q.ready, it)
		}
	}
	return quarantined, nil
}

// readyHeap orders items by priority (highest first), then creation time,
// then admission sequence.
type readyHeap []*item

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
