// Package progress tracks per-job execution progress while a job is running.
// State here is ephemeral: it is created at dispatch, updated by the owning
// worker, pushed to subscribers best-effort, and reclaimed once the job is
// terminal and the final snapshot has been observed.
package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBuffer bounds each subscriber channel; a slow or disconnected
// observer loses intermediate updates instead of blocking the worker.
const subscriberBuffer = 8

// Snapshot is a point-in-time view of a job's progress.
type Snapshot struct {
	JobID     uuid.UUID     `json:"job_id"`
	Percent   float64       `json:"percent"`
	Message   string        `json:"message"`
	Cancelled bool          `json:"cancelled"`
	Terminal  bool          `json:"terminal"`
	Elapsed   time.Duration `json:"elapsed"`
}

type state struct {
	totalSteps int
	step       int
	message    string
	cancelled  bool
	terminal   bool
	started    time.Time
	subs       map[int]chan Snapshot
	nextSubID  int
}

// Tracker holds the progress state of all currently running jobs.
type Tracker struct {
	mu     sync.Mutex
	states map[uuid.UUID]*state
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[uuid.UUID]*state)}
}

// CreateFor registers progress state for a job about to run. totalSteps <= 0
// defaults to 100 so percent math stays sane.
func (t *Tracker) CreateFor(jobID uuid.UUID, totalSteps int) {
	if totalSteps <= 0 {
		totalSteps = 100
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.states[jobID]; exists {
		return
	}
	t.states[jobID] = &state{
		totalSteps: totalSteps,
		started:    time.Now(),
		subs:       make(map[int]chan Snapshot),
	}
}

// Update advances a job's progress. Progress is monotonic: a step lower than
// the current one is ignored. Updates after the terminal transition are
// ignored too.
func (t *Tracker) Update(jobID uuid.UUID, step int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[jobID]
	if !ok || st.terminal {
		return
	}
	if step < st.step {
		return
	}
	st.step = step
	st.message = message
	t.publish(jobID, st)
}

// Complete marks a job's progress finished at 100%.
func (t *Tracker) Complete(jobID uuid.UUID, message string) {
	t.finish(jobID, message, false)
}

// Fail marks a job's progress terminal without forcing 100%.
func (t *Tracker) Fail(jobID uuid.UUID, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[jobID]
	if !ok || st.terminal {
		return
	}
	st.terminal = true
	st.message = message
	t.publish(jobID, st)
	t.closeSubs(st)
}

// MarkCancelled raises the cooperative cancellation flag and freezes the
// entry as terminal.
func (t *Tracker) MarkCancelled(jobID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[jobID]
	if !ok || st.terminal {
		return
	}
	st.cancelled = true
	st.terminal = true
	st.message = "cancelled"
	t.publish(jobID, st)
	t.closeSubs(st)
}

func (t *Tracker) finish(jobID uuid.UUID, message string, cancelled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[jobID]
	if !ok || st.terminal {
		return
	}
	st.step = st.totalSteps
	st.message = message
	st.cancelled = cancelled
	st.terminal = true
	t.publish(jobID, st)
	t.closeSubs(st)
}

// IsCancelled reports whether the cancellation flag is raised for a job.
func (t *Tracker) IsCancelled(jobID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[jobID]
	return ok && st.cancelled
}

// Get returns the current snapshot for a job. Once the entry is terminal the
// final frozen snapshot is returned and the entry is reclaimed; later Gets
// report not found and callers fall through to the job history.
func (t *Tracker) Get(jobID uuid.UUID) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[jobID]
	if !ok {
		return Snapshot{}, false
	}
	snap := t.snapshot(jobID, st)
	if st.terminal {
		delete(t.states, jobID)
	}
	return snap, true
}

// Subscribe registers a push observer for a job. The returned channel
// receives a snapshot on every update and the terminal transition, then
// closes. Delivery is best-effort: a full channel drops updates. The cancel
// func unregisters the observer.
func (t *Tracker) Subscribe(jobID uuid.UUID) (<-chan Snapshot, func(), bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[jobID]
	if !ok {
		return nil, nil, false
	}

	ch := make(chan Snapshot, subscriberBuffer)
	id := st.nextSubID
	st.nextSubID++
	st.subs[id] = ch

	// Seed with the current state so a late subscriber sees something.
	ch <- t.snapshot(jobID, st)

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if cur, ok := t.states[jobID]; ok {
			if sub, ok := cur.subs[id]; ok {
				delete(cur.subs, id)
				close(sub)
			}
		}
	}
	return ch, cancel, true
}

// Remove drops a job's progress state without notifying subscribers of
// anything beyond channel closure. Used when a job never reaches a worker.
func (t *Tracker) Remove(jobID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[jobID]; ok {
		t.closeSubs(st)
		delete(t.states, jobID)
	}
}

// Running reports the number of tracked (non-reclaimed) entries.
func (t *Tracker) Running() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

// publish must be called with t.mu held.
func (t *Tracker) publish(jobID uuid.UUID, st *state) {
	snap := t.snapshot(jobID, st)
	for _, ch := range st.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// closeSubs must be called with t.mu held.
func (t *Tracker) closeSubs(st *state) {
	for id, ch := range st.subs {
		close(ch)
		delete(st.subs, id)
	}
}

// snapshot must be called with t.mu held.
func (t *Tracker) snapshot(jobID uuid.UUID, st *state) Snapshot {
	percent := float64(st.step) / float64(st.totalSteps) * 100
	if percent > 100 {
		percent = 100
	}
	return Snapshot{
		JobID:     jobID,
		Percent:   percent,
		Message:   st.message,
		Cancelled: st.cancelled,
		Terminal:  st.terminal,
		Elapsed:   time.Since(st.started),
	}
}
