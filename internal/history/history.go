// Package history keeps a bounded record of terminal jobs for status queries
// and auditing. The default backend is an in-memory ring; an optional
// Postgres backend makes the audit trail durable.
package history

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/clipforge/mediaqueue/pkg/models"
)

// Filter narrows a history query. A zero Status matches everything; a
// non-positive Limit falls back to DefaultLimit.
type Filter struct {
	Limit  int
	Status models.Status
}

// DefaultLimit caps unbounded history queries.
const DefaultLimit = 50

// History is the audit interface. All backends keep newest-first ordering.
type History interface {
	Record(ctx context.Context, s models.JobSummary) error
	Get(ctx context.Context, id uuid.UUID) (models.JobSummary, error)
	List(ctx context.Context, f Filter) ([]models.JobSummary, error)
	CountByStatus(ctx context.Context) (map[models.Status]int, error)
}

// Memory is a bounded in-memory History. Once full, recording a new summary
// drops the oldest one.
type Memory struct {
	mu      sync.Mutex
	max     int
	entries []models.JobSummary // oldest first
	byID    map[uuid.UUID]int   // id -> index in entries
}

// NewMemory returns a Memory bounded to max entries (DefaultLimit*10 when
// non-positive).
func NewMemory(max int) *Memory {
	if max <= 0 {
		max = DefaultLimit * 10
	}
	return &Memory{max: max, byID: make(map[uuid.UUID]int)}
}

func (m *Memory) Record(_ context.Context, s models.JobSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) >= m.max {
		evicted := m.entries[0]
		m.entries = m.entries[1:]
		delete(m.byID, evicted.ID)
		for id, idx := range m.byID {
			m.byID[id] = idx - 1
		}
	}
	m.byID[s.ID] = len(m.entries)
	m.entries = append(m.entries, s)
	return nil
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (models.JobSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.byID[id]
	if !ok {
		return models.JobSummary{}, models.ErrNotFound
	}
	return m.entries[idx], nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]models.JobSummary, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.JobSummary, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		s := m.entries[i]
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *Memory) CountByStatus(_ context.Context) (map[models.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[models.Status]int)
	for _, s := range m.entries {
		counts[s.Status]++
	}
	return counts, nil
}
