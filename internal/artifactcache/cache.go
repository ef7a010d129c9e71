// Package artifactcache is the content-addressable result cache. It maps a
// deterministic fingerprint of (operation type, params) to a previously
// produced artifact, expires entries past a TTL, and evicts least-recently-used
// entries under size pressure.
package artifactcache

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/clipforge/mediaqueue/pkg/models"
)

// evictionSlack is the fraction of capacity each eviction pass frees beyond
// the immediate need, so back-to-back stores don't thrash the index.
const evictionSlack = 0.10

type entry struct {
	Fingerprint    string          `json:"fingerprint"`
	OperationType  string          `json:"operation_type"`
	Artifact       models.Artifact `json:"artifact"`
	CreatedAt      time.Time       `json:"created_at"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
	AccessCount    int64           `json:"access_count"`
}

// Store is the in-memory cache index. All methods are safe for concurrent
// use; the internal lock is held only for structural mutations, never across
// any I/O.
type Store struct {
	mu        sync.Mutex
	capacity  int64
	ttl       time.Duration
	entries   map[string]*entry
	totalSize int64
	hits      uint64
	misses    uint64

	now func() time.Time
}

// New returns a Store bounded by capacity bytes whose entries expire after
// ttl. A non-positive ttl disables expiry.
func New(capacity int64, ttl time.Duration) *Store {
	return &Store{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*entry),
		now:      time.Now,
	}
}

// Lookup returns the cached artifact for a fingerprint. A hit refreshes the
// entry's recency and access count; an expired entry counts as a miss and is
// dropped.
func (s *Store) Lookup(fingerprint string) (models.Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[fingerprint]
	if ok && s.expired(e, s.now()) {
		s.remove(e)
		ok = false
	}
	if !ok {
		s.misses++
		return models.Artifact{}, false
	}
	e.LastAccessedAt = s.now().UTC()
	e.AccessCount++
	s.hits++
	return e.Artifact, true
}

// Store inserts a result. If the insert would exceed capacity it first evicts
// least-recently-used entries until enough room exists, freeing at least 10%
// of capacity per pass. Returns false when the artifact cannot fit even after
// a full eviction pass; the caller treats that as a cache miss, not a failure.
func (s *Store) Store(fingerprint, operationType string, artifact models.Artifact) bool {
	if artifact.SizeBytes > s.capacity {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[fingerprint]; ok {
		s.remove(old)
	}

	if s.totalSize+artifact.SizeBytes > s.capacity {
		want := s.totalSize + artifact.SizeBytes - s.capacity
		if slack := int64(float64(s.capacity) * evictionSlack); want < slack {
			want = slack
		}
		s.evict(want)
	}
	if s.totalSize+artifact.SizeBytes > s.capacity {
		return false
	}

	now := s.now().UTC()
	e := &entry{
		Fingerprint:    fingerprint,
		OperationType:  operationType,
		Artifact:       artifact,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	s.entries[fingerprint] = e
	s.totalSize += artifact.SizeBytes
	return true
}

// evict frees at least want bytes, strictly least-recently-accessed first,
// ties broken by oldest creation time. Must be called with s.mu held.
func (s *Store) evict(want int64) {
	candidates := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.Before(b.LastAccessedAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	var freed int64
	for _, e := range candidates {
		if freed >= want {
			break
		}
		s.remove(e)
		freed += e.Artifact.SizeBytes
	}
}

// Invalidate removes a single fingerprint.
func (s *Store) Invalidate(fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[fingerprint]; ok {
		s.remove(e)
	}
}

// Clear removes every entry for an operation type, or everything when
// operationType is empty.
func (s *Store) Clear(operationType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, e := range s.entries {
		if operationType == "" || e.OperationType == operationType {
			s.remove(e)
			removed++
		}
	}
	return removed
}

// Sweep removes entries whose age exceeds the TTL, independent of capacity
// pressure. Returns the number removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl <= 0 {
		return 0
	}
	now := s.now()
	removed := 0
	for _, e := range s.entries {
		if s.expired(e, now) {
			s.remove(e)
			removed++
		}
	}
	return removed
}

func (s *Store) expired(e *entry, now time.Time) bool {
	return s.ttl > 0 && now.Sub(e.CreatedAt) > s.ttl
}

// remove must be called with s.mu held.
func (s *Store) remove(e *entry) {
	delete(s.entries, e.Fingerprint)
	s.totalSize -= e.Artifact.SizeBytes
}

// TypeStats is the per-operation-type breakdown in Stats.
type TypeStats struct {
	EntryCount int   `json:"entry_count"`
	TotalSize  int64 `json:"total_size"`
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	EntryCount int                  `json:"entry_count"`
	TotalSize  int64                `json:"total_size"`
	Capacity   int64                `json:"capacity"`
	HitRate    float64              `json:"hit_rate_percent"`
	Hits       uint64               `json:"hits"`
	Misses     uint64               `json:"misses"`
	PerType    map[string]TypeStats `json:"per_type"`
}

// Stats reports entry counts, total size, hit rate, and per-type breakdown.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		EntryCount: len(s.entries),
		TotalSize:  s.totalSize,
		Capacity:   s.capacity,
		Hits:       s.hits,
		Misses:     s.misses,
		PerType:    make(map[string]TypeStats),
	}
	if total := s.hits + s.misses; total > 0 {
		st.HitRate = float64(s.hits) / float64(total) * 100
	}
	for _, e := range s.entries {
		ts := st.PerType[e.OperationType]
		ts.EntryCount++
		ts.TotalSize += e.Artifact.SizeBytes
		st.PerType[e.OperationType] = ts
	}
	return st
}

// indexDoc is the persisted form of the cache index.
type indexDoc struct {
	Version int     `json:"version"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Entries []entry `json:"entries"`
}

const indexVersion = 1

// Snapshot serializes the index plus hit/miss counters.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := indexDoc{Version: indexVersion, Hits: s.hits, Misses: s.misses}
	doc.Entries = make([]entry, 0, len(s.entries))
	for _, e := range s.entries {
		doc.Entries = append(doc.Entries, *e)
	}
	return json.Marshal(doc)
}

// Restore replaces the index with a previously snapshotted one. Entries whose
// artifact fails validate (when non-nil), that are already expired, or that
// would overflow capacity are dropped rather than failing the load. Returns
// the number of dropped entries.
func (s *Store) Restore(data []byte, validate func(ref string) bool) (int, error) {
	var doc indexDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("corrupt cache index: %w", err)
	}
	if doc.Version != indexVersion {
		return 0, fmt.Errorf("unsupported cache index version %d", doc.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*entry)
	s.totalSize = 0
	s.hits = doc.Hits
	s.misses = doc.Misses

	dropped := 0
	now := s.now()
	for i := range doc.Entries {
		e := doc.Entries[i]
		if s.expired(&e, now) ||
			(validate != nil && !validate(e.Artifact.Ref)) ||
			s.totalSize+e.Artifact.SizeBytes > s.capacity {
			dropped++
			continue
		}
		s.entries[e.Fingerprint] = &e
		s.totalSize += e.Artifact.SizeBytes
	}
	return dropped, nil
}
