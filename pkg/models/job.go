package models

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Job. A job is QUEUED from Submit until a
// worker picks it up, RUNNING while an executor attempt is in flight, and ends
// in exactly one of COMPLETED, FAILED, or CANCELLED.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ValidStatus reports whether s names a known job status.
func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority orders job admission. Higher values are admitted first; within one
// priority admission is strict FIFO by submission order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "normal"
}

// ParsePriority maps a priority name to its value. Unknown names fall back to
// normal so a sloppy caller degrades rather than fails.
func ParsePriority(s string) Priority {
	for p, name := range priorityNames {
		if name == s {
			return p
		}
	}
	return PriorityNormal
}

// Job is one unit of requested work. Jobs are created by Submit, mutated only
// by the worker that owns them while running, and frozen once terminal.
type Job struct {
	ID                uuid.UUID     `json:"id"`
	OperationType     string        `json:"operation_type"`
	Params            Params        `json:"params"`
	Priority          Priority      `json:"priority"`
	Status            Status        `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	RetryCount        int           `json:"retry_count"`
	MaxRetries        int           `json:"max_retries"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Deadline          *time.Time    `json:"deadline,omitempty"`

	// Result is set only on COMPLETED; Error holds the last failure message.
	Result *Artifact `json:"result,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// ExecutionTime returns the wall time between first dispatch and the terminal
// transition, or zero if either timestamp is unset.
func (j *Job) ExecutionTime() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// JobSummary is the trimmed view of a terminal job returned by history queries.
type JobSummary struct {
	ID            uuid.UUID     `json:"id"`
	OperationType string        `json:"operation_type"`
	Priority      Priority      `json:"priority"`
	Status        Status        `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	RetryCount    int           `json:"retry_count"`
	ExecutionTime time.Duration `json:"execution_time"`
	ResultRef     string        `json:"result_ref,omitempty"`
	Error         string        `json:"error,omitempty"`
	CacheHit      bool          `json:"cache_hit"`
}

// Summarize collapses a terminal job into its history record.
func (j *Job) Summarize(cacheHit bool) JobSummary {
	s := JobSummary{
		ID:            j.ID,
		OperationType: j.OperationType,
		Priority:      j.Priority,
		Status:        j.Status,
		CreatedAt:     j.CreatedAt,
		CompletedAt:   j.CompletedAt,
		RetryCount:    j.RetryCount,
		ExecutionTime: j.ExecutionTime(),
		Error:         j.Error,
		CacheHit:      cacheHit,
	}
	if j.Result != nil {
		s.ResultRef = j.Result.Ref
	}
	return s
}
