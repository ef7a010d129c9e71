package models

import "context"

// Artifact is an opaque reference to a produced result plus its storage cost.
// The core never dereferences the ref; it only caches and returns it.
type Artifact struct {
	Ref       string `json:"ref"`
	SizeBytes int64  `json:"size_bytes"`
}

// ProgressFunc receives staged progress from an executor. step is the number
// of completed steps out of the total announced at dispatch; message is a
// human-readable phase description. Implementations must be cheap and must
// never block the executor.
type ProgressFunc func(step int, message string)

// Executor performs the actual media operation. Implementations must honor
// ctx cancellation promptly, returning an error wrapping context.Canceled (or
// context.DeadlineExceeded), and may emit progress through sink. The core
// never interprets params beyond hashing them for the cache fingerprint.
type Executor interface {
	Run(ctx context.Context, operationType string, params Params, sink ProgressFunc) (Artifact, error)
}
