package models

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedOperation means no executor is registered for the
	// requested operation type. Rejected at Submit; never enters the queue.
	ErrUnsupportedOperation = errors.New("unsupported operation type")

	// ErrNotFound means the job id is unknown to the scheduler.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidParams means the params contain values that cannot be
	// canonically serialized for cache fingerprinting.
	ErrInvalidParams = errors.New("params are not canonicalizable")

	// ErrCancelled is the cooperative-cancellation error an executor returns
	// once it observes its context is done.
	ErrCancelled = errors.New("job cancelled")
)

// ExecutorError is a failure raised by an executor during Run. Retryable
// failures are retried by the worker pool until retries are exhausted;
// non-retryable ones surface immediately as a terminal FAILED status.
type ExecutorError struct {
	Kind      string
	Message   string
	Retryable bool
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// IsCancelled reports whether err represents cooperative cancellation,
// either the ErrCancelled sentinel or a context cancellation/deadline.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable reports whether err is an executor failure worth retrying.
// Cancellation is never retryable; unknown error types are treated as
// transient so infrastructure hiccups get the benefit of the doubt.
func IsRetryable(err error) bool {
	if IsCancelled(err) {
		return false
	}
	var execErr *ExecutorError
	if errors.As(err, &execErr) {
		return execErr.Retryable
	}
	return true
}
