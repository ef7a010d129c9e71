// Package retry decides whether a failed job attempt should be retried and
// after what delay. It is a pure function of (attempt, max retries, error) so
// it can be tested without any queue or worker machinery.
package retry

import (
	"time"

	"github.com/clipforge/mediaqueue/pkg/models"
)

// DefaultDelayCap bounds the exponential backoff.
const DefaultDelayCap = 60 * time.Second

// Decision is the outcome of a retry consultation. When Retry is true the job
// should be re-enqueued and become eligible again after Delay.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy computes retry decisions with exponential backoff capped at DelayCap.
type Policy struct {
	DelayCap time.Duration
}

// New returns a Policy with the default delay cap.
func New() Policy {
	return Policy{DelayCap: DefaultDelayCap}
}

// Decide returns the decision for a failed attempt. attempt is zero-based:
// the first failure consults Decide with attempt 0. Cancellation and
// non-retryable executor errors are always terminal, as is exhausting
// maxRetries. The delay for attempt n is min(2^n, cap) seconds.
func (p Policy) Decide(attempt, maxRetries int, err error) Decision {
	if !models.IsRetryable(err) {
		return Decision{}
	}
	if attempt >= maxRetries {
		return Decision{}
	}

	limit := p.DelayCap
	if limit <= 0 {
		limit = DefaultDelayCap
	}

	delay := time.Second
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			break
		}
	}
	if delay > limit {
		delay = limit
	}
	return Decision{Retry: true, Delay: delay}
}
