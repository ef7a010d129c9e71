// Package executor provides the media executors a Scheduler dispatches jobs
// to. The simulated executor is the default backend: it models the timing and
// progress shape of real media work without touching any media files, which
// is enough for the daemon to run end-to-end.
package executor

import (
	"fmt"

	"github.com/clipforge/mediaqueue/internal/executor/simulated"
	"github.com/clipforge/mediaqueue/pkg/models"
)

// Operations are the operation types the built-in executors handle.
var Operations = []string{
	"trim",
	"transcode",
	"thumbnail",
	"watermark",
	"speed_change",
}

// NewExecutor constructs the executor backend named by backend.
// Called once at server startup.
func NewExecutor(backend string) (models.Executor, error) {
	switch backend {
	case "", "simulated":
		return simulated.New(), nil
	default:
		return nil, fmt.Errorf("unknown executor backend %q: must be simulated", backend)
	}
}
