package statusmirror

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("mediaqueue:job:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("mediaqueue:ratelimit:%s", keyPrefix)
}
