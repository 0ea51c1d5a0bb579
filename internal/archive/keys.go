package archive

import (
	"fmt"

	"github.com/google/uuid"
)

const pendingQueueKey = "jobs:pending"

func OutputKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s:output", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
