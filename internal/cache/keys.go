package cache

import (
	"fmt"
)

func JobRecordKey(jobID string) string {
	return fmt.Sprintf("netwatch:job:%s", jobID)
}

func RateLimitKey(clientID string) string {
	return fmt.Sprintf("netwatch:ratelimit:%s", clientID)
}
