package cache

import "fmt"

func JobStatusKey(jobID int64) string {
	return fmt.Sprintf("job:%d:status", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func DashboardSummaryKey() string {
	return "dashboard:summary"
}
