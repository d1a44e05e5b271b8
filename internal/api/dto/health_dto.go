package dto

import (
	"time"

	"github.com/cuongbtq/dispatch-core/internal/health"
)

type HealthResponse struct {
	Success bool `json:"success"`
	health.Report
	Timestamp int64 `json:"timestamp"`
}

type AllHealthResponse struct {
	Success   bool            `json:"success"`
	Processes []health.Report `json:"processes"`
	Timestamp int64           `json:"timestamp"`
}

// NowMillis is the timestamp stamped on health responses
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
