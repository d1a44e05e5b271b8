package health

import (
	"time"

	"github.com/cuongbtq/dispatch-core/internal/domain"
)

// Classify derives a process's status at read time. An explicit stopped write wins;
// otherwise no heartbeat means starting, a heartbeat older than window means stopped,
// and at least threshold recent errors means degraded. A heartbeat age measured by
// the store is preferred over now, so peers with skewed clocks agree.
func Classify(rec domain.ProcessRecord, now time.Time, window time.Duration, threshold int64) domain.ProcessStatus {
	if rec.Status == domain.ProcessStatusStopped {
		return domain.ProcessStatusStopped
	}
	if rec.LastHeartbeatAt == nil {
		return domain.ProcessStatusStarting
	}
	age := now.Sub(*rec.LastHeartbeatAt)
	if rec.HeartbeatAgeSeconds != nil {
		age = time.Duration(*rec.HeartbeatAgeSeconds * float64(time.Second))
	}
	if age > window {
		return domain.ProcessStatusStopped
	}
	if threshold > 0 && rec.RecentErrors >= threshold {
		return domain.ProcessStatusDegraded
	}
	if rec.Status == domain.ProcessStatusDegraded {
		return domain.ProcessStatusDegraded
	}
	return domain.ProcessStatusHealthy
}
