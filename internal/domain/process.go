package domain

import "time"

// ProcessStatus is the health classification of a dispatch process
type ProcessStatus string

const (
	ProcessStatusStarting ProcessStatus = "starting"
	ProcessStatusHealthy  ProcessStatus = "healthy"
	ProcessStatusDegraded ProcessStatus = "degraded"
	ProcessStatusStopped  ProcessStatus = "stopped"
)

// ProcessRecord is the shared-store row for one logical process, written only by that process
type ProcessRecord struct {
	ProcessName       string        `db:"process_name" json:"processName"`
	PID               int           `db:"pid" json:"pid"`
	Status            ProcessStatus `db:"status" json:"status"`
	LastHeartbeatAt   *time.Time    `db:"last_heartbeat_at" json:"lastHeartbeat"`
	UptimeSeconds     int64         `db:"uptime_seconds" json:"uptime"`
	MemoryMB          float64       `db:"memory_mb" json:"memory"`
	CPUUsage          float64       `db:"cpu_usage" json:"cpuUsage"`
	ActiveConnections int           `db:"active_connections" json:"activeConnections"`
	ErrorCount        int64         `db:"error_count" json:"errorCount"`
	RecentErrors      int64         `db:"recent_errors" json:"recentErrors"`
	// HeartbeatAgeSeconds is the heartbeat age measured by the store's own clock
	HeartbeatAgeSeconds *float64 `db:"heartbeat_age_seconds" json:"-"`
}

// Severity grades a recorded process event
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)
