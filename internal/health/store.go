// Package health records per-process liveness in the shared store and classifies
// every process at read time, so a crashed process is seen as stopped by its peers
// without any action on its part.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cuongbtq/dispatch-core/internal/domain"
)

// ErrProcessNotFound is returned when no health row exists for a process
var ErrProcessNotFound = errors.New("process not found")

// Store is the shared health store. Each process writes only its own row.
type Store interface {
	// UpdateProcessHealth upserts the row for rec.ProcessName and stamps the heartbeat time
	UpdateProcessHealth(ctx context.Context, rec *domain.ProcessRecord) error
	LogProcessEvent(ctx context.Context, processName, eventType string, payload json.RawMessage, severity domain.Severity) error
	RecordProcessMetric(ctx context.Context, processName, metricName string, value float64, metricType string, metadata json.RawMessage) error
	// GetProcess and ListProcesses fill HeartbeatAgeSeconds from the store's clock
	GetProcess(ctx context.Context, processName string) (*domain.ProcessRecord, error)
	ListProcesses(ctx context.Context) ([]domain.ProcessRecord, error)
	// PurgeHistory deletes events and metrics older than before
	PurgeHistory(ctx context.Context, before time.Time) (int64, error)
}
