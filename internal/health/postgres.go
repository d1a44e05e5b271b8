package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/dispatch-core/internal/domain"
	"github.com/jmoiron/sqlx"
)

// PostgresStore keeps health rows in process_health, process_events and process_metrics
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

const processColumns = `process_name, pid, status, last_heartbeat_at, uptime_seconds,
	memory_mb, cpu_usage, active_connections, error_count, recent_errors`

// heartbeatAge is measured by the database clock
const heartbeatAge = `EXTRACT(EPOCH FROM (NOW() - last_heartbeat_at))::float8 AS heartbeat_age_seconds`

func (s *PostgresStore) UpdateProcessHealth(ctx context.Context, rec *domain.ProcessRecord) error {
	query := `
		INSERT INTO process_health (` + processColumns + `, updated_at)
		VALUES ($1, $2, $3, NOW(), $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (process_name) DO UPDATE SET
			pid = EXCLUDED.pid,
			status = EXCLUDED.status,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			uptime_seconds = EXCLUDED.uptime_seconds,
			memory_mb = EXCLUDED.memory_mb,
			cpu_usage = EXCLUDED.cpu_usage,
			active_connections = EXCLUDED.active_connections,
			error_count = EXCLUDED.error_count,
			recent_errors = EXCLUDED.recent_errors,
			updated_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ProcessName,
		rec.PID,
		rec.Status,
		rec.UptimeSeconds,
		rec.MemoryMB,
		rec.CPUUsage,
		rec.ActiveConnections,
		rec.ErrorCount,
		rec.RecentErrors,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to update process health: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) LogProcessEvent(ctx context.Context, processName, eventType string, payload json.RawMessage, severity domain.Severity) error {
	query := `
		INSERT INTO process_events (process_name, event_type, payload, severity, created_at)
		VALUES ($1, $2, $3::jsonb, $4, NOW())
	`
	if _, err := s.db.ExecContext(ctx, query, processName, eventType, jsonOrNull(payload), severity); err != nil {
		return fmt.Errorf("%w: failed to log process event: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) RecordProcessMetric(ctx context.Context, processName, metricName string, value float64, metricType string, metadata json.RawMessage) error {
	query := `
		INSERT INTO process_metrics (process_name, metric_name, value, metric_type, metadata, recorded_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, NOW())
	`
	if _, err := s.db.ExecContext(ctx, query, processName, metricName, value, metricType, jsonOrNull(metadata)); err != nil {
		return fmt.Errorf("%w: failed to record process metric: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) GetProcess(ctx context.Context, processName string) (*domain.ProcessRecord, error) {
	query := `SELECT ` + processColumns + `, ` + heartbeatAge + ` FROM process_health WHERE process_name = $1`

	var rec domain.ProcessRecord
	if err := s.db.GetContext(ctx, &rec, query, processName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProcessNotFound
		}
		return nil, fmt.Errorf("%w: failed to get process health: %v", domain.ErrStoreUnavailable, err)
	}
	return &rec, nil
}

func (s *PostgresStore) ListProcesses(ctx context.Context) ([]domain.ProcessRecord, error) {
	query := `SELECT ` + processColumns + `, ` + heartbeatAge + ` FROM process_health ORDER BY process_name`

	var recs []domain.ProcessRecord
	if err := s.db.SelectContext(ctx, &recs, query); err != nil {
		return nil, fmt.Errorf("%w: failed to list process health: %v", domain.ErrStoreUnavailable, err)
	}
	return recs, nil
}

func (s *PostgresStore) PurgeHistory(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to begin history purge: %v", domain.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	var total int64
	for _, query := range []string{
		`DELETE FROM process_events WHERE created_at < $1`,
		`DELETE FROM process_metrics WHERE recorded_at < $1`,
	} {
		res, err := tx.ExecContext(ctx, query, before)
		if err != nil {
			return 0, fmt.Errorf("%w: failed to purge process history: %v", domain.ErrStoreUnavailable, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: failed to commit history purge: %v", domain.ErrStoreUnavailable, err)
	}
	if total > 0 {
		s.logger.Debug("Purged process history",
			slog.Int64("count", total),
			slog.Time("before", before),
		)
	}
	return total, nil
}

func jsonOrNull(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}
