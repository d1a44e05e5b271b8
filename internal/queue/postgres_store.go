package queue

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

// PostgresJobStore handles job persistence in the jobs table
type PostgresJobStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresJobStore creates a new PostgresJobStore instance
func NewPostgresJobStore(db *sqlx.DB, logger *slog.Logger) *PostgresJobStore {
	return &PostgresJobStore{
		db:     db,
		logger: logger,
	}
}

type jobRow struct {
	JobID         string         `db:"job_id"`
	ChannelType   string         `db:"channel_type"`
	TenantID      int64          `db:"tenant_id"`
	ChannelIndex  int            `db:"channel_index"`
	Owner         sql.NullString `db:"owner_process_name"`
	Payload       []byte         `db:"payload"`
	Priority      int            `db:"priority"`
	Attempts      int            `db:"attempts"`
	MaxAttempts   int            `db:"max_attempts"`
	BackoffType   string         `db:"backoff_type"`
	BackoffBaseMs int64          `db:"backoff_base_ms"`
	BackoffCapMs  int64          `db:"backoff_cap_ms"`
	Status        string         `db:"status"`
	LastError     sql.NullString `db:"last_error"`
	WorkerID      sql.NullString `db:"worker_id"`
	RunAt         time.Time      `db:"run_at"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
	FinishedAt    sql.NullTime   `db:"finished_at"`
}

const jobColumns = `
	job_id, channel_type, tenant_id, channel_index, owner_process_name, payload, priority,
	attempts, max_attempts, backoff_type, backoff_base_ms, backoff_cap_ms,
	status, last_error, worker_id, run_at, created_at, updated_at, finished_at
`

func (r *jobRow) toDomain() *domain.Job {
	job := &domain.Job{
		ID:           r.JobID,
		ChannelType:  domain.ChannelType(r.ChannelType),
		TenantID:     r.TenantID,
		ChannelIndex: r.ChannelIndex,
		Owner:        r.Owner.String,
		Payload:      json.RawMessage(r.Payload),
		Priority:     r.Priority,
		Attempts:     r.Attempts,
		MaxAttempts:  r.MaxAttempts,
		Backoff: domain.BackoffPolicy{
			Type: domain.BackoffType(r.BackoffType),
			Base: time.Duration(r.BackoffBaseMs) * time.Millisecond,
			Cap:  time.Duration(r.BackoffCapMs) * time.Millisecond,
		},
		Status:    domain.JobStatus(r.Status),
		LastError: r.LastError.String,
		WorkerID:  r.WorkerID.String,
		RunAt:     r.RunAt,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		job.FinishedAt = &t
	}
	return job
}

// CreateJob inserts a new job record
func (s *PostgresJobStore) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, channel_type, tenant_id, channel_index, owner_process_name,
			payload, priority, attempts, max_attempts,
			backoff_type, backoff_base_ms, backoff_cap_ms,
			status, run_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, NULLIF($5, ''),
			$6::jsonb, $7, $8, $9,
			$10, $11, $12,
			$13, $14, $15, $16
		)
	`

	payload := string(job.Payload)
	if payload == "" {
		payload = "null"
	}

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.ID,
		string(job.ChannelType),
		job.TenantID,
		job.ChannelIndex,
		job.Owner,
		payload,
		job.Priority,
		job.Attempts,
		job.MaxAttempts,
		string(job.Backoff.Type),
		job.Backoff.Base.Milliseconds(),
		job.Backoff.Cap.Milliseconds(),
		string(job.Status),
		job.RunAt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJob retrieves a job by its ID
func (s *PostgresJobStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toDomain(), nil
}

// ClaimJob claims a job using optimistic locking on its status
func (s *PostgresJobStore) ClaimJob(ctx context.Context, jobID, workerID string, reclaim bool, dueBy time.Time) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    attempts = attempts + 1,
		    worker_id = $2,
		    updated_at = NOW()
		WHERE job_id = $3
		  AND ((status IN ($4, $5) AND run_at <= $7) OR ($6 AND status = $1))
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.GetContext(ctx, &row, query,
		string(domain.JobStatusActive),
		workerID,
		jobID,
		string(domain.JobStatusWaiting),
		string(domain.JobStatusDelayed),
		reclaim,
		dueBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			job, getErr := s.GetJob(ctx, jobID)
			if errors.Is(getErr, domain.ErrJobNotFound) {
				return nil, domain.ErrJobNotFound
			}
			if getErr == nil && (job.Status == domain.JobStatusWaiting || job.Status == domain.JobStatusDelayed) && job.RunAt.After(dueBy) {
				return job, ErrJobNotDue
			}
			s.logger.Warn("Failed to claim job - already claimed or terminal",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Debug("Job claimed",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.Int("attempt", row.Attempts),
	)

	return row.toDomain(), nil
}

// MarkCompleted sets the job status to completed
func (s *PostgresJobStore) MarkCompleted(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $1, finished_at = NOW(), updated_at = NOW()
		WHERE job_id = $2
	`
	return s.exec(ctx, query, string(domain.JobStatusCompleted), jobID)
}

// MarkDelayed schedules the job for another attempt
func (s *PostgresJobStore) MarkDelayed(ctx context.Context, jobID string, runAt time.Time, lastError string) error {
	query := `
		UPDATE jobs
		SET status = $1, run_at = $2, last_error = $3, updated_at = NOW()
		WHERE job_id = $4
	`
	return s.exec(ctx, query, string(domain.JobStatusDelayed), runAt, lastError, jobID)
}

// MarkFailed sets the job status to failed; it is retained until purged
func (s *PostgresJobStore) MarkFailed(ctx context.Context, jobID string, lastError string) error {
	query := `
		UPDATE jobs
		SET status = $1, last_error = $2, finished_at = NOW(), updated_at = NOW()
		WHERE job_id = $3
	`
	return s.exec(ctx, query, string(domain.JobStatusFailed), lastError, jobID)
}

// ReleaseJob reschedules an active job and gives back its attempt
func (s *PostgresJobStore) ReleaseJob(ctx context.Context, jobID string, runAt time.Time, lastError string) error {
	query := `
		UPDATE jobs
		SET status = $1, run_at = $2, last_error = $3,
		    attempts = GREATEST(attempts - 1, 0), updated_at = NOW()
		WHERE job_id = $4
	`
	return s.exec(ctx, query, string(domain.JobStatusDelayed), runAt, lastError, jobID)
}

// TakeOverdue returns waiting or delayed jobs of one route scheduled before the cutoff
// and moves their run time to now. Rows locked by a concurrent sweep are skipped.
func (s *PostgresJobStore) TakeOverdue(ctx context.Context, ct domain.ChannelType, owner string, before time.Time, limit int) ([]domain.Job, error) {
	query := `
		UPDATE jobs
		SET run_at = NOW(), updated_at = NOW()
		WHERE job_id IN (
			SELECT job_id FROM jobs
			WHERE channel_type = $1
			  AND COALESCE(owner_process_name, '') = $2
			  AND status IN ($3, $4)
			  AND run_at < $5
			ORDER BY run_at
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, query,
		string(ct),
		owner,
		string(domain.JobStatusWaiting),
		string(domain.JobStatusDelayed),
		before,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to take overdue jobs: %w", err)
	}

	jobs := make([]domain.Job, len(rows))
	for i := range rows {
		jobs[i] = *rows[i].toDomain()
	}
	return jobs, nil
}

func (s *PostgresJobStore) exec(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrJobNotFound
	}

	return nil
}

// ListJobs lists jobs newest first with keyset pagination
func (s *PostgresJobStore) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.TenantID != nil {
		query += fmt.Sprintf(" AND tenant_id = $%d", argIdx)
		args = append(args, *filter.TenantID)
		argIdx++
	}

	if filter.ChannelType != "" {
		query += fmt.Sprintf(" AND channel_type = $%d", argIdx)
		args = append(args, filter.ChannelType)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]domain.Job, len(rows))
	for i := range rows {
		jobs[i] = *rows[i].toDomain()
	}
	return jobs, nil
}

// PurgeTerminal deletes completed and failed jobs finished before the cutoff
func (s *PostgresJobStore) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE status IN ($1, $2) AND finished_at < $3
	`

	result, err := s.db.ExecContext(ctx, query,
		string(domain.JobStatusCompleted),
		string(domain.JobStatusFailed),
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return n, nil
}
