package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cuongbtq/dispatch-core/internal/domain"
)

// MaxPriority is the highest accepted job priority
const MaxPriority = 9

// DueTolerance is how early a delayed job may be claimed
const DueTolerance = 100 * time.Millisecond

var (
	// ErrAttemptsExhausted is returned when a redelivered job has no attempts left
	ErrAttemptsExhausted = errors.New("job attempts exhausted")

	// ErrJobNotDue is returned when a message arrives before its job's run time
	ErrJobNotDue = errors.New("job not due yet")
)

// RouteName is the transport queue of a channel type's jobs owned by a process.
// Jobs without an owner use the bare channel type.
func RouteName(ct domain.ChannelType, owner string) string {
	if owner == "" {
		return string(ct)
	}
	return string(ct) + "." + owner
}

// EnqueueOptions overrides queue defaults for a single job
type EnqueueOptions struct {
	Priority    int
	MaxAttempts int
	Backoff     *domain.BackoffPolicy
	Delay       time.Duration
	// Owner is the process holding the channel connection
	Owner string
}

// JobFilter narrows ListJobs
type JobFilter struct {
	TenantID    *int64
	ChannelType string
	Status      string
	PageSize    int
	Cursor      *JobCursor
}

// JobCursor is a keyset position for (created_at, job_id) descending pagination
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// JobStore persists job records
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	// ClaimJob moves a waiting or delayed job due by dueBy to active and counts the
	// attempt. With reclaim set an already active job is claimed as well. A job that
	// is not due yet is returned together with ErrJobNotDue.
	ClaimJob(ctx context.Context, jobID, workerID string, reclaim bool, dueBy time.Time) (*domain.Job, error)
	MarkCompleted(ctx context.Context, jobID string) error
	MarkDelayed(ctx context.Context, jobID string, runAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, jobID string, lastError string) error
	// ReleaseJob reschedules an active job and gives back the attempt it was claimed with
	ReleaseJob(ctx context.Context, jobID string, runAt time.Time, lastError string) error
	// TakeOverdue returns up to limit waiting or delayed jobs of one route scheduled
	// before the cutoff, and moves their run time to now so each is returned at most
	// once per cutoff window
	TakeOverdue(ctx context.Context, ct domain.ChannelType, owner string, before time.Time, limit int) ([]domain.Job, error)
	// ListJobs returns up to PageSize+1 rows so callers can detect another page
	ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error)
	// PurgeTerminal deletes completed and failed jobs finished before the cutoff
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}

// Transport delivers job ids to consumers of a named queue
type Transport interface {
	Publish(ctx context.Context, queueName, jobID string, priority int, delay time.Duration) error
	Consume(ctx context.Context, queueName, consumerTag string, prefetch int) (<-chan Message, error)
}

// Message is one transport delivery of a job id
type Message interface {
	JobID() string
	Redelivered() bool
	Ack() error
	Nack(requeue bool) error
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
