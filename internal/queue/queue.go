package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/dispatch-core/internal/domain"
	"github.com/google/uuid"
)

// Config holds queue configuration
type Config struct {
	ChannelType domain.ChannelType
	// Owner is the process whose route this instance consumes; producers leave it empty
	Owner       string
	Store       JobStore
	Transport   Transport
	Backoff     domain.BackoffPolicy
	MaxAttempts int
	// RetryPermanentFailures keeps retrying PermanentDeliveryError failures like transient ones
	RetryPermanentFailures bool
	Logger                 *slog.Logger
	Now                    func() time.Time
}

// Queue is the durable, at-least-once job queue for one channel type
type Queue struct {
	channelType    domain.ChannelType
	owner          string
	store          JobStore
	transport      Transport
	backoff        domain.BackoffPolicy
	maxAttempts    int
	retryPermanent bool
	logger         *slog.Logger
	now            func() time.Time
}

// New creates a new queue instance
func New(cfg *Config) *Queue {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		channelType:    cfg.ChannelType,
		owner:          cfg.Owner,
		store:          cfg.Store,
		transport:      cfg.Transport,
		backoff:        cfg.Backoff,
		maxAttempts:    maxAttempts,
		retryPermanent: cfg.RetryPermanentFailures,
		logger:         logger.With(slog.String("queue", RouteName(cfg.ChannelType, cfg.Owner))),
		now:            now,
	}
}

// Name returns the transport queue this instance consumes
func (q *Queue) Name() string {
	return RouteName(q.channelType, q.owner)
}

// ChannelType returns the channel type served by this queue
func (q *Queue) ChannelType() domain.ChannelType {
	return q.channelType
}

// Enqueue stores the job and hands it to the transport. It does not wait for delivery.
func (q *Queue) Enqueue(ctx context.Context, req *domain.Job, opts EnqueueOptions) (*domain.Job, error) {
	if req.ChannelType != "" && req.ChannelType != q.channelType {
		return nil, fmt.Errorf("%w: job for %q submitted to queue %q", domain.ErrUnsupportedChannelType, req.ChannelType, q.channelType)
	}

	now := q.now()
	job := req.Clone()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.ChannelType = q.channelType
	job.Owner = opts.Owner
	job.Priority = clampPriority(opts.Priority)
	job.MaxAttempts = opts.MaxAttempts
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.maxAttempts
	}
	job.Backoff = q.backoff
	if opts.Backoff != nil {
		job.Backoff = *opts.Backoff
	}
	job.Attempts = 0
	job.Status = domain.JobStatusWaiting
	job.RunAt = now
	if opts.Delay > 0 {
		job.Status = domain.JobStatusDelayed
		job.RunAt = now.Add(opts.Delay)
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := q.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := q.transport.Publish(ctx, RouteName(q.channelType, job.Owner), job.ID, job.Priority, opts.Delay); err != nil {
		// The record exists but nothing will ever deliver it
		if markErr := q.store.MarkFailed(ctx, job.ID, "enqueue failed: "+err.Error()); markErr != nil {
			q.logger.Error("Failed to mark unpublished job as failed",
				slog.String("job_id", job.ID),
				slog.Any("error", markErr),
			)
		}
		return nil, fmt.Errorf("failed to publish job: %w", err)
	}

	q.logger.Debug("Job enqueued",
		slog.String("job_id", job.ID),
		slog.Int64("tenant_id", job.TenantID),
		slog.Int("channel_index", job.ChannelIndex),
		slog.String("owner", job.Owner),
		slog.Int("priority", job.Priority),
		slog.Duration("delay", opts.Delay),
	)

	return job, nil
}

// Get returns the current job record
func (q *Queue) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return q.store.GetJob(ctx, jobID)
}

// Receive starts consuming job messages
func (q *Queue) Receive(ctx context.Context, consumerTag string, prefetch int) (<-chan Message, error) {
	return q.transport.Consume(ctx, q.Name(), consumerTag, prefetch)
}

// Claim turns a message into an active delivery. Messages for jobs that cannot be
// claimed are acknowledged and dropped; store failures requeue the message.
func (q *Queue) Claim(ctx context.Context, msg Message, workerID string) (*Delivery, error) {
	now := q.now()
	job, err := q.store.ClaimJob(ctx, msg.JobID(), workerID, msg.Redelivered(), now.Add(DueTolerance))
	if err != nil {
		switch {
		case errors.Is(err, ErrJobNotDue):
			q.postpone(ctx, msg, job, job.RunAt.Sub(now))
			return nil, err
		case errors.Is(err, domain.ErrJobAlreadyClaimed), errors.Is(err, domain.ErrJobNotFound):
			q.ack(msg)
			return nil, err
		}
		q.nack(msg)
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	if job.Attempts > job.MaxAttempts {
		q.logger.Warn("Redelivered job has no attempts left",
			slog.String("job_id", job.ID),
			slog.Int("attempts", job.Attempts),
			slog.Int("max_attempts", job.MaxAttempts),
		)
		if err := q.store.MarkFailed(ctx, job.ID, job.LastError); err != nil {
			q.logger.Error("Failed to mark exhausted job as failed",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		}
		q.ack(msg)
		return nil, ErrAttemptsExhausted
	}

	return &Delivery{Job: job, msg: msg, queue: q}, nil
}

// postpone sends an early message back through the transport for the rest of its delay
func (q *Queue) postpone(ctx context.Context, msg Message, job *domain.Job, remaining time.Duration) {
	if err := q.transport.Publish(ctx, RouteName(q.channelType, job.Owner), job.ID, job.Priority, remaining); err != nil {
		q.logger.Error("Failed to postpone early job message",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		q.nack(msg)
		return
	}
	q.logger.Debug("Job not due, postponed",
		slog.String("job_id", job.ID),
		slog.Duration("remaining", remaining),
	)
	q.ack(msg)
}

// RequeueOverdue republishes waiting and delayed jobs of this route whose run time
// passed more than grace ago. A transport message lost in transit cannot strand a job.
func (q *Queue) RequeueOverdue(ctx context.Context, grace time.Duration, limit int) (int64, error) {
	jobs, err := q.store.TakeOverdue(ctx, q.channelType, q.owner, q.now().Add(-grace), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue jobs: %w", err)
	}

	var n int64
	for i := range jobs {
		job := &jobs[i]
		if err := q.transport.Publish(ctx, RouteName(q.channelType, job.Owner), job.ID, job.Priority, 0); err != nil {
			return n, fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
		}
		n++
	}

	if n > 0 {
		q.logger.Warn("Requeued overdue jobs",
			slog.Int64("count", n),
			slog.Duration("grace", grace),
		)
	}
	return n, nil
}

func (q *Queue) nack(msg Message) {
	if err := msg.Nack(true); err != nil {
		q.logger.Error("Failed to NACK message",
			slog.String("job_id", msg.JobID()),
			slog.Any("error", err),
		)
	}
}

func (q *Queue) ack(msg Message) {
	if err := msg.Ack(); err != nil {
		q.logger.Error("Failed to ACK message",
			slog.String("job_id", msg.JobID()),
			slog.Any("error", err),
		)
	}
}

// Delivery is a claimed job ready for execution
type Delivery struct {
	Job   *domain.Job
	msg   Message
	queue *Queue
}

// Complete marks the job completed and acknowledges the message
func (d *Delivery) Complete(ctx context.Context) error {
	err := d.queue.store.MarkCompleted(ctx, d.Job.ID)
	if err != nil {
		// The send happened; acking avoids a duplicate delivery
		d.queue.logger.Error("Failed to update job status to completed",
			slog.String("job_id", d.Job.ID),
			slog.Any("error", err),
		)
	} else {
		d.Job.Status = domain.JobStatusCompleted
	}
	d.queue.ack(d.msg)
	return err
}

// Fail records a failed attempt. The job is rescheduled per its backoff policy
// while attempts remain, otherwise it becomes terminally failed.
func (d *Delivery) Fail(ctx context.Context, cause error) (domain.JobStatus, error) {
	q := d.queue
	job := d.Job
	lastErr := cause.Error()

	permanent := domain.IsPermanent(cause) && !q.retryPermanent
	if !job.AttemptsLeft() || permanent {
		if err := q.store.MarkFailed(ctx, job.ID, lastErr); err != nil {
			// leave it to redelivery rather than lose the failure
			q.nack(d.msg)
			return job.Status, fmt.Errorf("failed to mark job failed: %w", err)
		}
		job.Status = domain.JobStatusFailed
		job.LastError = lastErr
		q.ack(d.msg)

		q.logger.Warn("Job failed permanently",
			slog.String("job_id", job.ID),
			slog.Int("attempts", job.Attempts),
			slog.Int("max_attempts", job.MaxAttempts),
			slog.Bool("permanent_error", domain.IsPermanent(cause)),
			slog.String("error", lastErr),
		)
		return domain.JobStatusFailed, nil
	}

	delay := job.Backoff.Delay(job.Attempts)
	runAt := q.now().Add(delay)
	if err := q.store.MarkDelayed(ctx, job.ID, runAt, lastErr); err != nil {
		q.nack(d.msg)
		return job.Status, fmt.Errorf("failed to reschedule job: %w", err)
	}

	if err := q.transport.Publish(ctx, RouteName(q.channelType, job.Owner), job.ID, job.Priority, delay); err != nil {
		// Requeue the original so the retry is not lost, at the price of skipping the delay
		q.logger.Error("Failed to publish retry, requeueing immediately",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		if nackErr := d.msg.Nack(true); nackErr != nil {
			return job.Status, fmt.Errorf("failed to requeue job: %w", nackErr)
		}
	} else {
		q.ack(d.msg)
	}

	job.Status = domain.JobStatusDelayed
	job.LastError = lastErr
	job.RunAt = runAt

	q.logger.Info("Job will be retried",
		slog.String("job_id", job.ID),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Duration("retry_after", delay),
	)
	return domain.JobStatusDelayed, nil
}

// Release hands the job back without counting the attempt and makes it due again
// after delay. Workers use it when this process cannot run the job right now.
func (d *Delivery) Release(ctx context.Context, delay time.Duration, cause error) error {
	q := d.queue
	job := d.Job
	lastErr := cause.Error()

	runAt := q.now().Add(delay)
	if err := q.store.ReleaseJob(ctx, job.ID, runAt, lastErr); err != nil {
		q.nack(d.msg)
		return fmt.Errorf("failed to release job: %w", err)
	}

	if err := q.transport.Publish(ctx, RouteName(q.channelType, job.Owner), job.ID, job.Priority, delay); err != nil {
		q.logger.Error("Failed to publish released job, requeueing immediately",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		q.nack(d.msg)
	} else {
		q.ack(d.msg)
	}

	if job.Attempts > 0 {
		job.Attempts--
	}
	job.Status = domain.JobStatusDelayed
	job.LastError = lastErr
	job.RunAt = runAt

	q.logger.Warn("Job released without using an attempt",
		slog.String("job_id", job.ID),
		slog.Int("attempts", job.Attempts),
		slog.Duration("retry_after", delay),
		slog.String("reason", lastErr),
	)
	return nil
}
