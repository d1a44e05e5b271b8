package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cuongbtq/dispatch-core/internal/domain"
	"github.com/cuongbtq/dispatch-core/internal/queue"
)

// processJob claims, executes and settles a single message. Errors never escape.
func (w *Worker) processJob(ctx context.Context, workerName string, msg queue.Message) {
	// an attempt that has started runs to completion even during shutdown
	ctx = context.WithoutCancel(ctx)

	d, err := w.queue.Claim(ctx, msg, w.workerID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobAlreadyClaimed):
			w.logger.Warn("Job already claimed, skipping",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID()),
			)
		case errors.Is(err, domain.ErrJobNotFound):
			w.logger.Warn("Job not found, dropping message",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID()),
			)
		case errors.Is(err, queue.ErrAttemptsExhausted):
		case errors.Is(err, queue.ErrJobNotDue):
			w.logger.Debug("Job not due yet, postponed",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID()),
			)
		default:
			w.logger.Error("Failed to claim job",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID()),
				slog.Any("error", err),
			)
		}
		return
	}

	job := d.Job
	w.logger.Info("Processing job",
		slog.String("worker_name", workerName),
		slog.String("job_id", job.ID),
		slog.Int64("tenant_id", job.TenantID),
		slog.Int("channel_index", job.ChannelIndex),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	start := time.Now()
	execErr := w.executeJob(ctx, job)

	if execErr == nil {
		if err := d.Complete(ctx); err != nil {
			w.logger.Error("Failed to update job status to completed",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		}
		w.logger.Info("Job completed successfully",
			slog.String("worker_name", workerName),
			slog.String("job_id", job.ID),
			slog.Duration("duration", time.Since(start)),
		)
		w.notify(job, domain.JobStatusCompleted, nil)
		return
	}

	if errors.Is(execErr, domain.ErrConnectionUnavailable) {
		// this process cannot reach the channel right now; the attempt does not count
		if err := d.Release(ctx, w.releaseDelay, execErr); err != nil {
			w.logger.Error("Failed to release job",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		}
		w.notify(job, domain.JobStatusDelayed, execErr)
		return
	}

	w.logger.Error("Job execution failed",
		slog.String("worker_name", workerName),
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempts),
		slog.Any("error", execErr),
	)

	status, err := d.Fail(ctx, execErr)
	if err != nil {
		w.logger.Error("Failed to record job failure",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
	w.notify(job, status, execErr)
}

// executeJob runs the executor with the attempt timeout, turning panics into errors
func (w *Worker) executeJob(ctx context.Context, job *domain.Job) (err error) {
	if w.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.attemptTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Job executor panicked",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = domain.NewTransientError(fmt.Errorf("executor panic: %v", r))
		}
	}()

	return w.executor.Execute(ctx, job)
}

func (w *Worker) notify(job *domain.Job, status domain.JobStatus, err error) {
	if w.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Job observer panicked",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
			)
		}
	}()
	w.observer(job, status, err)
}
