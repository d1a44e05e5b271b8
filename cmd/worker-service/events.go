package main

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/dispatch-core/internal/coordinator"
	"github.com/cuongbtq/dispatch-core/internal/domain"
)

// Bot event names published on bot:event
const (
	eventJobCompleted = "job:completed"
	eventJobRetrying  = "job:retrying"
	eventJobFailed    = "job:failed"
)

type eventPublisher interface {
	PublishBotEvent(ctx context.Context, event coordinator.BotEvent) error
}

type errorRecorder interface {
	RecordError(ctx context.Context, err error, severity domain.Severity)
}

// jobEvents turns job outcomes into bot events and health error records
type jobEvents struct {
	ctx       context.Context
	publisher eventPublisher
	recorder  errorRecorder
	logger    *slog.Logger
}

func newJobEvents(ctx context.Context, publisher eventPublisher, recorder errorRecorder, logger *slog.Logger) *jobEvents {
	return &jobEvents{ctx: ctx, publisher: publisher, recorder: recorder, logger: logger}
}

func (e *jobEvents) observe(job *domain.Job, status domain.JobStatus, err error) {
	event := coordinator.BotEvent{
		TenantID:     job.TenantID,
		ChannelIndex: job.ChannelIndex,
		JobID:        job.ID,
		Status:       string(status),
	}

	severity := domain.SeverityWarning
	switch status {
	case domain.JobStatusCompleted:
		event.Event = eventJobCompleted
	case domain.JobStatusFailed:
		event.Event = eventJobFailed
		severity = domain.SeverityError
	default:
		event.Event = eventJobRetrying
	}
	if err != nil {
		event.Error = err.Error()
		e.recorder.RecordError(e.ctx, err, severity)
	}

	e.logger.Debug("Job outcome",
		slog.String("event", event.Event),
		slog.String("job_id", job.ID),
		slog.Int("attempts", job.Attempts),
	)

	// Publish failures are logged and swallowed by the coordinator
	_ = e.publisher.PublishBotEvent(e.ctx, event)
}
