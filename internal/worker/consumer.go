package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/dispatch-core/internal/queue"
)

// setupConsumer starts consuming from the queue with the configured prefetch
func (w *Worker) setupConsumer(ctx context.Context) (<-chan queue.Message, error) {
	deliveries, err := w.queue.Receive(ctx, w.workerID, w.prefetchCount)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.Int("prefetch_count", w.prefetchCount),
	)
	return deliveries, nil
}

// startMessageDispatcher feeds deliveries to the worker pool, waiting on the rate
// limiter before each job start. It returns when the delivery channel closes or ctx ends.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan queue.Message) {
	w.logger.Debug("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Message dispatcher stopped - context canceled")
			return

		case msg, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Delivery channel closed")
				return
			}

			if err := w.limiter.Wait(ctx); err != nil {
				if nackErr := msg.Nack(true); nackErr != nil {
					w.logger.Error("Failed to NACK rate-limited message",
						slog.String("job_id", msg.JobID()),
						slog.Any("error", nackErr),
					)
				}
				return
			}

			if !w.dispatch(ctx, msg) {
				w.logger.Debug("Message dispatcher stopped while dispatching job")
				return
			}
		}
	}
}
