package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/dispatch-core/internal/queue"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg := <-w.jobsChan:
			w.processJob(ctx, workerName, msg)
		}
	}
}

// dispatch hands a message to an idle worker goroutine. Messages that cannot be
// handed over before shutdown are requeued.
func (w *Worker) dispatch(ctx context.Context, msg queue.Message) bool {
	select {
	case w.jobsChan <- msg:
		w.logger.Debug("Job dispatched to worker pool",
			slog.String("job_id", msg.JobID()),
		)
		return true
	case <-ctx.Done():
		if nackErr := msg.Nack(true); nackErr != nil {
			w.logger.Error("Failed to NACK message on shutdown",
				slog.String("job_id", msg.JobID()),
				slog.Any("error", nackErr),
			)
		}
		return false
	}
}
