package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/dispatch-core/internal/domain"
	"github.com/cuongbtq/dispatch-core/internal/queue"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// DefaultReleaseDelay is the wait before retrying a job whose connection is missing
const DefaultReleaseDelay = 5 * time.Second

// JobQueue is the part of a queue the worker consumes from
type JobQueue interface {
	Name() string
	Receive(ctx context.Context, consumerTag string, prefetch int) (<-chan queue.Message, error)
	Claim(ctx context.Context, msg queue.Message, workerID string) (*queue.Delivery, error)
}

// Observer is told the outcome of every attempt. err is nil on success.
type Observer func(job *domain.Job, status domain.JobStatus, err error)

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	Queue    JobQueue
	Executor Executor
	WorkerID string
	// Concurrency bounds simultaneous executions
	Concurrency int
	// RateLimit is the number of job starts allowed per second; 0 means unlimited
	RateLimit     float64
	RateBurst     int
	PrefetchCount int
	// AttemptTimeout cancels the execution context of a single attempt; 0 means none
	AttemptTimeout time.Duration
	// ResubscribeDelay is the wait before consuming again after the delivery channel closed
	ResubscribeDelay time.Duration
	// ReleaseDelay is the wait before a job is retried when its connection is not
	// available in this process
	ReleaseDelay time.Duration
	Observer     Observer
}

// Worker runs a pool of goroutines executing jobs from one queue
type Worker struct {
	logger           *slog.Logger
	queue            JobQueue
	executor         Executor
	workerID         string
	concurrency      int
	prefetchCount    int
	attemptTimeout   time.Duration
	resubscribeDelay time.Duration
	releaseDelay     time.Duration
	observer         Observer
	limiter          *rate.Limiter

	jobsChan chan queue.Message
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = fmt.Sprintf("%s-%s", cfg.Queue.Name(), uuid.New().String()[:8])
	}
	resubscribeDelay := cfg.ResubscribeDelay
	if resubscribeDelay <= 0 {
		resubscribeDelay = 5 * time.Second
	}
	releaseDelay := cfg.ReleaseDelay
	if releaseDelay <= 0 {
		releaseDelay = DefaultReleaseDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		logger:           logger.With(slog.String("queue", cfg.Queue.Name())),
		queue:            cfg.Queue,
		executor:         cfg.Executor,
		workerID:         workerID,
		concurrency:      concurrency,
		prefetchCount:    prefetch,
		attemptTimeout:   cfg.AttemptTimeout,
		resubscribeDelay: resubscribeDelay,
		releaseDelay:     releaseDelay,
		observer:         cfg.Observer,
		limiter:          newLimiter(cfg.RateLimit, cfg.RateBurst),
		jobsChan:         make(chan queue.Message),
		stopChan:         make(chan struct{}),
	}
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// ID returns the worker id recorded on claimed jobs
func (w *Worker) ID() string {
	return w.workerID
}

// SetRateLimit changes the rate limit of a running worker; perSecond 0 means unlimited
func (w *Worker) SetRateLimit(perSecond float64, burst int) {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	w.limiter.SetLimit(limit)
	w.limiter.SetBurst(burst)

	w.logger.Info("Worker rate limit updated",
		slog.Float64("rate_limit", perSecond),
		slog.Int("rate_burst", burst),
	)
}

// Start consumes and processes jobs until ctx is canceled or Stop is called
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Float64("rate_limit", float64(w.limiter.Limit())),
		slog.Duration("attempt_timeout", w.attemptTimeout),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	w.spawnWorkerPool(ctx)

	for ctx.Err() == nil {
		deliveries, err := w.setupConsumer(ctx)
		if err != nil {
			w.logger.Error("Failed to start consumer, retrying",
				slog.Duration("retry_after", w.resubscribeDelay),
				slog.Any("error", err),
			)
		} else {
			w.startMessageDispatcher(ctx, deliveries)
		}

		select {
		case <-ctx.Done():
		case <-time.After(w.resubscribeDelay):
		}
	}

	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop signals the pool to stop and waits for in-flight jobs to finish
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
