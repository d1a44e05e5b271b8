package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/cuongbtq/dispatch-core/internal/api/handler"
	apirouter "github.com/cuongbtq/dispatch-core/internal/api/router"
	"github.com/cuongbtq/dispatch-core/internal/channelconfig"
	"github.com/cuongbtq/dispatch-core/internal/config"
	"github.com/cuongbtq/dispatch-core/internal/connection"
	"github.com/cuongbtq/dispatch-core/internal/coordinator"
	"github.com/cuongbtq/dispatch-core/internal/domain"
	"github.com/cuongbtq/dispatch-core/internal/health"
	"github.com/cuongbtq/dispatch-core/internal/queue"
	"github.com/cuongbtq/dispatch-core/internal/worker"
	"github.com/cuongbtq/dispatch-core/shared/logger"
	"github.com/cuongbtq/dispatch-core/shared/postgresql"
	"github.com/cuongbtq/dispatch-core/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("process_name", cfg.App.ProcessName),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if cfg.Database.AutoMigrate {
		if err := dbClient.Migrate(context.Background()); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open this process's channel connections
	registry := connection.NewRegistry(appLogger.Logger)
	defer registry.CloseAll()

	configStore := channelconfig.NewPostgresStore(dbClient.GetDB(), appLogger.Logger)
	opened, err := connection.Bootstrap(ctx, configStore, connection.LogDialer{Logger: appLogger.Logger}, registry, cfg.App.ProcessName)
	if err != nil {
		return fmt.Errorf("failed to open channel connections: %w", err)
	}
	appLogger.Info("Channel connections opened",
		slog.Int("count", opened),
		slog.Any("connections", registry.Keys()),
	)

	healthStore := health.NewPostgresStore(dbClient.GetDB(), appLogger.Logger)
	var monitor *health.Monitor
	monitor = health.NewMonitor(&health.Config{
		Store:                  healthStore,
		ProcessName:            cfg.App.ProcessName,
		PID:                    os.Getpid(),
		HeartbeatInterval:      cfg.Health.HeartbeatInterval,
		StalenessWindow:        cfg.Health.StalenessWindow,
		DegradedErrorThreshold: cfg.Health.DegradedErrorThreshold,
		ErrorWindow:            cfg.Health.ErrorWindow,
		ActiveConnections:      registry.Len,
		OnBeat: func() {
			notifyWatchdog()
			recordPoolMetrics(monitor, dbClient)
		},
		Logger: appLogger.Logger,
	})
	monitor.Start(ctx)

	coord := coordinator.New(&coordinator.Config{
		Broker:            coordinator.NewRabbitBroker(rabbitClient, cfg.RabbitMQ.CoordinationExchange, appLogger.Logger),
		ProcessName:       cfg.App.ProcessName,
		ProcessID:         os.Getpid(),
		HeartbeatInterval: cfg.Health.HeartbeatInterval,
		ReconnectDelay:    cfg.RabbitMQ.Connection.ReconnectDelay,
		ActiveConnections: registry.Len,
		Logger:            appLogger.Logger,
	})
	coord.OnShutdown(func(msg coordinator.Message) {
		appLogger.Info("Peer process shut down",
			slog.String("process_name", msg.ProcessName),
			slog.Int("pid", msg.ProcessID),
		)
	})
	if err := coord.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize coordinator: %w", err)
	}

	// Create one worker pool per channel type
	jobStore := queue.NewPostgresJobStore(dbClient.GetDB(), appLogger.Logger)
	transport := queue.NewRabbitTransport(rabbitClient, queue.RabbitTransportConfig{
		Exchange:    cfg.RabbitMQ.JobsExchange,
		QueuePrefix: cfg.RabbitMQ.QueuePrefix,
	}, appLogger.Logger)
	executor := worker.NewDeliveryExecutor(registry)
	events := newJobEvents(ctx, coord, monitor, appLogger.Logger)

	queues := make(map[domain.ChannelType]*queue.Queue)
	workers := make(map[domain.ChannelType]*worker.Worker)
	for _, ct := range cfg.ChannelTypes() {
		queues[ct] = initQueue(cfg, ct, jobStore, transport, appLogger.Logger)
		workers[ct] = initWorker(cfg, ct, queues[ct], executor, events.observe, appLogger.Logger)
	}

	errChan := make(chan error, len(workers)+1)
	var wg sync.WaitGroup
	for ct, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			appLogger.Info("Starting worker pool",
				slog.String("channel_type", string(ct)),
				slog.String("worker_id", w.ID()),
			)
			if err := w.Start(ctx); err != nil {
				errChan <- fmt.Errorf("worker %s: %w", ct, err)
			}
		}()
	}

	purger, err := queue.NewPurger(jobStore, cfg.Retention.TerminalJobTTL, cfg.Retention.PurgeSchedule, appLogger.Logger)
	if err != nil {
		return err
	}
	if err := scheduleMaintenance(purger, cfg, queues, healthStore); err != nil {
		return err
	}
	purger.Start()
	defer purger.Stop()

	go func() {
		err := config.Watch(ctx, *configPath, appLogger.Logger, func(next *config.Config) {
			applyRateLimits(next, workers)
		})
		if err != nil {
			appLogger.Warn("Config watcher stopped", slog.Any("error", err))
		}
	}()

	healthSrv := startHealthServer(cfg, monitor, appLogger.Logger, errChan)

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		appLogger.Debug("systemd notify failed", slog.Any("error", err))
	}

	appLogger.Info("Worker service started successfully",
		slog.Int("pools", len(workers)),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		runErr = err
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Give workers time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := coord.Shutdown(shutdownCtx, "worker service stopping"); err != nil {
		appLogger.Warn("Coordinator shutdown failed", slog.Any("error", err))
	}

	// Cancel context to stop workers
	cancel()

	done := make(chan struct{})
	go func() {
		for _, w := range workers {
			w.Stop()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Workers stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	if healthSrv != nil {
		if err := healthSrv.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Health server forced to shutdown", slog.Any("error", err))
		}
	}
	monitor.Stop(shutdownCtx)

	appLogger.Info("Worker service shutdown complete",
		slog.Int64("errors_recorded", monitor.ErrorCount()),
	)
	return runErr
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		RetryAttempts:   cfg.RetryAttempts,
		RetryInterval:   cfg.RetryInterval,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initQueue builds the queue of one channel type owned by this process
func initQueue(cfg *config.Config, ct domain.ChannelType, store queue.JobStore, transport queue.Transport, logger *slog.Logger) *queue.Queue {
	settings := cfg.Queue(ct)
	return queue.New(&queue.Config{
		ChannelType:            ct,
		Owner:                  cfg.App.ProcessName,
		Store:                  store,
		Transport:              transport,
		Backoff:                settings.Backoff.Policy(),
		MaxAttempts:            settings.MaxAttempts,
		RetryPermanentFailures: settings.RetriesPermanentFailures(),
		Logger:                 logger,
	})
}

// initWorker builds the worker pool of one channel type
func initWorker(cfg *config.Config, ct domain.ChannelType, q *queue.Queue, executor worker.Executor, observer worker.Observer, logger *slog.Logger) *worker.Worker {
	settings := cfg.Queue(ct)
	return worker.NewWorker(&worker.Config{
		Logger:         logger,
		Queue:          q,
		Executor:       executor,
		WorkerID:       fmt.Sprintf("%s-%s-%d", cfg.App.ProcessName, ct, os.Getpid()),
		Concurrency:    settings.Concurrency,
		RateLimit:      settings.RateLimit,
		RateBurst:      settings.RateBurst,
		PrefetchCount:  settings.PrefetchCount,
		AttemptTimeout: settings.AttemptTimeout,
		Observer:       observer,
	})
}

// scheduleMaintenance adds overdue job recovery for this process's queues and
// process history pruning to the purger's schedule
func scheduleMaintenance(purger *queue.Purger, cfg *config.Config, queues map[domain.ChannelType]*queue.Queue, history health.Store) error {
	for ct, q := range queues {
		err := purger.Schedule("recover "+q.Name(), cfg.Retention.RecoverySchedule, func(ctx context.Context) (int64, error) {
			return q.RequeueOverdue(ctx, cfg.Retention.RecoveryGrace, cfg.Retention.RecoveryBatch)
		})
		if err != nil {
			return fmt.Errorf("queue %s: %w", ct, err)
		}
	}

	return purger.Schedule("process history", cfg.Retention.PurgeSchedule, func(ctx context.Context) (int64, error) {
		return history.PurgeHistory(ctx, time.Now().Add(-cfg.Retention.HistoryTTL))
	})
}

// applyRateLimits pushes reloaded rate limits into the running pools. Other
// settings take effect on restart.
func applyRateLimits(cfg *config.Config, workers map[domain.ChannelType]*worker.Worker) {
	for ct, w := range workers {
		settings := cfg.Queue(ct)
		w.SetRateLimit(settings.RateLimit, settings.RateBurst)
	}
}

// startHealthServer serves /health and /health/all when health.port is set
func startHealthServer(cfg *config.Config, monitor *health.Monitor, logger *slog.Logger, errChan chan<- error) *http.Server {
	if cfg.Health.Port == 0 {
		return nil
	}
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: apirouter.SetupHealthRouter(&handler.Dependencies{
			Logger: logger,
			Health: monitor,
		}),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("health server: %w", err)
		}
	}()

	logger.Info("Health server listening", slog.String("address", srv.Addr))
	return srv
}

// notifyWatchdog pings the systemd watchdog; a no-op outside systemd
func notifyWatchdog() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
}

// recordPoolMetrics samples the database pool into the metrics table
func recordPoolMetrics(monitor *health.Monitor, db *postgresql.Client) {
	for name, value := range db.PoolStats() {
		monitor.RecordMetric(context.Background(), name, value, "gauge", nil)
	}
}
