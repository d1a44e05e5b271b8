package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/dispatch-core/internal/api/handler"
	apirouter "github.com/cuongbtq/dispatch-core/internal/api/router"
	"github.com/cuongbtq/dispatch-core/internal/channelconfig"
	"github.com/cuongbtq/dispatch-core/internal/config"
	"github.com/cuongbtq/dispatch-core/internal/coordinator"
	"github.com/cuongbtq/dispatch-core/internal/domain"
	"github.com/cuongbtq/dispatch-core/internal/health"
	"github.com/cuongbtq/dispatch-core/internal/queue"
	"github.com/cuongbtq/dispatch-core/internal/router"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobStore := queue.NewPostgresJobStore(dbClient.GetDB(), appLogger.Logger)
	transport := queue.NewRabbitTransport(rabbitClient, queue.RabbitTransportConfig{
		Exchange:    cfg.RabbitMQ.JobsExchange,
		QueuePrefix: cfg.RabbitMQ.QueuePrefix,
	}, appLogger.Logger)

	queues := make(map[domain.ChannelType]router.Enqueuer)
	for _, ct := range cfg.ChannelTypes() {
		queues[ct] = initQueue(cfg, ct, jobStore, transport, appLogger.Logger)
	}

	jobRouter := router.New(&router.Config{
		Store:  channelconfig.NewPostgresStore(dbClient.GetDB(), appLogger.Logger),
		Queues: queues,
		TTL:    cfg.Router.CacheTTL,
		Logger: appLogger.Logger,
	})

	var monitor *health.Monitor
	monitor = health.NewMonitor(&health.Config{
		Store:                  health.NewPostgresStore(dbClient.GetDB(), appLogger.Logger),
		ProcessName:            cfg.App.ProcessName,
		PID:                    os.Getpid(),
		HeartbeatInterval:      cfg.Health.HeartbeatInterval,
		StalenessWindow:        cfg.Health.StalenessWindow,
		DegradedErrorThreshold: cfg.Health.DegradedErrorThreshold,
		ErrorWindow:            cfg.Health.ErrorWindow,
		OnBeat:                 func() { recordPoolMetrics(monitor, dbClient) },
		Logger:                 appLogger.Logger,
	})
	monitor.Start(ctx)

	coord := coordinator.New(&coordinator.Config{
		Broker:            coordinator.NewRabbitBroker(rabbitClient, cfg.RabbitMQ.CoordinationExchange, appLogger.Logger),
		ProcessName:       cfg.App.ProcessName,
		ProcessID:         os.Getpid(),
		HeartbeatInterval: cfg.Health.HeartbeatInterval,
		ReconnectDelay:    cfg.RabbitMQ.Connection.ReconnectDelay,
		Logger:            appLogger.Logger,
	})
	routes := newBroadcastRouter(ctx, jobRouter, coord, appLogger.Logger)
	coord.OnMessage(routes.handleMessage)
	coord.OnShutdown(func(msg coordinator.Message) {
		appLogger.Info("Peer process shut down",
			slog.String("process_name", msg.ProcessName),
			slog.Int("pid", msg.ProcessID),
		)
	})
	if err := coord.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize coordinator: %w", err)
	}

	// Initialize router
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger: appLogger.Logger,
		Router: routes,
		Jobs:   jobStore,
		Health: monitor,
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		runErr = err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
	}

	if err := coord.Shutdown(shutdownCtx, "api service stopping"); err != nil {
		appLogger.Warn("Coordinator shutdown failed", slog.Any("error", err))
	}
	cancel()
	monitor.Stop(shutdownCtx)

	appLogger.Info("Server shutdown complete")
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

// initQueue builds the job queue of one channel type
func initQueue(cfg *config.Config, ct domain.ChannelType, store queue.JobStore, transport queue.Transport, logger *slog.Logger) *queue.Queue {
	settings := cfg.Queue(ct)
	return queue.New(&queue.Config{
		ChannelType:            ct,
		Store:                  store,
		Transport:              transport,
		Backoff:                settings.Backoff.Policy(),
		MaxAttempts:            settings.MaxAttempts,
		RetryPermanentFailures: settings.RetriesPermanentFailures(),
		Logger:                 logger,
	})
}

// initRouter sets the gin mode for the environment and builds the HTTP router
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	return apirouter.SetupRouter(deps)
}

// recordPoolMetrics samples the database pool into the metrics table
func recordPoolMetrics(monitor *health.Monitor, db *postgresql.Client) {
	for name, value := range db.PoolStats() {
		monitor.RecordMetric(context.Background(), name, value, "gauge", nil)
	}
}
