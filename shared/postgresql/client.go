package postgresql

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// Config holds PostgreSQL connection configuration
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// RetryAttempts bounds connection attempts at startup; 0 means one attempt
	RetryAttempts int
	RetryInterval time.Duration
}

// Client represents a PostgreSQL database client
type Client struct {
	db     *sqlx.DB
	config *Config
	logger *slog.Logger
}

// NewClient connects, retrying while the database is not reachable yet
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	attempts := config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		logger.Info("Connecting to PostgreSQL",
			slog.String("host", config.Host),
			slog.Int("port", config.Port),
			slog.String("database", config.Database),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		var db *sqlx.DB
		if db, err = open(config); err == nil {
			logger.Info("Successfully connected to PostgreSQL",
				slog.Int("max_open_conns", config.MaxOpenConns),
				slog.Int("max_idle_conns", config.MaxIdleConns),
				slog.Duration("conn_max_lifetime", config.ConnMaxLifetime),
			)
			return &Client{db: db, config: config, logger: logger}, nil
		}

		logger.Error("Failed to connect to PostgreSQL",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)
		if attempt < attempts {
			time.Sleep(config.RetryInterval)
		}
	}

	return nil, fmt.Errorf("failed to connect to PostgreSQL after %d attempts: %w", attempts, err)
}

func open(config *Config) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host,
		config.Port,
		config.User,
		config.Password,
		config.Database,
		config.SSLMode,
	)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	// Set connection pool settings
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	return db, nil
}

// GetDB returns the underlying sqlx.DB instance
func (c *Client) GetDB() *sqlx.DB {
	return c.db
}

// Close closes the database connection
func (c *Client) Close() error {
	c.logger.Info("Closing PostgreSQL connection")

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.logger.Error("Failed to close PostgreSQL connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("PostgreSQL connection closed successfully")
	return nil
}

// Migrate creates any missing tables and indexes
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		c.logger.Error("Failed to apply database schema",
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to apply database schema: %w", err)
	}

	c.logger.Info("Database schema applied")
	return nil
}

// PoolStats returns connection pool gauges keyed by metric name
func (c *Client) PoolStats() map[string]float64 {
	stats := c.db.Stats()
	return map[string]float64{
		"db_open_connections": float64(stats.OpenConnections),
		"db_in_use":           float64(stats.InUse),
		"db_idle":             float64(stats.Idle),
		"db_wait_count":       float64(stats.WaitCount),
	}
}
