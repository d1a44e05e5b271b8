package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/cuongbtq/dispatch-core/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig                `yaml:"app"`
	Server    ServerConfig             `yaml:"server"`
	Database  DatabaseConfig           `yaml:"database"`
	RabbitMQ  RabbitMQConfig           `yaml:"rabbitmq"`
	Logging   LoggingConfig            `yaml:"logging"`
	Router    RouterConfig             `yaml:"router"`
	Queues    map[string]QueueSettings `yaml:"queues"`
	Health    HealthConfig             `yaml:"health"`
	Retention RetentionConfig          `yaml:"retention"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	// ProcessName identifies this process to the coordinator, the health store and
	// channel ownership; defaults to Name
	ProcessName string `yaml:"process_name"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	// AutoMigrate creates missing tables on startup
	AutoMigrate bool `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Host                 string           `yaml:"host"`
	Port                 int              `yaml:"port"`
	User                 string           `yaml:"user"`
	Password             string           `yaml:"password"`
	VHost                string           `yaml:"vhost"`
	JobsExchange         string           `yaml:"jobs_exchange"`
	QueuePrefix          string           `yaml:"queue_prefix"`
	CoordinationExchange string           `yaml:"coordination_exchange"`
	Connection           ConnectionConfig `yaml:"connection"`
	Publish              PublishConfig    `yaml:"publish"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	// ReconnectDelay is the fixed wait between coordinator reconnect attempts
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// RouterConfig holds channel routing configuration
type RouterConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// BackoffConfig describes a retry delay schedule
type BackoffConfig struct {
	Type string        `yaml:"type"`
	Base time.Duration `yaml:"base"`
	Cap  time.Duration `yaml:"cap"`
}

// Policy converts the configuration into a backoff policy
func (b BackoffConfig) Policy() domain.BackoffPolicy {
	return domain.BackoffPolicy{Type: domain.BackoffType(b.Type), Base: b.Base, Cap: b.Cap}
}

// QueueSettings holds the worker pool and retry policy of one channel type's queue
type QueueSettings struct {
	Concurrency    int           `yaml:"concurrency"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	PrefetchCount  int           `yaml:"prefetch_count"`
	MaxAttempts    int           `yaml:"max_attempts"`
	Backoff        BackoffConfig `yaml:"backoff"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	// RetryPermanentFailures retries channel rejections like transient failures; defaults to true
	RetryPermanentFailures *bool `yaml:"retry_permanent_failures"`
}

// RetriesPermanentFailures reports the effective permanent-failure policy
func (q QueueSettings) RetriesPermanentFailures() bool {
	return q.RetryPermanentFailures == nil || *q.RetryPermanentFailures
}

// HealthConfig holds heartbeat and classification settings
type HealthConfig struct {
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
	StalenessWindow        time.Duration `yaml:"staleness_window"`
	DegradedErrorThreshold int64         `yaml:"degraded_error_threshold"`
	ErrorWindow            time.Duration `yaml:"error_window"`
	// Port serves /health from worker processes; 0 disables it
	Port int `yaml:"port"`
}

// RetentionConfig holds terminal job retention and recovery settings
type RetentionConfig struct {
	TerminalJobTTL time.Duration `yaml:"terminal_job_ttl"`
	PurgeSchedule  string        `yaml:"purge_schedule"`
	// HistoryTTL bounds how long process events and metrics are kept
	HistoryTTL time.Duration `yaml:"history_ttl"`
	// RecoverySchedule republishes jobs whose message was lost
	RecoverySchedule string        `yaml:"recovery_schedule"`
	RecoveryGrace    time.Duration `yaml:"recovery_grace"`
	RecoveryBatch    int           `yaml:"recovery_batch"`
}

// Load reads the configuration file, expands ${VAR} references from the environment
// and applies defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func defaultQueue(ct domain.ChannelType) QueueSettings {
	if ct == domain.ChannelTypeDirectAPI {
		return QueueSettings{
			Concurrency: 10,
			MaxAttempts: 3,
			Backoff:     BackoffConfig{Type: string(domain.BackoffFixed), Base: time.Second},
		}
	}
	return QueueSettings{
		Concurrency: 5,
		MaxAttempts: 3,
		Backoff:     BackoffConfig{Type: string(domain.BackoffExponential), Base: 2 * time.Second},
	}
}

func (c *Config) applyDefaults() {
	if c.App.ProcessName == "" {
		c.App.ProcessName = c.App.Name
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.RabbitMQ.JobsExchange == "" {
		c.RabbitMQ.JobsExchange = "dispatch.jobs"
	}
	if c.RabbitMQ.CoordinationExchange == "" {
		c.RabbitMQ.CoordinationExchange = "dispatch.coordination"
	}
	if c.RabbitMQ.Connection.ReconnectDelay <= 0 {
		c.RabbitMQ.Connection.ReconnectDelay = 5 * time.Second
	}
	if c.Router.CacheTTL <= 0 {
		c.Router.CacheTTL = 60 * time.Second
	}
	if c.Health.HeartbeatInterval <= 0 {
		c.Health.HeartbeatInterval = 10 * time.Second
	}
	if c.Health.StalenessWindow <= 0 {
		c.Health.StalenessWindow = 30 * time.Second
	}
	if c.Health.ErrorWindow <= 0 {
		c.Health.ErrorWindow = 5 * time.Minute
	}
	if c.Retention.TerminalJobTTL <= 0 {
		c.Retention.TerminalJobTTL = 24 * time.Hour
	}
	if c.Retention.PurgeSchedule == "" {
		c.Retention.PurgeSchedule = "@every 10m"
	}
	if c.Retention.HistoryTTL <= 0 {
		c.Retention.HistoryTTL = 72 * time.Hour
	}
	if c.Retention.RecoverySchedule == "" {
		c.Retention.RecoverySchedule = "@every 1m"
	}
	if c.Retention.RecoveryGrace <= 0 {
		c.Retention.RecoveryGrace = 5 * time.Minute
	}
	if c.Retention.RecoveryBatch <= 0 {
		c.Retention.RecoveryBatch = 500
	}

	if c.Queues == nil {
		c.Queues = make(map[string]QueueSettings)
	}
	for _, ct := range []domain.ChannelType{domain.ChannelTypeSession, domain.ChannelTypeDirectAPI} {
		q := c.Queues[string(ct)]
		def := defaultQueue(ct)
		if q.Concurrency <= 0 {
			q.Concurrency = def.Concurrency
		}
		if q.MaxAttempts <= 0 {
			q.MaxAttempts = def.MaxAttempts
		}
		if q.Backoff.Type == "" {
			q.Backoff.Type = def.Backoff.Type
		}
		if q.Backoff.Base <= 0 {
			q.Backoff.Base = def.Backoff.Base
		}
		c.Queues[string(ct)] = q
	}
}

// ChannelTypes returns the configured channel types in a stable order
func (c *Config) ChannelTypes() []domain.ChannelType {
	var extra []string
	for name := range c.Queues {
		ct := domain.ChannelType(name)
		if ct != domain.ChannelTypeSession && ct != domain.ChannelTypeDirectAPI {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)

	out := []domain.ChannelType{domain.ChannelTypeSession, domain.ChannelTypeDirectAPI}
	for _, name := range extra {
		out = append(out, domain.ChannelType(name))
	}
	return out
}

// Queue returns the settings for a channel type
func (c *Config) Queue(ct domain.ChannelType) QueueSettings {
	if q, ok := c.Queues[string(ct)]; ok {
		return q
	}
	return defaultQueue(ct)
}

// Validate checks the settings shared by every service
func (c *Config) Validate() error {
	if c.App.ProcessName == "" {
		return fmt.Errorf("app process_name or name is required")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.Health.StalenessWindow <= c.Health.HeartbeatInterval {
		return fmt.Errorf("health staleness_window (%s) must exceed heartbeat_interval (%s)", c.Health.StalenessWindow, c.Health.HeartbeatInterval)
	}

	for name, q := range c.Queues {
		if err := q.validate(); err != nil {
			return fmt.Errorf("queue %s: %w", name, err)
		}
	}

	return nil
}

// ValidateAPIConfig checks the settings of the API service
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return nil
}

// ValidateWorkerConfig checks the settings of the worker service
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Health.Port != 0 && (c.Health.Port < MinPort || c.Health.Port > MaxPort) {
		return fmt.Errorf("invalid health port: %d (must be between %d and %d)", c.Health.Port, MinPort, MaxPort)
	}

	if c.Retention.PurgeSchedule == "" {
		return fmt.Errorf("retention purge_schedule is required")
	}

	return nil
}

func (q QueueSettings) validate() error {
	if q.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be greater than 0")
	}

	if q.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}

	if q.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be greater than 0")
	}

	if q.AttemptTimeout < 0 {
		return fmt.Errorf("attempt_timeout must not be negative")
	}

	if err := q.Backoff.Policy().Validate(); err != nil {
		return err
	}

	return nil
}
