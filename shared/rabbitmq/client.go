package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned by operations attempted while the connection is down
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// QueueOptions describes a queue declaration
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table
}

// Client represents a RabbitMQ client. Declarations and publishes share one channel;
// every consumer gets a dedicated channel so QoS stays per consumer.
type Client struct {
	config *Config
	logger *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	channel     *amqp.Channel
	isConnected bool
	generation  uint64

	pubMu sync.Mutex
}

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger,
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

func (c *Client) dsn() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		if err = c.dial(); err == nil {
			return nil
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
}

// dial makes a single connection attempt and replaces any previous connection
func (c *Client) dial() error {
	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	conn, err := amqp.DialConfig(c.dsn(), amqpConfig)
	if err != nil {
		return err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = channel
	c.isConnected = true
	c.generation++
	c.mu.Unlock()

	// Monitor connection and the shared channel
	closeChan := conn.NotifyClose(make(chan *amqp.Error, 1))
	go c.watch(conn, closeChan)
	c.watchChannel(channel)

	c.logger.Info("Successfully connected to RabbitMQ",
		slog.String("host", c.config.Host),
		slog.Int("port", c.config.Port),
	)
	return nil
}

func (c *Client) watch(conn *amqp.Connection, closeChan <-chan *amqp.Error) {
	amqpErr, ok := <-closeChan

	c.mu.Lock()
	if c.conn == conn {
		c.isConnected = false
	}
	c.mu.Unlock()

	if ok && amqpErr != nil {
		c.logger.Warn("RabbitMQ connection lost",
			slog.String("reason", amqpErr.Reason),
			slog.Int("code", amqpErr.Code),
		)
	}
}

func (c *Client) watchChannel(channel *amqp.Channel) {
	closeChan := channel.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		amqpErr := <-closeChan
		c.channelClosed(channel, amqpErr)
	}()
}

// channelClosed replaces the shared channel after the server closed it, for example
// on a declaration mismatch. When no new channel can be opened the client is marked
// disconnected so the next Reconnect dials again.
func (c *Client) channelClosed(channel *amqp.Channel, amqpErr *amqp.Error) {
	c.mu.Lock()
	if c.channel != channel || !c.isConnected {
		c.mu.Unlock()
		return
	}
	c.channel = nil
	conn := c.conn
	c.mu.Unlock()

	if amqpErr != nil {
		c.logger.Warn("RabbitMQ channel closed",
			slog.String("reason", amqpErr.Reason),
			slog.Int("code", amqpErr.Code),
		)
	}

	if conn != nil && !conn.IsClosed() {
		next, err := conn.Channel()
		if err == nil {
			c.mu.Lock()
			if c.conn == conn && c.channel == nil {
				c.channel = next
				c.generation++
				c.mu.Unlock()
				c.watchChannel(next)
				c.logger.Info("RabbitMQ channel reopened")
				return
			}
			c.mu.Unlock()
			_ = next.Close()
			return
		}
		c.logger.Error("Failed to reopen RabbitMQ channel", slog.Any("error", err))
	}

	c.mu.Lock()
	if c.conn == conn && c.channel == nil {
		c.isConnected = false
	}
	c.mu.Unlock()
}

// Reconnect makes one dial attempt if the connection is down
func (c *Client) Reconnect() error {
	if c.IsConnected() {
		return nil
	}

	c.mu.Lock()
	old := c.conn
	c.mu.Unlock()
	if old != nil && !old.IsClosed() {
		_ = old.Close()
	}

	if err := c.dial(); err != nil {
		return fmt.Errorf("failed to reconnect to RabbitMQ: %w", err)
	}
	return nil
}

// Generation increments on every successful (re)connect; declarations must be repeated when it changes
func (c *Client) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

func (c *Client) getChannel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.isConnected || c.channel == nil {
		return nil, ErrNotConnected
	}
	return c.channel, nil
}

// DeclareExchange declares an exchange
func (c *Client) DeclareExchange(name, kind string, durable, autoDelete bool) error {
	channel, err := c.getChannel()
	if err != nil {
		return err
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	err = channel.ExchangeDeclare(
		name,       // name
		kind,       // type
		durable,    // durable
		autoDelete, // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	return nil
}

// DeclareQueue declares a queue and returns its name, which the server picks when name is empty
func (c *Client) DeclareQueue(name string, opts QueueOptions) (string, error) {
	channel, err := c.getChannel()
	if err != nil {
		return "", err
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	q, err := channel.QueueDeclare(
		name,            // name
		opts.Durable,    // durable
		opts.AutoDelete, // auto-delete
		opts.Exclusive,  // exclusive
		false,           // no-wait
		opts.Args,       // arguments
	)
	if err != nil {
		return "", fmt.Errorf("failed to declare queue: %w", err)
	}
	return q.Name, nil
}

// BindQueue binds a queue to an exchange
func (c *Client) BindQueue(queueName, routingKey, exchange string) error {
	channel, err := c.getChannel()
	if err != nil {
		return err
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	err = channel.QueueBind(
		queueName,  // queue name
		routingKey, // routing key
		exchange,   // exchange
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// Publish publishes a message to RabbitMQ
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	channel, err := c.getChannel()
	if err != nil {
		return err
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	c.pubMu.Lock()
	err = channel.PublishWithContext(
		ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		msg,
	)
	c.pubMu.Unlock()

	if err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ",
			slog.String("exchange", exchange),
			slog.String("routing_key", routingKey),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("exchange", exchange),
		slog.String("routing_key", routingKey),
		slog.Int("body_size", len(msg.Body)),
	)

	return nil
}

// PublishWithRetry publishes a message to RabbitMQ with retry logic and exponential backoff
func (c *Client) PublishWithRetry(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3 // default
	}

	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond // default
	}

	backoffMult := c.config.PublishBackoffMult
	if backoffMult <= 0 {
		backoffMult = 2.0 // default
	}

	var lastErr error
	backoffDelay := baseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := c.Publish(ctx, exchange, routingKey, msg)
		if err == nil {
			if attempt > 0 {
				c.logger.Info("Successfully published message to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
					slog.Int("body_size", len(msg.Body)),
				)
			}
			return nil
		}

		lastErr = err

		if attempt < maxRetries {
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", backoffDelay),
				slog.Any("error", err),
			)

			select {
			case <-time.After(backoffDelay):
			case <-ctx.Done():
				return fmt.Errorf("publish canceled: %w", ctx.Err())
			}

			if errors.Is(err, ErrNotConnected) {
				_ = c.Reconnect()
			}
			backoffDelay = time.Duration(float64(backoffDelay) * backoffMult)
		}
	}

	c.logger.Error("Failed to publish message to RabbitMQ after all retries",
		slog.Int("attempts", maxRetries+1),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

// Consume opens a dedicated channel with the given prefetch and starts consuming
// with manual acknowledgement
func (c *Client) Consume(queueName, consumerTag string, prefetch int, exclusive bool) (<-chan amqp.Delivery, error) {
	c.mu.RLock()
	conn := c.conn
	connected := c.isConnected
	c.mu.RUnlock()
	if !connected || conn == nil {
		return nil, ErrNotConnected
	}

	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}

	// prefetch_size 0 means no byte limit; global false means per-consumer
	if prefetch > 0 {
		if err := channel.Qos(prefetch, 0, false); err != nil {
			channel.Close()
			return nil, fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	messages, err := channel.Consume(
		queueName,   // queue
		consumerTag, // consumer tag
		false,       // auto-ack
		exclusive,   // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", queueName),
		slog.String("consumer_tag", consumerTag),
		slog.Int("prefetch_count", prefetch),
	)

	return messages, nil
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.mu.Lock()
	c.isConnected = false
	channel := c.channel
	conn := c.conn
	c.mu.Unlock()

	if channel != nil {
		if err := channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}
