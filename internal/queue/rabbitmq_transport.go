package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/dispatch-core/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitTransportConfig holds naming for the job exchange and queues
type RabbitTransportConfig struct {
	// Exchange is the durable direct exchange jobs are routed through
	Exchange string
	// QueuePrefix is prepended to channel-type queue names
	QueuePrefix string
}

// RabbitTransport carries job ids over RabbitMQ. Each queue is declared with
// x-max-priority; delayed messages wait in bucketed TTL queues that dead-letter
// back into the main queue.
type RabbitTransport struct {
	client   *rabbitmq.Client
	exchange string
	prefix   string
	logger   *slog.Logger

	mu         sync.Mutex
	generation uint64
	declared   map[string]bool
}

// NewRabbitTransport creates a new RabbitTransport instance
func NewRabbitTransport(client *rabbitmq.Client, cfg RabbitTransportConfig, logger *slog.Logger) *RabbitTransport {
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "dispatch.jobs"
	}
	return &RabbitTransport{
		client:   client,
		exchange: exchange,
		prefix:   cfg.QueuePrefix,
		logger:   logger,
		declared: make(map[string]bool),
	}
}

type jobMessage struct {
	JobID string `json:"job_id"`
}

func (t *RabbitTransport) queueName(name string) string {
	return t.prefix + name
}

// ensure runs declare once per connection generation
func (t *RabbitTransport) ensure(key string, declare func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen := t.client.Generation(); gen != t.generation {
		t.generation = gen
		t.declared = make(map[string]bool)
	}
	if t.declared[key] {
		return nil
	}
	if err := declare(); err != nil {
		return err
	}
	t.declared[key] = true
	return nil
}

func (t *RabbitTransport) ensureQueue(name string) error {
	return t.ensure("queue:"+name, func() error {
		if err := t.client.DeclareExchange(t.exchange, amqp.ExchangeDirect, true, false); err != nil {
			return err
		}
		qn := t.queueName(name)
		if _, err := t.client.DeclareQueue(qn, rabbitmq.QueueOptions{
			Durable: true,
			Args:    jobQueueArgs(),
		}); err != nil {
			return err
		}
		return t.client.BindQueue(qn, name, t.exchange)
	})
}

func (t *RabbitTransport) ensureDelayQueue(name string, delay time.Duration) (string, error) {
	bucket := delayBucket(delay)
	qn := delayQueueName(t.queueName(name), bucket)

	err := t.ensure("delay:"+qn, func() error {
		_, err := t.client.DeclareQueue(qn, rabbitmq.QueueOptions{
			Durable: true,
			Args:    delayQueueArgs(t.exchange, name, bucket),
		})
		return err
	})
	return qn, err
}

const (
	minDelayBucket = 250 * time.Millisecond
	maxDelayBucket = minDelayBucket << 21
)

// delayBucket rounds a delay down to minDelayBucket times a power of two, so a route
// needs at most 22 delay queues. Messages arriving before their job's run time are
// postponed again by the consumer for the remainder.
func delayBucket(delay time.Duration) time.Duration {
	if delay <= minDelayBucket {
		return minDelayBucket
	}
	if delay >= maxDelayBucket {
		return maxDelayBucket
	}
	b := minDelayBucket
	for b*2 <= delay {
		b *= 2
	}
	return b
}

func delayQueueName(queue string, bucket time.Duration) string {
	return fmt.Sprintf("%s.delay.%d", queue, bucket.Milliseconds())
}

func jobQueueArgs() amqp.Table {
	return amqp.Table{"x-max-priority": int32(MaxPriority + 1)}
}

// delayQueueArgs dead-letters expired messages into the job queue. There is no
// x-expires: a delay queue has no consumers, so its lease would lapse while in use.
func delayQueueArgs(exchange, routingKey string, ttl time.Duration) amqp.Table {
	return amqp.Table{
		"x-message-ttl":             ttl.Milliseconds(),
		"x-dead-letter-exchange":    exchange,
		"x-dead-letter-routing-key": routingKey,
	}
}

// Publish routes a job id to its queue, directly or through a delay queue
func (t *RabbitTransport) Publish(ctx context.Context, queueName, jobID string, priority int, delay time.Duration) error {
	if err := t.ensureQueue(queueName); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	body, err := json.Marshal(jobMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Priority:     uint8(clampPriority(priority)),
		MessageId:    jobID,
	}

	if delay > 0 {
		delayQueue, err := t.ensureDelayQueue(queueName, delay)
		if err != nil {
			return fmt.Errorf("failed to declare delay queue: %w", err)
		}
		// default exchange routes by queue name
		return t.client.PublishWithRetry(ctx, "", delayQueue, msg)
	}

	return t.client.PublishWithRetry(ctx, t.exchange, queueName, msg)
}

// Consume starts consuming a queue with manual acknowledgement
func (t *RabbitTransport) Consume(ctx context.Context, queueName, consumerTag string, prefetch int) (<-chan Message, error) {
	if err := t.client.Reconnect(); err != nil {
		return nil, err
	}
	if err := t.ensureQueue(queueName); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	deliveries, err := t.client.Consume(t.queueName(queueName), consumerTag, prefetch, false)
	if err != nil {
		return nil, err
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					t.logger.Warn("RabbitMQ delivery channel closed",
						slog.String("queue", queueName),
					)
					return
				}

				var body jobMessage
				if err := json.Unmarshal(delivery.Body, &body); err != nil || body.JobID == "" {
					t.logger.Error("Failed to parse job message",
						slog.String("queue", queueName),
						slog.String("body", string(delivery.Body)),
					)
					// malformed messages are dropped, never requeued
					if nackErr := delivery.Nack(false, false); nackErr != nil {
						t.logger.Error("Failed to NACK malformed message",
							slog.Any("error", nackErr),
						)
					}
					continue
				}

				msg := &rabbitMessage{delivery: delivery, jobID: body.JobID}
				select {
				case out <- msg:
				case <-ctx.Done():
					_ = delivery.Nack(false, true)
					return
				}
			}
		}
	}()

	return out, nil
}

type rabbitMessage struct {
	delivery amqp.Delivery
	jobID    string
}

func (m *rabbitMessage) JobID() string     { return m.jobID }
func (m *rabbitMessage) Redelivered() bool { return m.delivery.Redelivered }
func (m *rabbitMessage) Ack() error        { return m.delivery.Ack(false) }
func (m *rabbitMessage) Nack(requeue bool) error {
	return m.delivery.Nack(false, requeue)
}
