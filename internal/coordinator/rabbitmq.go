package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/dispatch-core/internal/domain"
	"github.com/cuongbtq/dispatch-core/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange carrying coordination channels
const DefaultExchange = "dispatch.coordination"

// RabbitBroker publishes coordination messages on a topic exchange. Every subscriber
// gets its own exclusive, auto-deleted queue, so messages published while a process
// is disconnected never reach it.
type RabbitBroker struct {
	client   *rabbitmq.Client
	exchange string
	logger   *slog.Logger
}

// NewRabbitBroker creates a broker on top of an existing client
func NewRabbitBroker(client *rabbitmq.Client, exchange string, logger *slog.Logger) *RabbitBroker {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &RabbitBroker{client: client, exchange: exchange, logger: logger}
}

func (b *RabbitBroker) Connect(_ context.Context) error {
	if err := b.client.Reconnect(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
	if err := b.client.DeclareExchange(b.exchange, amqp.ExchangeTopic, true, false); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

func (b *RabbitBroker) Publish(ctx context.Context, channel string, body []byte) error {
	if !b.client.IsConnected() {
		return domain.ErrBrokerUnavailable
	}
	err := b.client.Publish(ctx, b.exchange, channel, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

func (b *RabbitBroker) Subscribe(ctx context.Context, channels []string) (<-chan Delivery, error) {
	queueName, err := b.client.DeclareQueue("", rabbitmq.QueueOptions{
		Exclusive:  true,
		AutoDelete: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}

	for _, channel := range channels {
		if err := b.client.BindQueue(queueName, channel, b.exchange); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
		}
	}

	deliveries, err := b.client.Consume(queueName, "", 0, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}

	out := make(chan Delivery, memoryBufferSize)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					b.logger.Warn("Coordination subscription closed",
						slog.String("queue", queueName),
					)
					return
				}
				if err := d.Ack(false); err != nil {
					b.logger.Debug("Failed to ACK coordination message", slog.Any("error", err))
				}
				select {
				case out <- Delivery{Channel: d.RoutingKey, Body: d.Body}:
				default:
					b.logger.Warn("Coordination subscriber is behind, dropping message",
						slog.String("channel", d.RoutingKey),
					)
				}
			}
		}
	}()

	return out, nil
}

// Close leaves the shared client open; its owner closes it
func (b *RabbitBroker) Close() error {
	return nil
}
