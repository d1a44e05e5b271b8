package coordinator

import "context"

// Delivery is one message received from the broker
type Delivery struct {
	Channel string
	Body    []byte
}

// Broker is a best-effort publish/subscribe transport. The channel returned by
// Subscribe is closed when the connection is lost.
type Broker interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, channel string, body []byte) error
	Subscribe(ctx context.Context, channels []string) (<-chan Delivery, error)
	Close() error
}
