package rabbitmq

import (
	"io"
	"log/slog"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func newTestClient(channel *amqp.Channel) *Client {
	return &Client{
		config:      &Config{},
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		channel:     channel,
		isConnected: true,
	}
}

func TestClient_ChannelCloseMarksDisconnected(t *testing.T) {
	channel := &amqp.Channel{}
	c := newTestClient(channel)

	c.channelClosed(channel, &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'x-max-priority'"})

	_, err := c.getChannel()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, c.IsConnected())

	c.mu.RLock()
	defer c.mu.RUnlock()
	assert.False(t, c.isConnected, "the next Reconnect dials again")
}

func TestClient_StaleChannelCloseIsIgnored(t *testing.T) {
	current := &amqp.Channel{}
	c := newTestClient(current)

	c.channelClosed(&amqp.Channel{}, &amqp.Error{Code: amqp.ChannelError, Reason: "old channel"})

	got, err := c.getChannel()
	assert.NoError(t, err)
	assert.Same(t, current, got)
}

func TestClient_CloseDoesNotReopen(t *testing.T) {
	channel := &amqp.Channel{}
	c := newTestClient(channel)
	c.isConnected = false

	c.channelClosed(channel, nil)

	c.mu.RLock()
	defer c.mu.RUnlock()
	assert.Same(t, channel, c.channel)
}
