package coordinator

import (
	"context"
	"sync"

	"github.com/cuongbtq/dispatch-core/internal/domain"
)

const memoryBufferSize = 256

// Hub is an in-process message bus shared by MemoryBrokers. Disconnect and Restore
// simulate a broker outage.
type Hub struct {
	mu      sync.Mutex
	down    bool
	brokers map[*MemoryBroker]struct{}
}

func NewHub() *Hub {
	return &Hub{brokers: make(map[*MemoryBroker]struct{})}
}

// Broker returns a new broker attached to the hub
func (h *Hub) Broker() *MemoryBroker {
	return &MemoryBroker{hub: h}
}

// Disconnect drops every connection and refuses new ones until Restore
func (h *Hub) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down = true
	for b := range h.brokers {
		b.dropLocked()
	}
	h.brokers = make(map[*MemoryBroker]struct{})
}

// Restore accepts connections again
func (h *Hub) Restore() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down = false
}

// MemoryBroker is a Broker backed by a Hub
type MemoryBroker struct {
	hub *Hub

	// guarded by hub.mu
	connected bool
	channels  map[string]bool
	out       chan Delivery
}

func (b *MemoryBroker) Connect(_ context.Context) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	if b.hub.down {
		return domain.ErrBrokerUnavailable
	}
	b.connected = true
	b.hub.brokers[b] = struct{}{}
	return nil
}

func (b *MemoryBroker) Publish(_ context.Context, channel string, body []byte) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	if b.hub.down || !b.connected {
		return domain.ErrBrokerUnavailable
	}

	for peer := range b.hub.brokers {
		if peer.out == nil || !peer.channels[channel] {
			continue
		}
		select {
		case peer.out <- Delivery{Channel: channel, Body: append([]byte(nil), body...)}:
		default:
			// slow subscriber, drop
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, channels []string) (<-chan Delivery, error) {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	if b.hub.down || !b.connected {
		return nil, domain.ErrBrokerUnavailable
	}

	if b.out != nil {
		close(b.out)
	}
	b.channels = make(map[string]bool, len(channels))
	for _, ch := range channels {
		b.channels[ch] = true
	}
	b.out = make(chan Delivery, memoryBufferSize)
	return b.out, nil
}

func (b *MemoryBroker) Close() error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	b.dropLocked()
	delete(b.hub.brokers, b)
	return nil
}

func (b *MemoryBroker) dropLocked() {
	b.connected = false
	if b.out != nil {
		close(b.out)
		b.out = nil
	}
	b.channels = nil
}
