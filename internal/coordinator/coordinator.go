// Package coordinator is the inter-process notification bus. Processes broadcast
// status, heartbeats, channel lifecycle events, generic messages and shutdown
// notices; delivery is best effort and nothing here is a source of job state.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/dispatch-core/internal/domain"
)

// Coordination channel names
const (
	ChannelStatus    = "process:status"
	ChannelHeartbeat = "process:heartbeat"
	ChannelBotEvent  = "bot:event"
	ChannelMessage   = "process:message"
	ChannelShutdown  = "process:shutdown"
)

// Channels lists every channel a coordinator subscribes to
var Channels = []string{ChannelStatus, ChannelHeartbeat, ChannelBotEvent, ChannelMessage, ChannelShutdown}

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultReconnectDelay    = 5 * time.Second
)

// Message is the envelope of every coordination message. Timestamp is epoch milliseconds.
type Message struct {
	ProcessName string          `json:"processName"`
	ProcessID   int             `json:"processId"`
	Channel     string          `json:"channel"`
	Timestamp   int64           `json:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(m.Payload, v)
}

// StatusPayload is carried on process:status
type StatusPayload struct {
	Status  domain.ProcessStatus `json:"status"`
	Message string               `json:"message,omitempty"`
}

// HeartbeatPayload is carried on process:heartbeat
type HeartbeatPayload struct {
	UptimeSeconds     int64 `json:"uptime"`
	ActiveConnections int   `json:"activeConnections"`
}

// BotEvent is carried on bot:event
type BotEvent struct {
	Event        string `json:"event"`
	TenantID     int64  `json:"tenantId"`
	ChannelIndex int    `json:"channelIndex"`
	JobID        string `json:"jobId,omitempty"`
	Status       string `json:"status,omitempty"`
	Error        string `json:"error,omitempty"`
}

// DirectMessage is carried on process:message. An empty Target addresses every process.
type DirectMessage struct {
	Target string          `json:"target,omitempty"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ShutdownPayload is carried on process:shutdown
type ShutdownPayload struct {
	Reason string `json:"reason,omitempty"`
}

// Handler receives messages from other processes
type Handler func(msg Message)

// Config holds coordinator configuration
type Config struct {
	Broker            Broker
	ProcessName       string
	ProcessID         int
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	// ActiveConnections reports the connection count sent with heartbeats
	ActiveConnections func() int
	Logger            *slog.Logger
	Now               func() time.Time
}

// Coordinator publishes this process's notifications and dispatches peers' messages
// to local handlers. Messages this process published are never handed to its own handlers.
type Coordinator struct {
	broker            Broker
	processName       string
	processID         int
	heartbeatInterval time.Duration
	reconnectDelay    time.Duration
	activeConnections func() int
	logger            *slog.Logger
	now               func() time.Time
	startedAt         time.Time

	mu       sync.RWMutex
	handlers map[string][]Handler

	subscription atomic.Uint64
	subMu        sync.Mutex
	subCancel    context.CancelFunc
	reconnecting atomic.Bool
	runCtx       context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New creates a coordinator; call Initialize to connect
func New(cfg *Config) *Coordinator {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		broker:            cfg.Broker,
		processName:       cfg.ProcessName,
		processID:         cfg.ProcessID,
		heartbeatInterval: interval,
		reconnectDelay:    reconnectDelay,
		activeConnections: cfg.ActiveConnections,
		logger:            logger.With(slog.String("component", "coordinator")),
		now:               now,
		startedAt:         now(),
		handlers:          make(map[string][]Handler),
		runCtx:            context.Background(),
	}
}

// Initialize connects to the broker, subscribes to every coordination channel and
// starts the heartbeat loop. A broker that is down is retried in the background.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.runCtx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := c.connect(c.runCtx); err != nil {
		c.logger.Warn("Broker unavailable at startup, will retry",
			slog.Duration("retry_after", c.reconnectDelay),
			slog.Any("error", err),
		)
		c.startReconnect()
	}

	_ = c.PublishStatus(ctx, domain.ProcessStatusHealthy, "started")

	c.wg.Add(1)
	go c.heartbeatLoop(c.runCtx)

	c.logger.Info("Coordinator initialized",
		slog.String("process_name", c.processName),
		slog.Int("process_id", c.processID),
		slog.Duration("heartbeat_interval", c.heartbeatInterval),
	)
	return nil
}

func (c *Coordinator) connect(ctx context.Context) error {
	if err := c.broker.Connect(ctx); err != nil {
		return err
	}

	subCtx, subCancel := context.WithCancel(ctx)
	deliveries, err := c.broker.Subscribe(subCtx, Channels)
	if err != nil {
		subCancel()
		return err
	}

	// a single live subscription per process
	c.subMu.Lock()
	if c.subCancel != nil {
		c.subCancel()
	}
	c.subCancel = subCancel
	sub := c.subscription.Add(1)
	c.subMu.Unlock()

	c.wg.Add(1)
	go c.receiveLoop(ctx, sub, deliveries)
	return nil
}

func (c *Coordinator) receiveLoop(ctx context.Context, sub uint64, deliveries <-chan Delivery) {
	defer c.wg.Done()
	for d := range deliveries {
		c.dispatch(d)
	}

	if ctx.Err() == nil && c.subscription.Load() == sub {
		c.logger.Warn("Coordination subscription lost, reconnecting",
			slog.Duration("retry_after", c.reconnectDelay),
		)
		c.startReconnect()
	}
}

// startReconnect runs at most one reconnect loop at a time
func (c *Coordinator) startReconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.reconnecting.Store(false)

		for attempt := 1; ; attempt++ {
			select {
			case <-c.runCtx.Done():
				return
			case <-time.After(c.reconnectDelay):
			}

			if err := c.connect(c.runCtx); err != nil {
				c.logger.Warn("Broker reconnect failed",
					slog.Int("attempt", attempt),
					slog.Any("error", err),
				)
				continue
			}
			c.logger.Info("Broker reconnected", slog.Int("attempt", attempt))
			return
		}
	}()
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	_ = c.PublishHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.PublishHeartbeat(ctx)
		}
	}
}

func (c *Coordinator) dispatch(d Delivery) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.logger.Debug("Dropping malformed coordination message",
			slog.String("channel", d.Channel),
			slog.Any("error", err),
		)
		return
	}
	if msg.Channel == "" {
		msg.Channel = d.Channel
	}

	if msg.ProcessName == c.processName && msg.ProcessID == c.processID {
		return
	}

	if msg.Channel == ChannelMessage {
		var dm DirectMessage
		if err := msg.Decode(&dm); err == nil && dm.Target != "" && dm.Target != c.processName {
			return
		}
	}

	c.mu.RLock()
	handlers := append([]Handler(nil), c.handlers[msg.Channel]...)
	c.mu.RUnlock()

	for _, h := range handlers {
		c.invoke(h, msg)
	}
}

func (c *Coordinator) invoke(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Coordination handler panicked",
				slog.String("channel", msg.Channel),
				slog.Any("panic", r),
			)
		}
	}()
	h(msg)
}

func (c *Coordinator) publish(ctx context.Context, channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", channel, err)
	}
	body, err := json.Marshal(Message{
		ProcessName: c.processName,
		ProcessID:   c.processID,
		Channel:     channel,
		Timestamp:   c.now().UnixMilli(),
		Payload:     raw,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := c.broker.Publish(ctx, channel, body); err != nil {
		c.logger.Warn("Failed to publish coordination message",
			slog.String("channel", channel),
			slog.Any("error", err),
		)
		if errors.Is(err, domain.ErrBrokerUnavailable) && c.runCtx.Err() == nil && c.cancel != nil {
			c.startReconnect()
		}
		return err
	}
	return nil
}

// PublishStatus broadcasts this process's status
func (c *Coordinator) PublishStatus(ctx context.Context, status domain.ProcessStatus, message string) error {
	return c.publish(ctx, ChannelStatus, StatusPayload{Status: status, Message: message})
}

// PublishHeartbeat broadcasts a liveness signal
func (c *Coordinator) PublishHeartbeat(ctx context.Context) error {
	hb := HeartbeatPayload{UptimeSeconds: int64(c.now().Sub(c.startedAt).Seconds())}
	if c.activeConnections != nil {
		hb.ActiveConnections = c.activeConnections()
	}
	return c.publish(ctx, ChannelHeartbeat, hb)
}

// PublishBotEvent broadcasts a channel or job lifecycle event
func (c *Coordinator) PublishBotEvent(ctx context.Context, event BotEvent) error {
	return c.publish(ctx, ChannelBotEvent, event)
}

// SendMessage sends a generic message to target, or to every process when target is empty
func (c *Coordinator) SendMessage(ctx context.Context, target, msgType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message data: %w", err)
	}
	return c.publish(ctx, ChannelMessage, DirectMessage{Target: target, Type: msgType, Data: raw})
}

// PublishShutdown announces that this process is leaving
func (c *Coordinator) PublishShutdown(ctx context.Context, reason string) error {
	return c.publish(ctx, ChannelShutdown, ShutdownPayload{Reason: reason})
}

func (c *Coordinator) on(channel string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[channel] = append(c.handlers[channel], h)
}

func (c *Coordinator) OnStatus(h Handler)    { c.on(ChannelStatus, h) }
func (c *Coordinator) OnHeartbeat(h Handler) { c.on(ChannelHeartbeat, h) }
func (c *Coordinator) OnBotEvent(h Handler)  { c.on(ChannelBotEvent, h) }
func (c *Coordinator) OnMessage(h Handler)   { c.on(ChannelMessage, h) }
func (c *Coordinator) OnShutdown(h Handler)  { c.on(ChannelShutdown, h) }

// Shutdown publishes a stopped status and a shutdown notice, then stops background
// loops and closes the broker
func (c *Coordinator) Shutdown(ctx context.Context, reason string) error {
	var err error
	c.shutdownOnce.Do(func() {
		c.logger.Info("Coordinator shutting down", slog.String("reason", reason))

		_ = c.PublishStatus(ctx, domain.ProcessStatusStopped, reason)
		_ = c.PublishShutdown(ctx, reason)

		if c.cancel != nil {
			c.cancel()
		}
		err = c.broker.Close()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			c.logger.Warn("Coordinator shutdown timed out")
		}
	})
	return err
}
