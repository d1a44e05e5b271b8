package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/cuongbtq/dispatch-core/internal/channelconfig"
	"github.com/cuongbtq/dispatch-core/internal/domain"
)

// Dialer opens a channel driver for a configured channel
type Dialer interface {
	Dial(ctx context.Context, cfg domain.ChannelConfig) (Handle, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, cfg domain.ChannelConfig) (Handle, error)

func (f DialerFunc) Dial(ctx context.Context, cfg domain.ChannelConfig) (Handle, error) {
	return f(ctx, cfg)
}

// Bootstrap dials every channel owned by processName and registers the handles.
// Channels that fail to dial are logged and skipped; the number registered is returned.
func Bootstrap(ctx context.Context, store channelconfig.Store, dialer Dialer, registry *Registry, processName string) (int, error) {
	cfgs, err := store.ListByOwner(ctx, processName)
	if err != nil {
		return 0, fmt.Errorf("failed to list owned channels: %w", err)
	}

	registered := 0
	for _, cfg := range cfgs {
		h, err := dialer.Dial(ctx, cfg)
		if err != nil {
			registry.logger.Error("Failed to open channel connection",
				slog.Int64("tenant_id", cfg.TenantID),
				slog.Int("channel_index", cfg.ChannelIndex),
				slog.String("channel_type", string(cfg.ChannelType)),
				slog.Any("error", err),
			)
			continue
		}
		registry.Register(Key{TenantID: cfg.TenantID, ChannelIndex: cfg.ChannelIndex}, h)
		registered++
	}

	registry.logger.Info("Channel connections bootstrapped",
		slog.String("process_name", processName),
		slog.Int("owned", len(cfgs)),
		slog.Int("registered", registered),
	)
	return registered, nil
}

// LogDialer opens handles that only log what they would send. Worker processes use it
// until a real channel driver is plugged in.
type LogDialer struct {
	Logger *slog.Logger
}

func (d LogDialer) Dial(_ context.Context, cfg domain.ChannelConfig) (Handle, error) {
	return &logHandle{cfg: cfg, logger: d.Logger}, nil
}

type logHandle struct {
	cfg    domain.ChannelConfig
	logger *slog.Logger
	closed atomic.Bool
	sent   atomic.Int64
}

func (h *logHandle) Send(ctx context.Context, payload json.RawMessage) error {
	if h.closed.Load() {
		return fmt.Errorf("%w: %d/%d closed", domain.ErrConnectionUnavailable, h.cfg.TenantID, h.cfg.ChannelIndex)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n := h.sent.Add(1)
	h.logger.Info("Message sent",
		slog.Int64("tenant_id", h.cfg.TenantID),
		slog.Int("channel_index", h.cfg.ChannelIndex),
		slog.String("channel_type", string(h.cfg.ChannelType)),
		slog.Int("payload_size", len(payload)),
		slog.Int64("sent_total", n),
	)
	return nil
}

func (h *logHandle) Close() error {
	h.closed.Store(true)
	return nil
}
