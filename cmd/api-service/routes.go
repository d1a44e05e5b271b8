package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/cuongbtq/dispatch-core/internal/coordinator"
	"github.com/cuongbtq/dispatch-core/internal/router"
)

// routeInvalidateMessage is the process:message type carrying route evictions
const routeInvalidateMessage = "route:invalidate"

type routeInvalidation struct {
	TenantID     int64 `json:"tenantId"`
	ChannelIndex int   `json:"channelIndex"`
	All          bool  `json:"all,omitempty"`
}

// broadcastRouter evicts routes locally and tells every peer API process to do the same
type broadcastRouter struct {
	*router.Router
	ctx    context.Context
	coord  *coordinator.Coordinator
	logger *slog.Logger
}

func newBroadcastRouter(ctx context.Context, r *router.Router, coord *coordinator.Coordinator, logger *slog.Logger) *broadcastRouter {
	return &broadcastRouter{Router: r, ctx: ctx, coord: coord, logger: logger}
}

func (b *broadcastRouter) Invalidate(tenantID int64, channelIndex int) {
	b.Router.Invalidate(tenantID, channelIndex)
	b.broadcast(routeInvalidation{TenantID: tenantID, ChannelIndex: channelIndex})
}

func (b *broadcastRouter) InvalidateAll() {
	b.Router.InvalidateAll()
	b.broadcast(routeInvalidation{All: true})
}

func (b *broadcastRouter) broadcast(inv routeInvalidation) {
	// Publish failures are logged by the coordinator; peers fall back to the cache TTL
	_ = b.coord.SendMessage(b.ctx, "", routeInvalidateMessage, inv)
}

func (b *broadcastRouter) handleMessage(msg coordinator.Message) {
	var dm coordinator.DirectMessage
	if err := msg.Decode(&dm); err != nil || dm.Type != routeInvalidateMessage {
		return
	}

	var inv routeInvalidation
	if err := json.Unmarshal(dm.Data, &inv); err != nil {
		b.logger.Warn("Malformed route invalidation",
			slog.String("from", msg.ProcessName),
			slog.Any("error", err),
		)
		return
	}

	if inv.All {
		b.Router.InvalidateAll()
	} else {
		b.Router.Invalidate(inv.TenantID, inv.ChannelIndex)
	}
	b.logger.Debug("Applied peer route invalidation",
		slog.String("from", msg.ProcessName),
		slog.Int64("tenant_id", inv.TenantID),
		slog.Int("channel_index", inv.ChannelIndex),
		slog.Bool("all", inv.All),
	)
}
