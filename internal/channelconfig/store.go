// Package channelconfig holds the durable (tenant, channel index) -> channel type mapping.
// Rows are written by administrative tooling outside the dispatch core; this package only reads them,
// apart from the in-memory store used by tests and single-process setups.
package channelconfig

import (
	"context"

	"github.com/cuongbtq/dispatch-core/internal/domain"
)

// Store reads channel configuration rows
type Store interface {
	// Get returns the config for (tenantID, channelIndex) or domain.ErrConfigNotFound
	Get(ctx context.Context, tenantID int64, channelIndex int) (*domain.ChannelConfig, error)
	// ListByOwner returns every config whose connection is owned by processName
	ListByOwner(ctx context.Context, processName string) ([]domain.ChannelConfig, error)
}
