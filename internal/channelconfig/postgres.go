package channelconfig

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/dispatch-core/internal/domain"
	"github.com/jmoiron/sqlx"
)

// PostgresStore reads channel configs from the channel_configs table
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore instance
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// Get retrieves the config for one (tenant, channel index)
func (s *PostgresStore) Get(ctx context.Context, tenantID int64, channelIndex int) (*domain.ChannelConfig, error) {
	query := `
		SELECT tenant_id, channel_index,
		       COALESCE(channel_type, '') AS channel_type,
		       COALESCE(owner_process_name, '') AS owner_process_name
		FROM channel_configs
		WHERE tenant_id = $1 AND channel_index = $2
	`

	var cfg domain.ChannelConfig
	if err := s.db.GetContext(ctx, &cfg, query, tenantID, channelIndex); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to get channel config: %w", err)
	}

	cfg.ChannelType = cfg.ChannelType.OrDefault()
	return &cfg, nil
}

// ListByOwner retrieves every config owned by the given process
func (s *PostgresStore) ListByOwner(ctx context.Context, processName string) ([]domain.ChannelConfig, error) {
	query := `
		SELECT tenant_id, channel_index,
		       COALESCE(channel_type, '') AS channel_type,
		       COALESCE(owner_process_name, '') AS owner_process_name
		FROM channel_configs
		WHERE owner_process_name = $1
		ORDER BY tenant_id, channel_index
	`

	var cfgs []domain.ChannelConfig
	if err := s.db.SelectContext(ctx, &cfgs, query, processName); err != nil {
		return nil, fmt.Errorf("failed to list channel configs: %w", err)
	}

	for i := range cfgs {
		cfgs[i].ChannelType = cfgs[i].ChannelType.OrDefault()
	}

	s.logger.Debug("Loaded owned channel configs",
		slog.String("process_name", processName),
		slog.Int("count", len(cfgs)),
	)

	return cfgs, nil
}
