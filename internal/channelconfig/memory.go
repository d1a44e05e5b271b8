package channelconfig

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cuongbtq/dispatch-core/internal/domain"
)

type key struct {
	tenantID     int64
	channelIndex int
}

// MemoryStore is an in-process Store. Put replaces the row for its (tenant, channel index).
type MemoryStore struct {
	mu    sync.RWMutex
	rows  map[key]domain.ChannelConfig
	reads atomic.Int64
}

func NewMemoryStore(cfgs ...domain.ChannelConfig) *MemoryStore {
	s := &MemoryStore{rows: make(map[key]domain.ChannelConfig)}
	for _, c := range cfgs {
		s.Put(c)
	}
	return s
}

func (s *MemoryStore) Put(cfg domain.ChannelConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[key{cfg.TenantID, cfg.ChannelIndex}] = cfg
}

func (s *MemoryStore) Delete(tenantID int64, channelIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, key{tenantID, channelIndex})
}

// Reads returns how many Get calls reached the store
func (s *MemoryStore) Reads() int64 {
	return s.reads.Load()
}

func (s *MemoryStore) Get(_ context.Context, tenantID int64, channelIndex int) (*domain.ChannelConfig, error) {
	s.reads.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.rows[key{tenantID, channelIndex}]
	if !ok {
		return nil, domain.ErrConfigNotFound
	}
	cfg.ChannelType = cfg.ChannelType.OrDefault()
	return &cfg, nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, processName string) ([]domain.ChannelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ChannelConfig
	for _, cfg := range s.rows {
		if cfg.OwnerProcessName == processName {
			cfg.ChannelType = cfg.ChannelType.OrDefault()
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].ChannelIndex < out[j].ChannelIndex
	})
	return out, nil
}
