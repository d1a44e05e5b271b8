// Package router resolves which channel type and owning process serve a (tenant,
// channel index) and enqueues jobs on that owner's queue of the channel type.
// Resolutions are cached with a TTL; changes in the configuration store become
// visible after expiry or invalidation.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/dispatch-core/internal/channelconfig"
	"github.com/cuongbtq/dispatch-core/internal/domain"
	"github.com/cuongbtq/dispatch-core/internal/queue"
)

// DefaultCacheTTL is how long a resolved channel type is trusted
const DefaultCacheTTL = 60 * time.Second

// AllChannels passed to Invalidate drops every cached channel of a tenant
const AllChannels = -1

// Enqueuer accepts jobs for one channel type
type Enqueuer interface {
	Enqueue(ctx context.Context, job *domain.Job, opts queue.EnqueueOptions) (*domain.Job, error)
}

// Config holds router configuration
type Config struct {
	Store  channelconfig.Store
	Queues map[domain.ChannelType]Enqueuer
	TTL    time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

// JobRequest is an outbound message to be routed
type JobRequest struct {
	TenantID     int64
	ChannelIndex int
	Payload      json.RawMessage
	Priority     int
	MaxAttempts  int
	Delay        time.Duration
}

type cacheKey struct {
	tenantID     int64
	channelIndex int
}

type cacheEntry struct {
	channelType domain.ChannelType
	owner       string
	resolvedAt  time.Time
}

// Router maps tenants' channels to queues
type Router struct {
	store  channelconfig.Store
	queues map[domain.ChannelType]Enqueuer
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[cacheKey]cacheEntry
	// generation advances on every invalidation; a store read started before it
	// changed is not cached
	generation uint64
}

// New creates a new router
func New(cfg *Config) *Router {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		store:  cfg.Store,
		queues: cfg.Queues,
		ttl:    ttl,
		logger: logger,
		now:    now,
		cache:  make(map[cacheKey]cacheEntry),
	}
}

// Resolve returns the channel type configured for a tenant's channel
func (r *Router) Resolve(ctx context.Context, tenantID int64, channelIndex int) (domain.ChannelType, error) {
	entry, err := r.lookup(ctx, tenantID, channelIndex)
	if err != nil {
		return "", err
	}
	return entry.channelType, nil
}

func (r *Router) lookup(ctx context.Context, tenantID int64, channelIndex int) (cacheEntry, error) {
	key := cacheKey{tenantID, channelIndex}

	r.mu.RLock()
	entry, ok := r.cache[key]
	gen := r.generation
	r.mu.RUnlock()
	if ok && r.now().Sub(entry.resolvedAt) < r.ttl {
		return entry, nil
	}

	cfg, err := r.store.Get(ctx, tenantID, channelIndex)
	if err != nil {
		return cacheEntry{}, err
	}
	entry = cacheEntry{
		channelType: cfg.ChannelType.OrDefault(),
		owner:       cfg.OwnerProcessName,
		resolvedAt:  r.now(),
	}

	r.mu.Lock()
	if r.generation == gen {
		r.cache[key] = entry
	}
	r.mu.Unlock()

	r.logger.Debug("Resolved channel",
		slog.Int64("tenant_id", tenantID),
		slog.Int("channel_index", channelIndex),
		slog.String("channel_type", string(entry.channelType)),
		slog.String("owner", entry.owner),
	)
	return entry, nil
}

// Route resolves the channel and enqueues the job on its owner's queue
func (r *Router) Route(ctx context.Context, req JobRequest) (*domain.Job, error) {
	entry, err := r.lookup(ctx, req.TenantID, req.ChannelIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve channel for tenant %d index %d: %w", req.TenantID, req.ChannelIndex, err)
	}
	channelType := entry.channelType

	q, ok := r.queues[channelType]
	if !ok {
		r.logger.Error("No queue for channel type",
			slog.Int64("tenant_id", req.TenantID),
			slog.Int("channel_index", req.ChannelIndex),
			slog.String("channel_type", string(channelType)),
		)
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedChannelType, channelType)
	}
	if entry.owner == "" {
		return nil, fmt.Errorf("%w: tenant %d index %d", domain.ErrNoOwner, req.TenantID, req.ChannelIndex)
	}

	job, err := q.Enqueue(ctx, &domain.Job{
		ChannelType:  channelType,
		TenantID:     req.TenantID,
		ChannelIndex: req.ChannelIndex,
		Payload:      req.Payload,
	}, queue.EnqueueOptions{
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		Delay:       req.Delay,
		Owner:       entry.owner,
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Job routed",
		slog.String("job_id", job.ID),
		slog.Int64("tenant_id", req.TenantID),
		slog.Int("channel_index", req.ChannelIndex),
		slog.String("channel_type", string(channelType)),
		slog.String("owner", entry.owner),
	)
	return job, nil
}

// Invalidate drops the cached resolution for a channel, or for every channel of the
// tenant when channelIndex is AllChannels
func (r *Router) Invalidate(tenantID int64, channelIndex int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++

	if channelIndex != AllChannels {
		delete(r.cache, cacheKey{tenantID, channelIndex})
		return
	}
	for k := range r.cache {
		if k.tenantID == tenantID {
			delete(r.cache, k)
		}
	}
}

// InvalidateAll empties the cache
func (r *Router) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
	r.cache = make(map[cacheKey]cacheEntry)
}

// Len returns the number of cached resolutions
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
