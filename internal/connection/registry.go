// Package connection holds the live channel handles owned by this process.
// Handles are never shared with other processes; a job reaches a handle owned
// elsewhere only by travelling through the queue.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cuongbtq/dispatch-core/internal/domain"
)

// Handle is a connected channel driver
type Handle interface {
	Send(ctx context.Context, payload json.RawMessage) error
	Close() error
}

// Key identifies a tenant's channel
type Key struct {
	TenantID     int64
	ChannelIndex int
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.TenantID, k.ChannelIndex)
}

// Registry is the process-local table of live handles
type Registry struct {
	mu      sync.RWMutex
	handles map[Key]Handle
	logger  *slog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		handles: make(map[Key]Handle),
		logger:  logger,
	}
}

// Register stores a handle, closing any handle it replaces
func (r *Registry) Register(key Key, h Handle) {
	r.mu.Lock()
	old, ok := r.handles[key]
	r.handles[key] = h
	r.mu.Unlock()

	if ok && old != h {
		if err := old.Close(); err != nil {
			r.logger.Warn("Failed to close replaced connection",
				slog.String("channel", key.String()),
				slog.Any("error", err),
			)
		}
	}
	r.logger.Info("Connection registered", slog.String("channel", key.String()))
}

// Unregister removes and closes the handle for key
func (r *Registry) Unregister(key Key) error {
	r.mu.Lock()
	h, ok := r.handles[key]
	delete(r.handles, key)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	r.logger.Info("Connection unregistered", slog.String("channel", key.String()))
	return h.Close()
}

// Get returns the handle for key, or ErrConnectionUnavailable
func (r *Registry) Get(key Key) (Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrConnectionUnavailable, key)
	}
	return h, nil
}

// Len returns the number of live handles
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Keys returns the registered keys in order
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.handles))
	for k := range r.handles {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].TenantID != keys[j].TenantID {
			return keys[i].TenantID < keys[j].TenantID
		}
		return keys[i].ChannelIndex < keys[j].ChannelIndex
	})
	return keys
}

// CloseAll closes and removes every handle
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[Key]Handle)
	r.mu.Unlock()

	var errs []error
	for key, h := range handles {
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
