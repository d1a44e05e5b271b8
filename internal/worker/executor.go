package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuongbtq/dispatch-core/internal/connection"
	"github.com/cuongbtq/dispatch-core/internal/domain"
)

// Executor performs one delivery attempt of a job
type Executor interface {
	Execute(ctx context.Context, job *domain.Job) error
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, job *domain.Job) error

func (f ExecutorFunc) Execute(ctx context.Context, job *domain.Job) error {
	return f(ctx, job)
}

// DeliveryExecutor sends job payloads through the handles of this process's registry.
// A missing or closed handle yields domain.ErrConnectionUnavailable, which workers
// treat as "not now" rather than as a failed attempt.
type DeliveryExecutor struct {
	registry *connection.Registry
}

// NewDeliveryExecutor creates an executor backed by registry
func NewDeliveryExecutor(registry *connection.Registry) *DeliveryExecutor {
	return &DeliveryExecutor{registry: registry}
}

func (e *DeliveryExecutor) Execute(ctx context.Context, job *domain.Job) error {
	key := connection.Key{TenantID: job.TenantID, ChannelIndex: job.ChannelIndex}
	h, err := e.registry.Get(key)
	if err != nil {
		return err
	}

	if err := h.Send(ctx, job.Payload); err != nil {
		if errors.Is(err, domain.ErrConnectionUnavailable) {
			// a dead handle stays out of the active connection count
			if closeErr := e.registry.Unregister(key); closeErr != nil {
				return errors.Join(err, closeErr)
			}
			return err
		}
		var perm *domain.PermanentDeliveryError
		var transient *domain.TransientDeliveryError
		if errors.As(err, &perm) || errors.As(err, &transient) {
			return err
		}
		return domain.NewTransientError(fmt.Errorf("send failed: %w", err))
	}
	return nil
}
