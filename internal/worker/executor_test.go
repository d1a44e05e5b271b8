package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/cuongbtq/dispatch-core/internal/connection"
	"github.com/cuongbtq/dispatch-core/internal/domain"
	"github.com/stretchr/testify/assert"
)

type fakeHandle struct {
	err  error
	sent []json.RawMessage
}

func (h *fakeHandle) Send(_ context.Context, payload json.RawMessage) error {
	if h.err != nil {
		return h.err
	}
	h.sent = append(h.sent, payload)
	return nil
}

func (h *fakeHandle) Close() error { return nil }

func TestDeliveryExecutor(t *testing.T) {
	registry := connection.NewRegistry(discardLogger())
	ok := &fakeHandle{}
	rejected := &fakeHandle{err: domain.NewPermanentError(errors.New("recipient blocked"))}
	flaky := &fakeHandle{err: errors.New("timeout")}
	registry.Register(connection.Key{TenantID: 1, ChannelIndex: 0}, ok)
	registry.Register(connection.Key{TenantID: 2, ChannelIndex: 0}, rejected)
	registry.Register(connection.Key{TenantID: 3, ChannelIndex: 0}, flaky)

	exec := NewDeliveryExecutor(registry)
	ctx := context.Background()

	assert.NoError(t, exec.Execute(ctx, &domain.Job{TenantID: 1, Payload: json.RawMessage(`{"text":"hi"}`)}))
	assert.Len(t, ok.sent, 1)

	err := exec.Execute(ctx, &domain.Job{TenantID: 2})
	assert.True(t, domain.IsPermanent(err))

	err = exec.Execute(ctx, &domain.Job{TenantID: 3})
	var transient *domain.TransientDeliveryError
	assert.ErrorAs(t, err, &transient)

	err = exec.Execute(ctx, &domain.Job{TenantID: 9})
	assert.ErrorIs(t, err, domain.ErrConnectionUnavailable)
	assert.False(t, domain.IsPermanent(err))
}

func TestDeliveryExecutor_DropsClosedHandle(t *testing.T) {
	registry := connection.NewRegistry(discardLogger())
	key := connection.Key{TenantID: 1, ChannelIndex: 0}
	registry.Register(key, &fakeHandle{err: fmt.Errorf("%w: browser gone", domain.ErrConnectionUnavailable)})
	registry.Register(connection.Key{TenantID: 2, ChannelIndex: 0}, &fakeHandle{})

	exec := NewDeliveryExecutor(registry)
	err := exec.Execute(context.Background(), &domain.Job{TenantID: 1})
	assert.ErrorIs(t, err, domain.ErrConnectionUnavailable)

	assert.Equal(t, []connection.Key{{TenantID: 2, ChannelIndex: 0}}, registry.Keys())
	assert.Equal(t, 1, registry.Len())
}
