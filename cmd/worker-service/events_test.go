package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/cuongbtq/dispatch-core/internal/coordinator"
	"github.com/cuongbtq/dispatch-core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedError struct {
	err      error
	severity domain.Severity
}

type fakeSinks struct {
	mu     sync.Mutex
	events []coordinator.BotEvent
	errs   []recordedError
}

func (f *fakeSinks) PublishBotEvent(_ context.Context, event coordinator.BotEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeSinks) RecordError(_ context.Context, err error, severity domain.Severity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, recordedError{err: err, severity: severity})
}

func TestJobEvents_Observe(t *testing.T) {
	sinks := &fakeSinks{}
	events := newJobEvents(context.Background(), sinks, sinks, slog.New(slog.NewTextHandler(io.Discard, nil)))
	job := &domain.Job{ID: "j1", TenantID: 7, ChannelIndex: 2, Attempts: 1}
	boom := errors.New("boom")

	events.observe(job, domain.JobStatusCompleted, nil)
	events.observe(job, domain.JobStatusDelayed, boom)
	events.observe(job, domain.JobStatusFailed, boom)

	require.Len(t, sinks.events, 3)
	assert.Equal(t, eventJobCompleted, sinks.events[0].Event)
	assert.Empty(t, sinks.events[0].Error)
	assert.Equal(t, eventJobRetrying, sinks.events[1].Event)
	assert.Equal(t, "boom", sinks.events[1].Error)
	assert.Equal(t, eventJobFailed, sinks.events[2].Event)
	assert.Equal(t, int64(7), sinks.events[2].TenantID)
	assert.Equal(t, 2, sinks.events[2].ChannelIndex)

	require.Len(t, sinks.errs, 2)
	assert.Equal(t, domain.SeverityWarning, sinks.errs[0].severity)
	assert.Equal(t, domain.SeverityError, sinks.errs[1].severity)
}
