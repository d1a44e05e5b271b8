package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/dispatch-core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *MemoryJobStore, *MemoryTransport) {
	t.Helper()
	store := NewMemoryJobStore()
	transport := NewMemoryTransport()
	t.Cleanup(func() { _ = transport.Close() })

	if cfg.ChannelType == "" {
		cfg.ChannelType = domain.ChannelTypeDirectAPI
	}
	cfg.Store = store
	cfg.Transport = transport
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(&cfg), store, transport
}

func receiveOne(t *testing.T, ch <-chan Message, timeout time.Duration) Message {
	t.Helper()
	select {
	case msg := <-ch:
		require.NotNil(t, msg)
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestQueue_EnqueueAppliesDefaults(t *testing.T) {
	q, store, transport := newTestQueue(t, Config{
		Backoff:     domain.FixedBackoff(time.Second),
		MaxAttempts: 4,
	})

	job, err := q.Enqueue(context.Background(), &domain.Job{
		TenantID:     42,
		ChannelIndex: 0,
		Payload:      json.RawMessage(`{"to":"+100","text":"hi"}`),
	}, EnqueueOptions{Priority: 42})
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, domain.ChannelTypeDirectAPI, job.ChannelType)
	assert.Equal(t, MaxPriority, job.Priority)
	assert.Equal(t, 4, job.MaxAttempts)
	assert.Equal(t, domain.FixedBackoff(time.Second), job.Backoff)
	assert.Equal(t, domain.JobStatusWaiting, job.Status)
	assert.Equal(t, 1, transport.Len(q.Name()))

	stored, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, stored.ID)
	assert.JSONEq(t, `{"to":"+100","text":"hi"}`, string(stored.Payload))
}

func TestQueue_EnqueueRejectsForeignChannelType(t *testing.T) {
	q, _, transport := newTestQueue(t, Config{})

	_, err := q.Enqueue(context.Background(), &domain.Job{ChannelType: domain.ChannelTypeSession}, EnqueueOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnsupportedChannelType)
	assert.Equal(t, 0, transport.Len(q.Name()))
}

func TestQueue_DelayedEnqueue(t *testing.T) {
	q, _, transport := newTestQueue(t, Config{})

	job, err := q.Enqueue(context.Background(), &domain.Job{TenantID: 1}, EnqueueOptions{Delay: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDelayed, job.Status)
	assert.Equal(t, 0, transport.Len(q.Name()))

	assert.Eventually(t, func() bool {
		return transport.Len(q.Name()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestQueue_PriorityOrdering(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	low, err := q.Enqueue(ctx, &domain.Job{TenantID: 1}, EnqueueOptions{Priority: 1})
	require.NoError(t, err)
	high, err := q.Enqueue(ctx, &domain.Job{TenantID: 1}, EnqueueOptions{Priority: 5})
	require.NoError(t, err)
	low2, err := q.Enqueue(ctx, &domain.Job{TenantID: 1}, EnqueueOptions{Priority: 1})
	require.NoError(t, err)

	msgs, err := q.Receive(ctx, "test", 1)
	require.NoError(t, err)

	assert.Equal(t, high.ID, receiveOne(t, msgs, time.Second).JobID())
	assert.Equal(t, low.ID, receiveOne(t, msgs, time.Second).JobID())
	assert.Equal(t, low2.ID, receiveOne(t, msgs, time.Second).JobID())
}

func TestQueue_FailReschedulesThenFailsPermanently(t *testing.T) {
	q, store, _ := newTestQueue(t, Config{
		Backoff:     domain.ExponentialBackoff(10 * time.Millisecond),
		MaxAttempts: 3,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Enqueue(ctx, &domain.Job{TenantID: 1}, EnqueueOptions{})
	require.NoError(t, err)

	msgs, err := q.Receive(ctx, "test", 1)
	require.NoError(t, err)

	cause := errors.New("socket closed")
	for attempt := 1; attempt <= 3; attempt++ {
		d, err := q.Claim(ctx, receiveOne(t, msgs, time.Second), "w-1")
		require.NoError(t, err)
		assert.Equal(t, attempt, d.Job.Attempts)
		assert.Equal(t, domain.JobStatusActive, d.Job.Status)

		status, err := d.Fail(ctx, cause)
		require.NoError(t, err)
		if attempt < 3 {
			assert.Equal(t, domain.JobStatusDelayed, status)
		} else {
			assert.Equal(t, domain.JobStatusFailed, status)
		}
	}

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
	assert.Equal(t, "socket closed", stored.LastError)
	assert.NotNil(t, stored.FinishedAt)

	select {
	case msg := <-msgs:
		t.Fatalf("unexpected redelivery of %s", msg.JobID())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQueue_CompleteMarksJobCompleted(t *testing.T) {
	q, store, _ := newTestQueue(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Enqueue(ctx, &domain.Job{TenantID: 1}, EnqueueOptions{})
	require.NoError(t, err)

	msgs, err := q.Receive(ctx, "test", 1)
	require.NoError(t, err)

	d, err := q.Claim(ctx, receiveOne(t, msgs, time.Second), "w-1")
	require.NoError(t, err)
	require.NoError(t, d.Complete(ctx))

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestQueue_PermanentFailurePolicy(t *testing.T) {
	tests := []struct {
		name           string
		retryPermanent bool
		wantStatus     domain.JobStatus
	}{
		{name: "retried like transient by default", retryPermanent: true, wantStatus: domain.JobStatusDelayed},
		{name: "short-circuited when disabled", retryPermanent: false, wantStatus: domain.JobStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _, _ := newTestQueue(t, Config{
				Backoff:                domain.FixedBackoff(time.Millisecond),
				MaxAttempts:            3,
				RetryPermanentFailures: tt.retryPermanent,
			})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			_, err := q.Enqueue(ctx, &domain.Job{TenantID: 1}, EnqueueOptions{})
			require.NoError(t, err)
			msgs, err := q.Receive(ctx, "test", 1)
			require.NoError(t, err)

			d, err := q.Claim(ctx, receiveOne(t, msgs, time.Second), "w-1")
			require.NoError(t, err)

			status, err := d.Fail(ctx, domain.NewPermanentError(errors.New("number not on channel")))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, status)
		})
	}
}

func TestQueue_ClaimDuplicateAndRedelivery(t *testing.T) {
	q, store, transport := newTestQueue(t, Config{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, &domain.Job{TenantID: 1}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = store.ClaimJob(ctx, job.ID, "crashed-worker", false, time.Now())
	require.NoError(t, err)

	t.Run("fresh duplicate is dropped", func(t *testing.T) {
		_, err := q.Claim(ctx, &memMessage{transport: transport, queueName: q.Name(), item: memItem{jobID: job.ID}}, "w-2")
		assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)
	})

	t.Run("redelivery of an active job is reclaimed", func(t *testing.T) {
		d, err := q.Claim(ctx, &memMessage{transport: transport, queueName: q.Name(), item: memItem{jobID: job.ID, redelivered: true}}, "w-2")
		require.NoError(t, err)
		assert.Equal(t, 2, d.Job.Attempts)
		assert.Equal(t, "w-2", d.Job.WorkerID)
	})

	t.Run("unknown job is dropped", func(t *testing.T) {
		_, err := q.Claim(ctx, &memMessage{transport: transport, queueName: q.Name(), item: memItem{jobID: "missing"}}, "w-2")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

type failingTransport struct{ *MemoryTransport }

func (failingTransport) Publish(context.Context, string, string, int, time.Duration) error {
	return errors.New("connection refused")
}

func TestQueue_EnqueuePublishFailureMarksJobFailed(t *testing.T) {
	store := NewMemoryJobStore()
	q := New(&Config{
		ChannelType: domain.ChannelTypeSession,
		Store:       store,
		Transport:   failingTransport{NewMemoryTransport()},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	_, err := q.Enqueue(context.Background(), &domain.Job{ID: "job-1", TenantID: 1}, EnqueueOptions{})
	require.Error(t, err)

	stored, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "enqueue failed")
}

func TestQueue_OwnedJobsTravelOnTheOwnersRoute(t *testing.T) {
	store := NewMemoryJobStore()
	transport := NewMemoryTransport()
	t.Cleanup(func() { _ = transport.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	producer := New(&Config{ChannelType: domain.ChannelTypeSession, Store: store, Transport: transport, Logger: logger})
	consumer := New(&Config{ChannelType: domain.ChannelTypeSession, Owner: "worker-a", Store: store, Transport: transport, Logger: logger})
	assert.Equal(t, "session.worker-a", consumer.Name())
	assert.Equal(t, "session", producer.Name())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := producer.Enqueue(ctx, &domain.Job{TenantID: 1}, EnqueueOptions{Owner: "worker-a"})
	require.NoError(t, err)
	assert.Equal(t, "worker-a", job.Owner)
	assert.Equal(t, 0, transport.Len("session"))
	assert.Equal(t, 1, transport.Len("session.worker-a"))

	msgs, err := consumer.Receive(ctx, "test", 1)
	require.NoError(t, err)
	d, err := consumer.Claim(ctx, receiveOne(t, msgs, time.Second), "w-a")
	require.NoError(t, err)

	// the retry stays on the owner's route
	_, err = d.Fail(ctx, errors.New("socket closed"))
	require.NoError(t, err)
	assert.Equal(t, job.ID, receiveOne(t, msgs, time.Second).JobID())
	assert.Equal(t, 0, transport.Len("session"))
}

func TestQueue_EarlyMessageIsPostponed(t *testing.T) {
	q, store, transport := newTestQueue(t, Config{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, &domain.Job{TenantID: 1}, EnqueueOptions{Delay: 300 * time.Millisecond})
	require.NoError(t, err)

	// an early copy, as left behind by a bucketed delay queue
	_, err = q.Claim(ctx, &memMessage{transport: transport, queueName: q.Name(), item: memItem{jobID: job.ID}}, "w-1")
	assert.ErrorIs(t, err, ErrJobNotDue)

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Attempts)
	assert.Equal(t, domain.JobStatusDelayed, stored.Status)

	// the original and the postponed copy both arrive once due
	assert.Eventually(t, func() bool {
		return transport.Len(q.Name()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestQueue_ReleaseDoesNotUseAnAttempt(t *testing.T) {
	q, store, _ := newTestQueue(t, Config{MaxAttempts: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Enqueue(ctx, &domain.Job{TenantID: 1}, EnqueueOptions{})
	require.NoError(t, err)
	msgs, err := q.Receive(ctx, "test", 1)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		d, err := q.Claim(ctx, receiveOne(t, msgs, time.Second), "w-1")
		require.NoError(t, err)
		assert.Equal(t, 1, d.Job.Attempts)
		require.NoError(t, d.Release(ctx, 10*time.Millisecond, domain.ErrConnectionUnavailable))
		assert.Equal(t, 0, d.Job.Attempts)
	}

	d, err := q.Claim(ctx, receiveOne(t, msgs, time.Second), "w-1")
	require.NoError(t, err)
	require.NoError(t, d.Complete(ctx))

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

type droppingTransport struct {
	*MemoryTransport
	drop bool
}

func (t *droppingTransport) Publish(ctx context.Context, queueName, jobID string, priority int, delay time.Duration) error {
	if t.drop {
		return nil
	}
	return t.MemoryTransport.Publish(ctx, queueName, jobID, priority, delay)
}

func TestQueue_RequeueOverdueRecoversLostMessages(t *testing.T) {
	store := NewMemoryJobStore()
	transport := &droppingTransport{MemoryTransport: NewMemoryTransport(), drop: true}
	t.Cleanup(func() { _ = transport.Close() })
	clock := time.Now()
	q := New(&Config{
		ChannelType: domain.ChannelTypeSession,
		Owner:       "worker-a",
		Store:       store,
		Transport:   transport,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:         func() time.Time { return clock },
	})
	ctx := context.Background()

	// the broker accepted the publish but the message never reached a queue
	job, err := q.Enqueue(ctx, &domain.Job{TenantID: 1}, EnqueueOptions{Owner: "worker-a", Delay: time.Second})
	require.NoError(t, err)
	transport.drop = false
	assert.Equal(t, 0, transport.Len(q.Name()))

	n, err := q.RequeueOverdue(ctx, time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "not overdue within the grace period")

	clock = clock.Add(5 * time.Minute)
	n, err = q.RequeueOverdue(ctx, time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, transport.Len(q.Name()))

	msgs, err := q.Receive(ctx, "test", 1)
	require.NoError(t, err)
	d, err := q.Claim(ctx, receiveOne(t, msgs, time.Second), "w-a")
	require.NoError(t, err)
	assert.Equal(t, job.ID, d.Job.ID)
}

type recordingMessage struct {
	jobID   string
	nackErr error
	nacked  bool
	acked   bool
}

func (m *recordingMessage) JobID() string     { return m.jobID }
func (m *recordingMessage) Redelivered() bool { return false }
func (m *recordingMessage) Ack() error        { m.acked = true; return nil }
func (m *recordingMessage) Nack(bool) error {
	m.nacked = true
	return m.nackErr
}

type brokenStore struct{ *MemoryJobStore }

func (brokenStore) MarkFailed(context.Context, string, string) error {
	return errors.New("database is down")
}

func (brokenStore) MarkDelayed(context.Context, string, time.Time, string) error {
	return errors.New("database is down")
}

func TestQueue_FailLogsNackErrors(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
	}{
		{name: "terminal failure", maxAttempts: 1},
		{name: "reschedule", maxAttempts: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			store := NewMemoryJobStore()
			transport := NewMemoryTransport()
			t.Cleanup(func() { _ = transport.Close() })
			q := New(&Config{
				ChannelType: domain.ChannelTypeSession,
				Store:       brokenStore{store},
				Transport:   transport,
				MaxAttempts: tt.maxAttempts,
				Logger:      slog.New(slog.NewTextHandler(&logs, nil)),
			})
			ctx := context.Background()

			job, err := q.Enqueue(ctx, &domain.Job{TenantID: 1}, EnqueueOptions{})
			require.NoError(t, err)

			msg := &recordingMessage{jobID: job.ID, nackErr: errors.New("channel closed")}
			d, err := q.Claim(ctx, msg, "w-1")
			require.NoError(t, err)

			_, err = d.Fail(ctx, errors.New("socket closed"))
			require.Error(t, err)
			assert.True(t, msg.nacked)
			assert.False(t, msg.acked)
			assert.Contains(t, logs.String(), "Failed to NACK message")
			assert.Contains(t, logs.String(), "channel closed")
		})
	}
}
