package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/dispatch-core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClassify(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	at := func(ago time.Duration) *time.Time {
		ts := now.Add(-ago)
		return &ts
	}

	tests := []struct {
		name string
		rec  domain.ProcessRecord
		want domain.ProcessStatus
	}{
		{name: "no heartbeat yet", rec: domain.ProcessRecord{}, want: domain.ProcessStatusStarting},
		{name: "fresh heartbeat", rec: domain.ProcessRecord{Status: domain.ProcessStatusHealthy, LastHeartbeatAt: at(5 * time.Second)}, want: domain.ProcessStatusHealthy},
		{name: "heartbeat at the window edge", rec: domain.ProcessRecord{LastHeartbeatAt: at(30 * time.Second)}, want: domain.ProcessStatusHealthy},
		{name: "stale heartbeat", rec: domain.ProcessRecord{Status: domain.ProcessStatusHealthy, LastHeartbeatAt: at(31 * time.Second)}, want: domain.ProcessStatusStopped},
		{name: "explicit stop", rec: domain.ProcessRecord{Status: domain.ProcessStatusStopped, LastHeartbeatAt: at(time.Second)}, want: domain.ProcessStatusStopped},
		{name: "elevated errors", rec: domain.ProcessRecord{LastHeartbeatAt: at(time.Second), RecentErrors: 5}, want: domain.ProcessStatusDegraded},
		{name: "errors below threshold", rec: domain.ProcessRecord{LastHeartbeatAt: at(time.Second), RecentErrors: 4}, want: domain.ProcessStatusHealthy},
		{name: "store age says stale", rec: domain.ProcessRecord{LastHeartbeatAt: at(time.Second), HeartbeatAgeSeconds: seconds(45)}, want: domain.ProcessStatusStopped},
		{name: "store age says fresh", rec: domain.ProcessRecord{LastHeartbeatAt: at(time.Minute), HeartbeatAgeSeconds: seconds(2)}, want: domain.ProcessStatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.rec, now, 30*time.Second, 5))
		})
	}
}

func seconds(v float64) *float64 { return &v }

// The reader's clock runs behind the store's; staleness follows the store.
func TestMonitor_ClockSkewDoesNotHideStaleProcess(t *testing.T) {
	storeClock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.SetNow(storeClock.Now)

	worker := NewMonitor(&Config{Store: store, ProcessName: "worker-a", PID: 10, Logger: discardLogger(), Now: storeClock.Now})
	ctx := context.Background()
	worker.Beat(ctx)

	storeClock.Advance(time.Minute)
	lagging := func() time.Time { return storeClock.Now().Add(-55 * time.Second) }
	observer := NewMonitor(&Config{Store: store, ProcessName: "api", PID: 11, Logger: discardLogger(), Now: lagging})

	report, err := observer.GetHealth(ctx, "worker-a")
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	assert.Equal(t, domain.ProcessStatusStopped, report.Status)
}

func TestMemoryStore_HeartbeatAge(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.SetNow(clock.Now)
	ctx := context.Background()

	require.NoError(t, store.UpdateProcessHealth(ctx, &domain.ProcessRecord{ProcessName: "worker-a"}))
	store.Put(domain.ProcessRecord{ProcessName: "fresh-start"})
	clock.Advance(12 * time.Second)

	rec, err := store.GetProcess(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, rec.HeartbeatAgeSeconds)
	assert.InDelta(t, 12.0, *rec.HeartbeatAgeSeconds, 0.001)

	all, err := store.ListProcesses(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Nil(t, all[0].HeartbeatAgeSeconds)
	require.NotNil(t, all[1].HeartbeatAgeSeconds)
	assert.InDelta(t, 12.0, *all[1].HeartbeatAgeSeconds, 0.001)
}

func TestMemoryStore_PurgeHistory(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.SetNow(clock.Now)
	ctx := context.Background()

	require.NoError(t, store.LogProcessEvent(ctx, "worker-a", "job_failed", nil, domain.SeverityError))
	require.NoError(t, store.RecordProcessMetric(ctx, "worker-a", "db_open_connections", 3, "gauge", nil))
	clock.Advance(time.Hour)
	require.NoError(t, store.LogProcessEvent(ctx, "worker-a", "job_failed", nil, domain.SeverityError))

	n, err := store.PurgeHistory(ctx, clock.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Len(t, store.Events(), 1)
	assert.Empty(t, store.Metrics())

	store.Fail(errors.New("connection refused"))
	_, err = store.PurgeHistory(ctx, clock.Now())
	assert.Error(t, err)
}

func TestMonitor_StaleHeartbeatIsUnhealthy(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.SetNow(clock.Now)

	worker := NewMonitor(&Config{Store: store, ProcessName: "worker-a", PID: 10, Logger: discardLogger(), Now: clock.Now})
	observer := NewMonitor(&Config{Store: store, ProcessName: "api", PID: 11, Logger: discardLogger(), Now: clock.Now})
	ctx := context.Background()

	worker.Beat(ctx)
	report, err := observer.GetHealth(ctx, "worker-a")
	require.NoError(t, err)
	assert.True(t, report.Healthy)
	assert.Equal(t, 10, report.PID)

	// the worker crashes: no further beats and no stopped write
	clock.Advance(31 * time.Second)
	report, err = observer.GetHealth(ctx, "worker-a")
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	assert.Equal(t, domain.ProcessStatusStopped, report.Status)

	observer.Beat(ctx)
	all, err := observer.GetAllHealth(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "api", all[0].ProcessName)
	assert.True(t, all[0].Healthy)
	assert.False(t, all[1].Healthy)
}

func TestMonitor_StartBeatsImmediatelyAndStopWritesStopped(t *testing.T) {
	store := NewMemoryStore()
	var beats atomic.Int32
	m := NewMonitor(&Config{
		Store:             store,
		ProcessName:       "worker-a",
		HeartbeatInterval: 20 * time.Millisecond,
		ActiveConnections: func() int { return 3 },
		OnBeat:            func() { beats.Add(1) },
		Logger:            discardLogger(),
	})
	ctx := context.Background()

	m.Start(ctx)
	assert.GreaterOrEqual(t, beats.Load(), int32(1), "first beat is synchronous")

	rec, err := store.GetProcess(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.ActiveConnections)
	assert.NotNil(t, rec.LastHeartbeatAt)
	assert.Greater(t, rec.MemoryMB, 0.0)

	assert.Eventually(t, func() bool { return beats.Load() >= 3 }, time.Second, 5*time.Millisecond)

	m.Stop(ctx)
	report, err := m.GetHealth(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessStatusStopped, report.Status)
}

func TestMonitor_StoreFailureIsNotFatal(t *testing.T) {
	store := NewMemoryStore()
	store.Fail(domain.ErrStoreUnavailable)
	var beats atomic.Int32
	m := NewMonitor(&Config{
		Store:             store,
		ProcessName:       "worker-a",
		HeartbeatInterval: 10 * time.Millisecond,
		OnBeat:            func() { beats.Add(1) },
		Logger:            discardLogger(),
	})
	ctx := context.Background()

	m.Start(ctx)
	defer m.Stop(ctx)
	m.RecordError(ctx, errors.New("boom"), domain.SeverityError)
	assert.Equal(t, int32(0), beats.Load())

	store.Fail(nil)
	assert.Eventually(t, func() bool { return beats.Load() > 0 }, time.Second, 5*time.Millisecond)
}

func TestMonitor_RecordErrorDegrades(t *testing.T) {
	store := NewMemoryStore()
	m := NewMonitor(&Config{
		Store:                  store,
		ProcessName:            "worker-a",
		DegradedErrorThreshold: 2,
		Logger:                 discardLogger(),
	})
	ctx := context.Background()

	m.RecordError(ctx, errors.New("send failed"), domain.SeverityError)
	m.RecordError(ctx, errors.New("send failed"), domain.SeverityWarning)
	m.Beat(ctx)

	report, err := m.GetHealth(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessStatusDegraded, report.Status)
	assert.Equal(t, int64(2), report.ErrorCount)

	events := store.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "error", events[0].EventType)
	assert.JSONEq(t, `{"error":"send failed"}`, string(events[0].Payload))
	assert.Equal(t, domain.SeverityWarning, events[1].Severity)
}

func TestMonitor_RecordMetric(t *testing.T) {
	store := NewMemoryStore()
	m := NewMonitor(&Config{Store: store, ProcessName: "worker-a", Logger: discardLogger()})

	m.RecordMetric(context.Background(), "jobs_completed", 12, "counter", map[string]any{"queue": "session"})

	metrics := store.Metrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, "jobs_completed", metrics[0].MetricName)
	assert.Equal(t, 12.0, metrics[0].Value)
	assert.JSONEq(t, `{"queue":"session"}`, string(metrics[0].Metadata))
}

func TestMonitor_GetHealthUnknownProcess(t *testing.T) {
	m := NewMonitor(&Config{Store: NewMemoryStore(), ProcessName: "api", Logger: discardLogger()})
	_, err := m.GetHealth(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrProcessNotFound)
}
