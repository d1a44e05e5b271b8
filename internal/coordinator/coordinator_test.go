package coordinator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/dispatch-core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu   sync.Mutex
	msgs []Message
	at   []time.Time
}

func (i *inbox) handler(msg Message) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, msg)
	i.at = append(i.at, time.Now())
}

func (i *inbox) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.msgs)
}

func (i *inbox) receivedAfter(t time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, at := range i.at {
		if at.After(t) {
			return true
		}
	}
	return false
}

func (i *inbox) last() Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.msgs[len(i.msgs)-1]
}

func newCoordinator(t *testing.T, hub *Hub, name string, pid int, interval time.Duration) *Coordinator {
	t.Helper()
	c := New(&Config{
		Broker:            hub.Broker(),
		ProcessName:       name,
		ProcessID:         pid,
		HeartbeatInterval: interval,
		ReconnectDelay:    100 * time.Millisecond,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Shutdown(ctx, "test done")
	})
	return c
}

func TestCoordinator_DiscardsOwnMessages(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	a := newCoordinator(t, hub, "worker-a", 100, time.Hour)
	b := newCoordinator(t, hub, "worker-b", 200, time.Hour)
	twin := newCoordinator(t, hub, "worker-a", 101, time.Hour)

	var aBox, bBox, twinBox inbox
	a.OnBotEvent(aBox.handler)
	b.OnBotEvent(bBox.handler)
	twin.OnBotEvent(twinBox.handler)

	require.NoError(t, a.Initialize(ctx))
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, twin.Initialize(ctx))

	require.NoError(t, a.PublishBotEvent(ctx, BotEvent{Event: "connected", TenantID: 42}))

	assert.Eventually(t, func() bool { return bBox.count() == 1 && twinBox.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, aBox.count(), "publisher never sees its own message")

	msg := bBox.last()
	assert.Equal(t, "worker-a", msg.ProcessName)
	assert.Equal(t, 100, msg.ProcessID)
	assert.Equal(t, ChannelBotEvent, msg.Channel)
	assert.NotZero(t, msg.Timestamp)

	var event BotEvent
	require.NoError(t, msg.Decode(&event))
	assert.Equal(t, "connected", event.Event)
	assert.Equal(t, int64(42), event.TenantID)
}

func TestCoordinator_SendMessageTargets(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	a := newCoordinator(t, hub, "api", 1, time.Hour)
	b := newCoordinator(t, hub, "worker-b", 2, time.Hour)
	c := newCoordinator(t, hub, "worker-c", 3, time.Hour)

	var bBox, cBox inbox
	b.OnMessage(bBox.handler)
	c.OnMessage(cBox.handler)
	for _, co := range []*Coordinator{a, b, c} {
		require.NoError(t, co.Initialize(ctx))
	}

	require.NoError(t, a.SendMessage(ctx, "worker-b", "reload", map[string]int{"tenant": 42}))
	require.NoError(t, a.SendMessage(ctx, "", "ping", nil))

	assert.Eventually(t, func() bool { return bBox.count() == 2 && cBox.count() == 1 }, time.Second, 5*time.Millisecond)

	var dm DirectMessage
	require.NoError(t, cBox.last().Decode(&dm))
	assert.Equal(t, "ping", dm.Type)
}

func TestCoordinator_ShutdownNotifiesPeers(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	a := newCoordinator(t, hub, "worker-a", 1, time.Hour)
	b := newCoordinator(t, hub, "worker-b", 2, time.Hour)

	var statuses, shutdowns inbox
	b.OnStatus(statuses.handler)
	b.OnShutdown(shutdowns.handler)
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, a.Initialize(ctx))

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(shutdownCtx, "SIGTERM"))

	assert.Eventually(t, func() bool { return shutdowns.count() == 1 }, time.Second, 5*time.Millisecond)

	var status StatusPayload
	require.NoError(t, statuses.last().Decode(&status))
	assert.Equal(t, domain.ProcessStatusStopped, status.Status)
}

// A broker outage during heartbeats must not crash the process, and heartbeats
// resume within the reconnect delay once the broker is back.
func TestCoordinator_HeartbeatsResumeAfterBrokerOutage(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	a := newCoordinator(t, hub, "worker-a", 1, 30*time.Millisecond)
	b := newCoordinator(t, hub, "monitor", 2, time.Hour)

	var beats inbox
	b.OnHeartbeat(beats.handler)
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, a.Initialize(ctx))

	assert.Eventually(t, func() bool { return beats.count() >= 2 }, time.Second, 5*time.Millisecond)

	hub.Disconnect()
	err := a.PublishHeartbeat(ctx)
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
	time.Sleep(250 * time.Millisecond)

	restoredAt := time.Now()
	hub.Restore()

	// reconnect delay (100ms) plus one heartbeat interval, with slack
	assert.Eventually(t, func() bool { return beats.receivedAfter(restoredAt) }, 600*time.Millisecond, 5*time.Millisecond)

	var hb HeartbeatPayload
	require.NoError(t, beats.last().Decode(&hb))
	assert.Equal(t, "worker-a", beats.last().ProcessName)
}

func TestCoordinator_InitializeWhileBrokerDown(t *testing.T) {
	hub := NewHub()
	hub.Disconnect()
	ctx := context.Background()
	a := newCoordinator(t, hub, "worker-a", 1, 20*time.Millisecond)
	require.NoError(t, a.Initialize(ctx))

	b := newCoordinator(t, hub, "monitor", 2, time.Hour)
	var beats inbox
	b.OnHeartbeat(beats.handler)

	hub.Restore()
	require.NoError(t, b.Initialize(ctx))
	assert.Eventually(t, func() bool { return beats.count() > 0 }, time.Second, 5*time.Millisecond)
}
