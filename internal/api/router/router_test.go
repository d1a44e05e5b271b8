package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuongbtq/dispatch-core/internal/api/dto"
	"github.com/cuongbtq/dispatch-core/internal/api/handler"
	"github.com/cuongbtq/dispatch-core/internal/channelconfig"
	"github.com/cuongbtq/dispatch-core/internal/domain"
	"github.com/cuongbtq/dispatch-core/internal/health"
	"github.com/cuongbtq/dispatch-core/internal/queue"
	routing "github.com/cuongbtq/dispatch-core/internal/router"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	engine    *gin.Engine
	configs   *channelconfig.MemoryStore
	jobs      *queue.MemoryJobStore
	transport *queue.MemoryTransport
	router    *routing.Router
	health    *health.MemoryStore
	now       time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := time.Now()

	ts := &testServer{
		configs: channelconfig.NewMemoryStore(
			domain.ChannelConfig{TenantID: 1, ChannelIndex: 0, ChannelType: domain.ChannelTypeSession, OwnerProcessName: "worker-1"},
			domain.ChannelConfig{TenantID: 2, ChannelIndex: 0, ChannelType: domain.ChannelTypeDirectAPI, OwnerProcessName: "worker-2"},
			domain.ChannelConfig{TenantID: 3, ChannelIndex: 0, ChannelType: "carrierPigeon", OwnerProcessName: "worker-1"},
			domain.ChannelConfig{TenantID: 4, ChannelIndex: 0, ChannelType: domain.ChannelTypeSession},
		),
		jobs:      queue.NewMemoryJobStore(),
		transport: queue.NewMemoryTransport(),
		health:    health.NewMemoryStore(),
		now:       now,
	}
	t.Cleanup(func() { _ = ts.transport.Close() })

	queues := make(map[domain.ChannelType]routing.Enqueuer)
	for _, ct := range []domain.ChannelType{domain.ChannelTypeSession, domain.ChannelTypeDirectAPI} {
		queues[ct] = queue.New(&queue.Config{
			ChannelType: ct,
			Store:       ts.jobs,
			Transport:   ts.transport,
			Backoff:     domain.FixedBackoff(time.Second),
			MaxAttempts: 3,
			Logger:      logger,
		})
	}
	ts.router = routing.New(&routing.Config{
		Store:  ts.configs,
		Queues: queues,
		Logger: logger,
	})

	monitor := health.NewMonitor(&health.Config{
		Store:                  ts.health,
		ProcessName:            "api-1",
		DegradedErrorThreshold: 5,
		Logger:                 logger,
		Now:                    func() time.Time { return now },
	})

	ts.engine = SetupRouter(&handler.Dependencies{
		Logger: logger,
		Router: ts.router,
		Jobs:   ts.jobs,
		Health: monitor,
	})
	return ts
}

func (ts *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func (ts *testServer) putProcess(name string, status domain.ProcessStatus, age time.Duration, recentErrors int64) {
	at := ts.now.Add(-age)
	ts.health.Put(domain.ProcessRecord{
		ProcessName:     name,
		PID:             100,
		Status:          status,
		LastHeartbeatAt: &at,
		RecentErrors:    recentErrors,
	})
}

func TestCreateJob_RoutesByChannelType(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name      string
		tenantID  int64
		wantType  string
		queueName string
	}{
		{"session tenant", 1, string(domain.ChannelTypeSession), "session.worker-1"},
		{"direct api tenant", 2, string(domain.ChannelTypeDirectAPI), "directApi.worker-2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(http.MethodPost, "/api/v1/jobs", gin.H{
				"tenant_id":     tt.tenantID,
				"channel_index": 0,
				"payload":       gin.H{"text": "hi"},
			})
			require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

			var resp dto.CreateJobResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.JobID)
			assert.Equal(t, tt.wantType, resp.ChannelType)
			assert.Equal(t, string(domain.JobStatusWaiting), resp.Status)
			assert.Equal(t, 1, ts.transport.Len(tt.queueName))
		})
	}
}

func TestCreateJob_Errors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"missing tenant", gin.H{"payload": gin.H{}}, http.StatusBadRequest},
		{"missing payload", gin.H{"tenant_id": 1}, http.StatusBadRequest},
		{"priority out of range", gin.H{"tenant_id": 1, "payload": gin.H{}, "priority": 10}, http.StatusBadRequest},
		{"no channel config", gin.H{"tenant_id": 99, "payload": gin.H{}}, http.StatusNotFound},
		{"unsupported channel type", gin.H{"tenant_id": 3, "payload": gin.H{}}, http.StatusUnprocessableEntity},
		{"channel without owner", gin.H{"tenant_id": 4, "payload": gin.H{}}, http.StatusUnprocessableEntity},
		{"negative delay", gin.H{"tenant_id": 1, "payload": gin.H{}, "delay_ms": -1}, http.StatusBadRequest},
		{"delay beyond seven days", gin.H{"tenant_id": 1, "payload": gin.H{}, "delay_ms": 604800001}, http.StatusBadRequest},
		{"delay that would overflow", gin.H{"tenant_id": 1, "payload": gin.H{}, "delay_ms": int64(9300000000000)}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(http.MethodPost, "/api/v1/jobs", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}

	assert.Zero(t, ts.transport.Len("session"))
	assert.Zero(t, ts.transport.Len("session.worker-1"))
	assert.Zero(t, ts.transport.Len("directApi.worker-2"))
}

func TestCreateJob_DelayedUpToSevenDays(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/v1/jobs", gin.H{"tenant_id": 1, "payload": gin.H{}, "delay_ms": 604800000})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp dto.CreateJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(domain.JobStatusDelayed), resp.Status)

	job, err := ts.jobs.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), job.RunAt, time.Minute)
	assert.Equal(t, "worker-1", job.Owner)
}

func TestGetJob(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/v1/jobs", gin.H{"tenant_id": 1, "payload": gin.H{"n": 1}, "priority": 4})
	require.Equal(t, http.StatusAccepted, w.Code)
	var created dto.CreateJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = ts.do(http.MethodGet, "/api/v1/jobs/"+created.JobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var job dto.JobDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, created.JobID, job.JobID)
	assert.Equal(t, int64(1), job.TenantID)
	assert.Equal(t, 4, job.Priority)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.JSONEq(t, `{"n":1}`, string(job.Payload))

	w = ts.do(http.MethodGet, "/api/v1/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodGet, "/api/v1/jobs/6f1c7f2e-9d3b-4c55-8a1e-2b7d9e0f4a11", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobs_Pagination(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 5; i++ {
		w := ts.do(http.MethodPost, "/api/v1/jobs", gin.H{"tenant_id": 1, "payload": gin.H{"i": i}})
		require.Equal(t, http.StatusAccepted, w.Code)
		time.Sleep(2 * time.Millisecond)
	}
	w := ts.do(http.MethodPost, "/api/v1/jobs", gin.H{"tenant_id": 2, "payload": gin.H{}})
	require.Equal(t, http.StatusAccepted, w.Code)

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		path := "/api/v1/jobs?tenant_id=1&page_size=2"
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		w := ts.do(http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp dto.ListJobsResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		for _, j := range resp.Jobs {
			assert.Equal(t, int64(1), j.TenantID)
			assert.False(t, seen[j.JobID], "job listed twice")
			seen[j.JobID] = true
		}
		pages++
		if resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}

	assert.Len(t, seen, 5)
	assert.Equal(t, 3, pages)

	w = ts.do(http.MethodGet, "/api/v1/jobs?cursor=%25%25%25", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInvalidateRoutes(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	for _, tenant := range []int64{1, 2} {
		_, err := ts.router.Resolve(ctx, tenant, 0)
		require.NoError(t, err)
	}
	require.Equal(t, 2, ts.router.Len())

	w := ts.do(http.MethodDelete, "/api/v1/routes/1/0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, ts.router.Len())

	w = ts.do(http.MethodDelete, "/api/v1/routes/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodDelete, "/api/v1/routes/2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, ts.router.Len())

	_, err := ts.router.Resolve(ctx, 1, 0)
	require.NoError(t, err)
	w = ts.do(http.MethodDelete, "/api/v1/routes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, ts.router.Len())
}

func TestInvalidateRoutes_PicksUpConfigChange(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/v1/jobs", gin.H{"tenant_id": 1, "payload": gin.H{}})
	require.Equal(t, http.StatusAccepted, w.Code)

	ts.configs.Put(domain.ChannelConfig{TenantID: 1, ChannelIndex: 0, ChannelType: domain.ChannelTypeDirectAPI, OwnerProcessName: "worker-2"})
	require.Equal(t, http.StatusOK, ts.do(http.MethodDelete, "/api/v1/routes/1", nil).Code)

	w = ts.do(http.MethodPost, "/api/v1/jobs", gin.H{"tenant_id": 1, "payload": gin.H{}})
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp dto.CreateJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(domain.ChannelTypeDirectAPI), resp.ChannelType)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		status     domain.ProcessStatus
		age        time.Duration
		errors     int64
		wantCode   int
		wantStatus domain.ProcessStatus
	}{
		{"healthy", domain.ProcessStatusHealthy, 5 * time.Second, 0, http.StatusOK, domain.ProcessStatusHealthy},
		{"stale heartbeat", domain.ProcessStatusHealthy, time.Minute, 0, http.StatusServiceUnavailable, domain.ProcessStatusStopped},
		{"degraded", domain.ProcessStatusHealthy, time.Second, 5, http.StatusServiceUnavailable, domain.ProcessStatusDegraded},
		{"stopped", domain.ProcessStatusStopped, time.Second, 0, http.StatusServiceUnavailable, domain.ProcessStatusStopped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.putProcess("api-1", tt.status, tt.age, tt.errors)

			w := ts.do(http.MethodGet, "/health", nil)
			assert.Equal(t, tt.wantCode, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, true, body["success"])
			assert.Equal(t, "api-1", body["processName"])
			assert.Equal(t, string(tt.wantStatus), body["status"])
			assert.Contains(t, body, "timestamp")
			assert.Contains(t, body, "lastHeartbeat")
		})
	}
}

func TestHealth_UnknownProcess(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
}

func TestHealthAll(t *testing.T) {
	ts := newTestServer(t)
	ts.putProcess("api-1", domain.ProcessStatusHealthy, time.Second, 0)
	ts.putProcess("worker-1", domain.ProcessStatusHealthy, 2*time.Second, 0)

	w := ts.do(http.MethodGet, "/health/all", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.AllHealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.Len(t, resp.Processes, 2)
	assert.Equal(t, "api-1", resp.Processes[0].ProcessName)

	ts.putProcess("worker-2", domain.ProcessStatusHealthy, 2*time.Minute, 0)
	w = ts.do(http.MethodGet, "/health/all", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSetupHealthRouter_OmitsJobAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := health.NewMemoryStore()
	monitor := health.NewMonitor(&health.Config{Store: store, ProcessName: "worker-1"})
	engine := SetupHealthRouter(&handler.Dependencies{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Health: monitor,
	})

	monitor.Beat(context.Background())

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestID(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/health/all", nil)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health/all", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w = httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
}
