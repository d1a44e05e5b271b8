package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/dispatch-core/internal/domain"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultStalenessWindow   = 30 * time.Second
	DefaultErrorWindow       = 5 * time.Minute
)

// Config holds health monitor configuration
type Config struct {
	Store                  Store
	ProcessName            string
	PID                    int
	HeartbeatInterval      time.Duration
	StalenessWindow        time.Duration
	DegradedErrorThreshold int64
	// ErrorWindow bounds which errors count as recent
	ErrorWindow       time.Duration
	ActiveConnections func() int
	// OnBeat runs after every successful heartbeat write
	OnBeat func()
	Logger *slog.Logger
	Now    func() time.Time
}

// Report is the classified health of one process
type Report struct {
	ProcessName       string               `json:"processName"`
	PID               int                  `json:"pid"`
	Healthy           bool                 `json:"healthy"`
	Status            domain.ProcessStatus `json:"status"`
	LastHeartbeat     *time.Time           `json:"lastHeartbeat"`
	Uptime            int64                `json:"uptime"`
	Memory            float64              `json:"memory"`
	CPUUsage          float64              `json:"cpuUsage"`
	ActiveConnections int                  `json:"activeConnections"`
	ErrorCount        int64                `json:"errorCount"`
}

// Monitor writes this process's heartbeat and classifies any process's health
type Monitor struct {
	store             Store
	processName       string
	pid               int
	interval          time.Duration
	window            time.Duration
	threshold         int64
	errorWindow       time.Duration
	activeConnections func() int
	onBeat            func()
	logger            *slog.Logger
	now               func() time.Time
	startedAt         time.Time
	cpu               *cpuSampler

	mu         sync.Mutex
	errorCount int64
	errorTimes []time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a health monitor
func NewMonitor(cfg *Config) *Monitor {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	window := cfg.StalenessWindow
	if window <= 0 {
		window = DefaultStalenessWindow
	}
	errorWindow := cfg.ErrorWindow
	if errorWindow <= 0 {
		errorWindow = DefaultErrorWindow
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		store:             cfg.Store,
		processName:       cfg.ProcessName,
		pid:               cfg.PID,
		interval:          interval,
		window:            window,
		threshold:         cfg.DegradedErrorThreshold,
		errorWindow:       errorWindow,
		activeConnections: cfg.ActiveConnections,
		onBeat:            cfg.OnBeat,
		logger:            logger.With(slog.String("component", "health")),
		now:               now,
		startedAt:         now(),
		cpu:               newCPUSampler(),
	}
}

// Start writes a heartbeat immediately, then on every interval until Stop
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.Beat(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Beat(ctx)
			}
		}
	}()

	m.logger.Info("Health monitor started",
		slog.String("process_name", m.processName),
		slog.Duration("heartbeat_interval", m.interval),
		slog.Duration("staleness_window", m.window),
	)
}

// Stop ends the heartbeat loop and writes the explicit stopped status
func (m *Monitor) Stop(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	rec := m.snapshot(domain.ProcessStatusStopped)
	if err := m.store.UpdateProcessHealth(ctx, rec); err != nil {
		m.logger.Warn("Failed to write stopped status", slog.Any("error", err))
		return
	}
	m.logger.Info("Health monitor stopped", slog.String("process_name", m.processName))
}

// Beat writes one heartbeat. Store failures are logged; the next beat retries.
func (m *Monitor) Beat(ctx context.Context) {
	rec := m.snapshot(domain.ProcessStatusHealthy)
	if err := m.store.UpdateProcessHealth(ctx, rec); err != nil {
		m.logger.Warn("Failed to write heartbeat",
			slog.Any("error", err),
			slog.Bool("store_unavailable", errors.Is(err, domain.ErrStoreUnavailable)),
		)
		return
	}
	if m.onBeat != nil {
		m.onBeat()
	}
}

func (m *Monitor) snapshot(status domain.ProcessStatus) *domain.ProcessRecord {
	errorCount, recent := m.errorCounts()
	if status == domain.ProcessStatusHealthy && m.threshold > 0 && recent >= m.threshold {
		status = domain.ProcessStatusDegraded
	}

	rec := &domain.ProcessRecord{
		ProcessName:   m.processName,
		PID:           m.pid,
		Status:        status,
		UptimeSeconds: int64(m.now().Sub(m.startedAt).Seconds()),
		MemoryMB:      memoryMB(),
		CPUUsage:      m.cpu.Sample(),
		ErrorCount:    errorCount,
		RecentErrors:  recent,
	}
	if m.activeConnections != nil {
		rec.ActiveConnections = m.activeConnections()
	}
	return rec
}

func (m *Monitor) errorCounts() (int64, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.errorWindow)
	keep := m.errorTimes[:0]
	for _, t := range m.errorTimes {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	m.errorTimes = keep
	return m.errorCount, int64(len(keep))
}

// RecordError counts an error and logs it as a process event
func (m *Monitor) RecordError(ctx context.Context, err error, severity domain.Severity) {
	m.mu.Lock()
	m.errorCount++
	m.errorTimes = append(m.errorTimes, m.now())
	m.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	if storeErr := m.store.LogProcessEvent(ctx, m.processName, "error", payload, severity); storeErr != nil {
		m.logger.Warn("Failed to log process event",
			slog.String("severity", string(severity)),
			slog.Any("error", storeErr),
		)
	}
}

// RecordMetric appends a metric row for this process
func (m *Monitor) RecordMetric(ctx context.Context, name string, value float64, metricType string, metadata map[string]any) {
	var raw json.RawMessage
	if len(metadata) > 0 {
		var err error
		if raw, err = json.Marshal(metadata); err != nil {
			m.logger.Warn("Failed to marshal metric metadata",
				slog.String("metric", name),
				slog.Any("error", err),
			)
		}
	}

	if err := m.store.RecordProcessMetric(ctx, m.processName, name, value, metricType, raw); err != nil {
		m.logger.Warn("Failed to record process metric",
			slog.String("metric", name),
			slog.Any("error", err),
		)
	}
}

// ErrorCount returns the errors recorded since start
func (m *Monitor) ErrorCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorCount
}

// GetHealth classifies one process
func (m *Monitor) GetHealth(ctx context.Context, processName string) (*Report, error) {
	rec, err := m.store.GetProcess(ctx, processName)
	if err != nil {
		return nil, err
	}
	r := m.report(*rec)
	return &r, nil
}

// GetAllHealth classifies every known process
func (m *Monitor) GetAllHealth(ctx context.Context) ([]Report, error) {
	recs, err := m.store.ListProcesses(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]Report, 0, len(recs))
	for _, rec := range recs {
		reports = append(reports, m.report(rec))
	}
	return reports, nil
}

// ProcessName returns the name this monitor writes under
func (m *Monitor) ProcessName() string {
	return m.processName
}

func (m *Monitor) report(rec domain.ProcessRecord) Report {
	status := Classify(rec, m.now(), m.window, m.threshold)
	return Report{
		ProcessName:       rec.ProcessName,
		PID:               rec.PID,
		Healthy:           status == domain.ProcessStatusHealthy,
		Status:            status,
		LastHeartbeat:     rec.LastHeartbeatAt,
		Uptime:            rec.UptimeSeconds,
		Memory:            rec.MemoryMB,
		CPUUsage:          rec.CPUUsage,
		ActiveConnections: rec.ActiveConnections,
		ErrorCount:        rec.ErrorCount,
	}
}
