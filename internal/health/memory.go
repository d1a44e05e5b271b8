package health

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/dispatch-core/internal/domain"
)

// Event is a logged process event
type Event struct {
	ProcessName string
	EventType   string
	Payload     json.RawMessage
	Severity    domain.Severity
	CreatedAt   time.Time
}

// Metric is a recorded process metric
type Metric struct {
	ProcessName string
	MetricName  string
	Value       float64
	MetricType  string
	Metadata    json.RawMessage
	RecordedAt  time.Time
}

// MemoryStore is an in-process Store. Fail makes every call return err until cleared.
type MemoryStore struct {
	mu        sync.Mutex
	processes map[string]domain.ProcessRecord
	events    []Event
	metrics   []Metric
	failWith  error
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		processes: make(map[string]domain.ProcessRecord),
		now:       time.Now,
	}
}

// SetNow replaces the clock used to stamp heartbeats
func (s *MemoryStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Fail makes subsequent calls fail with err; nil restores normal operation
func (s *MemoryStore) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// Put stores a record as is, without stamping the heartbeat
func (s *MemoryStore) Put(rec domain.ProcessRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processes[rec.ProcessName] = rec
}

func (s *MemoryStore) UpdateProcessHealth(_ context.Context, rec *domain.ProcessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	r := *rec
	now := s.now()
	r.LastHeartbeatAt = &now
	s.processes[r.ProcessName] = r
	return nil
}

func (s *MemoryStore) LogProcessEvent(_ context.Context, processName, eventType string, payload json.RawMessage, severity domain.Severity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.events = append(s.events, Event{
		ProcessName: processName,
		EventType:   eventType,
		Payload:     payload,
		Severity:    severity,
		CreatedAt:   s.now(),
	})
	return nil
}

func (s *MemoryStore) RecordProcessMetric(_ context.Context, processName, metricName string, value float64, metricType string, metadata json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.metrics = append(s.metrics, Metric{
		ProcessName: processName,
		MetricName:  metricName,
		Value:       value,
		MetricType:  metricType,
		Metadata:    metadata,
		RecordedAt:  s.now(),
	})
	return nil
}

func (s *MemoryStore) GetProcess(_ context.Context, processName string) (*domain.ProcessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	rec, ok := s.processes[processName]
	if !ok {
		return nil, ErrProcessNotFound
	}
	rec = s.withAge(rec)
	return &rec, nil
}

func (s *MemoryStore) ListProcesses(_ context.Context) ([]domain.ProcessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	out := make([]domain.ProcessRecord, 0, len(s.processes))
	for _, rec := range s.processes {
		out = append(out, s.withAge(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessName < out[j].ProcessName })
	return out, nil
}

func (s *MemoryStore) PurgeHistory(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return 0, s.failWith
	}

	var n int64
	events := s.events[:0]
	for _, e := range s.events {
		if e.CreatedAt.Before(before) {
			n++
			continue
		}
		events = append(events, e)
	}
	s.events = events

	metrics := s.metrics[:0]
	for _, m := range s.metrics {
		if m.RecordedAt.Before(before) {
			n++
			continue
		}
		metrics = append(metrics, m)
	}
	s.metrics = metrics
	return n, nil
}

func (s *MemoryStore) withAge(rec domain.ProcessRecord) domain.ProcessRecord {
	if rec.LastHeartbeatAt != nil {
		age := s.now().Sub(*rec.LastHeartbeatAt).Seconds()
		rec.HeartbeatAgeSeconds = &age
	}
	return rec
}

// Events returns a copy of the logged events
func (s *MemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Metrics returns a copy of the recorded metrics
func (s *MemoryStore) Metrics() []Metric {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Metric(nil), s.metrics...)
}
