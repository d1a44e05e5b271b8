package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/dispatch-core/internal/domain"
)

// MemoryJobStore keeps job records in process memory
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
	now  func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]*domain.Job),
		now:  time.Now,
	}
}

func (s *MemoryJobStore) CreateJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryJobStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryJobStore) ClaimJob(_ context.Context, jobID, workerID string, reclaim bool, dueBy time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}

	switch {
	case job.Status == domain.JobStatusWaiting, job.Status == domain.JobStatusDelayed:
		if job.RunAt.After(dueBy) {
			return job.Clone(), ErrJobNotDue
		}
	case reclaim && job.Status == domain.JobStatusActive:
	default:
		return nil, domain.ErrJobAlreadyClaimed
	}

	job.Status = domain.JobStatusActive
	job.Attempts++
	job.WorkerID = workerID
	job.UpdatedAt = s.now()
	return job.Clone(), nil
}

func (s *MemoryJobStore) MarkCompleted(_ context.Context, jobID string) error {
	return s.update(jobID, func(job *domain.Job, now time.Time) {
		job.Status = domain.JobStatusCompleted
		job.FinishedAt = &now
	})
}

func (s *MemoryJobStore) MarkDelayed(_ context.Context, jobID string, runAt time.Time, lastError string) error {
	return s.update(jobID, func(job *domain.Job, _ time.Time) {
		job.Status = domain.JobStatusDelayed
		job.RunAt = runAt
		job.LastError = lastError
	})
}

func (s *MemoryJobStore) MarkFailed(_ context.Context, jobID string, lastError string) error {
	return s.update(jobID, func(job *domain.Job, now time.Time) {
		job.Status = domain.JobStatusFailed
		job.LastError = lastError
		job.FinishedAt = &now
	})
}

func (s *MemoryJobStore) ReleaseJob(_ context.Context, jobID string, runAt time.Time, lastError string) error {
	return s.update(jobID, func(job *domain.Job, _ time.Time) {
		job.Status = domain.JobStatusDelayed
		job.RunAt = runAt
		job.LastError = lastError
		if job.Attempts > 0 {
			job.Attempts--
		}
	})
}

func (s *MemoryJobStore) TakeOverdue(_ context.Context, ct domain.ChannelType, owner string, before time.Time, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Job
	for _, job := range s.jobs {
		if job.ChannelType != ct || job.Owner != owner {
			continue
		}
		if job.Status != domain.JobStatusWaiting && job.Status != domain.JobStatusDelayed {
			continue
		}
		if job.RunAt.Before(before) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	now := s.now()
	jobs := make([]domain.Job, len(out))
	for i, job := range out {
		job.RunAt = now
		job.UpdatedAt = now
		jobs[i] = *job.Clone()
	}
	return jobs, nil
}

func (s *MemoryJobStore) update(jobID string, fn func(job *domain.Job, now time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	now := s.now()
	fn(job, now)
	job.UpdatedAt = now
	return nil
}

func (s *MemoryJobStore) ListJobs(_ context.Context, filter JobFilter) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Job
	for _, job := range s.jobs {
		if filter.TenantID != nil && job.TenantID != *filter.TenantID {
			continue
		}
		if filter.ChannelType != "" && string(job.ChannelType) != filter.ChannelType {
			continue
		}
		if filter.Status != "" && string(job.Status) != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil {
			if job.CreatedAt.After(c.CreatedAt) || (job.CreatedAt.Equal(c.CreatedAt) && job.ID >= c.JobID) {
				continue
			}
		}
		out = append(out, *job.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if filter.PageSize > 0 && len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}
	return out, nil
}

func (s *MemoryJobStore) PurgeTerminal(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, job := range s.jobs {
		if job.Status.IsTerminal() && job.FinishedAt != nil && job.FinishedAt.Before(before) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}
