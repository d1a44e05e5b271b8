package domain

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a job inside its queue
type JobStatus string

// Job status constants
const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusDelayed   JobStatus = "delayed"
)

// IsTerminal reports whether no further attempt will be made
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is one unit of outbound-message work. Its queue is fixed at creation from ChannelType.
type Job struct {
	ID           string      `json:"job_id"`
	ChannelType  ChannelType `json:"channel_type"`
	TenantID     int64       `json:"tenant_id"`
	ChannelIndex int         `json:"channel_index"`
	// Owner is the process holding the channel connection; the job travels on its queue
	Owner       string          `json:"owner,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     BackoffPolicy   `json:"backoff"`
	Status      JobStatus       `json:"status"`
	LastError   string          `json:"last_error,omitempty"`
	WorkerID    string          `json:"worker_id,omitempty"`
	RunAt       time.Time       `json:"run_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// AttemptsLeft reports whether another attempt is allowed
func (j *Job) AttemptsLeft() bool {
	return j.Attempts < j.MaxAttempts
}

// Clone returns a deep copy safe to hand across goroutines
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
