package dto

import "encoding/json"

type CreateJobRequest struct {
	TenantID     *int64          `json:"tenant_id" binding:"required"`
	ChannelIndex int             `json:"channel_index" binding:"min=0"`
	Payload      json.RawMessage `json:"payload" binding:"required"`
	Priority     int             `json:"priority" binding:"min=0,max=9"`
	MaxAttempts  int             `json:"max_attempts" binding:"min=0,max=25"`
	// DelayMs is at most seven days
	DelayMs int64 `json:"delay_ms" binding:"min=0,max=604800000"`
}

type CreateJobResponse struct {
	JobID       string `json:"job_id"`
	ChannelType string `json:"channel_type"`
	Status      string `json:"status"`
}

type ListJobsRequest struct {
	TenantID    *int64 `form:"tenant_id"`
	ChannelType string `form:"channel_type"`
	Status      string `form:"status"`
	PageSize    int    `form:"page_size"`
	Cursor      string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID        string          `json:"job_id"`
	ChannelType  string          `json:"channel_type"`
	TenantID     int64           `json:"tenant_id"`
	ChannelIndex int             `json:"channel_index"`
	Owner        string          `json:"owner,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Status       string          `json:"status"`
	LastError    string          `json:"last_error,omitempty"`
	RunAt        string          `json:"run_at"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
	FinishedAt   string          `json:"finished_at,omitempty"`
}
