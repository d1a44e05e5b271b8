package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/dispatch-core/internal/domain"
	"github.com/cuongbtq/dispatch-core/internal/health"
	"github.com/cuongbtq/dispatch-core/internal/queue"
	routing "github.com/cuongbtq/dispatch-core/internal/router"
)

// JobRouter routes new jobs and evicts cached routes
type JobRouter interface {
	Route(ctx context.Context, req routing.JobRequest) (*domain.Job, error)
	Invalidate(tenantID int64, channelIndex int)
	InvalidateAll()
}

// JobReader reads job records
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter queue.JobFilter) ([]domain.Job, error)
}

// HealthReader classifies process health
type HealthReader interface {
	ProcessName() string
	GetHealth(ctx context.Context, processName string) (*health.Report, error)
	GetAllHealth(ctx context.Context) ([]health.Report, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Router JobRouter
	Jobs   JobReader
	Health HealthReader
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	router JobRouter
	jobs   JobReader
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		router: deps.Router,
		jobs:   deps.Jobs,
	}
}

// RouteHandler handles routing cache administration
type RouteHandler struct {
	logger *slog.Logger
	router JobRouter
}

// NewRouteHandler creates a new RouteHandler instance
func NewRouteHandler(deps *Dependencies) *RouteHandler {
	return &RouteHandler{
		logger: deps.Logger,
		router: deps.Router,
	}
}

// HealthHandler serves process health
type HealthHandler struct {
	logger *slog.Logger
	health HealthReader
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		logger: deps.Logger,
		health: deps.Health,
	}
}
