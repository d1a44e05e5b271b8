package router

import (
	"github.com/cuongbtq/dispatch-core/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := newEngine(deps)
	registerHealth(r, deps)

	jobHandler := handler.NewJobHandler(deps)
	routeHandler := handler.NewRouteHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Route and enqueue a job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)
		}

		routes := v1.Group("/routes")
		{
			// DELETE /api/v1/routes - Clear the routing cache
			routes.DELETE("", routeHandler.InvalidateAll)

			// DELETE /api/v1/routes/:tenant_id - Evict every channel of a tenant
			routes.DELETE("/:tenant_id", routeHandler.InvalidateTenant)

			// DELETE /api/v1/routes/:tenant_id/:channel_index - Evict one channel
			routes.DELETE("/:tenant_id/:channel_index", routeHandler.InvalidateTenant)
		}
	}

	return r
}

// SetupHealthRouter serves only the health endpoints, for processes without the job API
func SetupHealthRouter(deps *handler.Dependencies) *gin.Engine {
	r := newEngine(deps)
	registerHealth(r, deps)
	return r
}

func newEngine(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	return r
}

func registerHealth(r *gin.Engine, deps *handler.Dependencies) {
	healthHandler := handler.NewHealthHandler(deps)
	r.GET("/health", healthHandler.GetHealth)
	r.GET("/health/all", healthHandler.GetAllHealth)
}
