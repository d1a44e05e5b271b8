package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/dispatch-core/internal/api/dto"
	"github.com/gin-gonic/gin"
)

// GetHealth handles GET /health
// Responds 200 only while this process classifies as healthy
func (h *HealthHandler) GetHealth(c *gin.Context) {
	name := h.health.ProcessName()

	report, err := h.health.GetHealth(c.Request.Context(), name)
	if err != nil {
		h.logger.Warn("Failed to read process health",
			slog.String("process_name", name),
			slog.Any("error", err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success":     false,
			"processName": name,
			"healthy":     false,
			"error":       err.Error(),
			"timestamp":   dto.NowMillis(),
		})
		return
	}

	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, dto.HealthResponse{
		Success:   true,
		Report:    *report,
		Timestamp: dto.NowMillis(),
	})
}

// GetAllHealth handles GET /health/all
// Responds 200 only when every known process is healthy
func (h *HealthHandler) GetAllHealth(c *gin.Context) {
	reports, err := h.health.GetAllHealth(c.Request.Context())
	if err != nil {
		h.logger.Warn("Failed to list process health", slog.Any("error", err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success":   false,
			"error":     err.Error(),
			"timestamp": dto.NowMillis(),
		})
		return
	}

	status := http.StatusOK
	for _, r := range reports {
		if !r.Healthy {
			status = http.StatusServiceUnavailable
			break
		}
	}
	c.JSON(status, dto.AllHealthResponse{
		Success:   true,
		Processes: reports,
		Timestamp: dto.NowMillis(),
	})
}
