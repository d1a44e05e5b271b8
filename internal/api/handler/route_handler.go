package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	routing "github.com/cuongbtq/dispatch-core/internal/router"
	"github.com/gin-gonic/gin"
)

// InvalidateTenant handles DELETE /api/v1/routes/:tenant_id and
// DELETE /api/v1/routes/:tenant_id/:channel_index
func (h *RouteHandler) InvalidateTenant(c *gin.Context) {
	tenantID, err := strconv.ParseInt(c.Param("tenant_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "tenant_id must be an integer",
		})
		return
	}

	channelIndex := routing.AllChannels
	if raw := c.Param("channel_index"); raw != "" {
		channelIndex, err = strconv.Atoi(raw)
		if err != nil || channelIndex < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "channel_index must be a non-negative integer",
			})
			return
		}
	}

	h.router.Invalidate(tenantID, channelIndex)
	h.logger.Info("Route cache invalidated",
		slog.Int64("tenant_id", tenantID),
		slog.Int("channel_index", channelIndex),
	)

	c.JSON(http.StatusOK, gin.H{
		"invalidated":   true,
		"tenant_id":     tenantID,
		"channel_index": channelIndex,
	})
}

// InvalidateAll handles DELETE /api/v1/routes
func (h *RouteHandler) InvalidateAll(c *gin.Context) {
	h.router.InvalidateAll()
	h.logger.Info("Route cache cleared")

	c.JSON(http.StatusOK, gin.H{
		"invalidated": true,
	})
}
