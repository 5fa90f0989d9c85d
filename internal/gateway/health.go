package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"blogmesh/pkg/health"
)

// Health reports the gateway's own dependencies.
func (h *Handler) Health(c *gin.Context) {
	if h.Checks == nil {
		c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy})
		return
	}
	result := h.Checks.Check(c.Request.Context())
	c.JSON(statusCode(result.Status), result)
}

// ServicesHealth probes every registered service through the proxy.
func (h *Handler) ServicesHealth(c *gin.Context) {
	report := h.Aggregator.CheckAll(c.Request.Context())
	c.JSON(statusCode(report.Overall), report)
}

func statusCode(s health.Status) int {
	if s == health.StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
