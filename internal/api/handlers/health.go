package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const serviceName = "provisio"

// Version is stamped at build time via -ldflags.
var Version = "dev"

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": serviceName,
		"version": Version,
		"time":    time.Now().Unix(),
	})
}

// Ready reports readiness to take provisioning traffic: the platform
// database must be reachable.
func (h *Handler) Ready(c *gin.Context) {
	if err := h.repo.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"service": serviceName,
			"error":   "database connection failed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ready",
		"service": serviceName,
		"version": Version,
		"time":    time.Now().Unix(),
	})
}
