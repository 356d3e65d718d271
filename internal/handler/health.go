package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fslongjin/agentboxd/internal/lifecycle"
)

const (
	healthPath    = "/health"
	readinessPath = "/readyz"
)

// HealthPaths are polled by the orchestrator and kept out of info logs.
func HealthPaths() []string { return []string{healthPath, readinessPath} }

func RegisterHealthRoutes(r gin.IRoutes, drain *lifecycle.DrainManager) {
	r.GET(healthPath, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET(readinessPath, func(c *gin.Context) {
		if drain.IsDraining() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// DrainGuard rejects everything except health probes once draining starts.
func DrainGuard(drain *lifecycle.DrainManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if drain.IsDraining() && path != healthPath && path != readinessPath {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service is draining"})
			return
		}
		c.Next()
	}
}
