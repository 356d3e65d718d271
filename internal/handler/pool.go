package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fslongjin/agentboxd/internal/service"
	"github.com/fslongjin/agentboxd/pkg/model"
)

type PoolHandler struct {
	pools   *service.PoolManager
	configs []model.PoolConfig
}

func NewPoolHandler(pools *service.PoolManager, configs []model.PoolConfig) *PoolHandler {
	return &PoolHandler{pools: pools, configs: configs}
}

func (h *PoolHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/pools", h.Get)
}

// Get reports the configured pools and the most recent reconcile run, which
// is null until the first pass starts.
func (h *PoolHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pools":   h.configs,
		"lastRun": h.pools.LastRun(),
	})
}
