package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fslongjin/agentboxd/internal/service"
)

// BoxHandler serves read-only box state so callers can poll boxes that are
// still provisioning.
type BoxHandler struct {
	svc *service.AllocatorService
}

func NewBoxHandler(svc *service.AllocatorService) *BoxHandler {
	return &BoxHandler{svc: svc}
}

func (h *BoxHandler) RegisterRoutes(r *gin.RouterGroup) {
	boxes := r.Group("/boxes")
	{
		boxes.GET("", h.List)
		boxes.GET("/:id", h.Get)
	}
}

func (h *BoxHandler) Get(c *gin.Context) {
	box, err := h.svc.GetBox(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, box)
}

func (h *BoxHandler) List(c *gin.Context) {
	boxes, err := h.svc.ListBoxes(c.Request.Context(), c.Query("repoUrl"), c.Query("branch"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": boxes})
}
