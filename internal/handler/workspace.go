package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fslongjin/agentboxd/internal/service"
)

type WorkspaceHandler struct {
	ctrl *service.CodeAgentController
}

func NewWorkspaceHandler(ctrl *service.CodeAgentController) *WorkspaceHandler {
	return &WorkspaceHandler{ctrl: ctrl}
}

func (h *WorkspaceHandler) RegisterRoutes(r *gin.RouterGroup) {
	workspaces := r.Group("/workspaces")
	{
		workspaces.GET("", h.List)
		workspaces.GET("/:id", h.Get)
	}
}

func (h *WorkspaceHandler) Get(c *gin.Context) {
	rec, err := h.ctrl.GetWorkspace(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *WorkspaceHandler) List(c *gin.Context) {
	items, err := h.ctrl.ListWorkspaces(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}
