package worktree

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chorus-dev/chorus/internal/github"
)

// Handlers exposes worktree inspection and lifecycle operations over HTTP.
// The WebSocket gateway carries the same operations for interactive clients,
// this surface exists for scripting and CI.
type Handlers struct {
	manager *Manager
}

// NewHandlers creates worktree HTTP handlers.
func NewHandlers(manager *Manager) *Handlers {
	return &Handlers{manager: manager}
}

// RegisterRoutes mounts the worktree routes on the given router group.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	wt := rg.Group("/worktrees")
	{
		wt.GET("", h.list)
		wt.GET("/:id", h.get)
		wt.GET("/:id/changes", h.changes)
		wt.GET("/:id/diff", h.diff)
		wt.POST("/:id/merge", h.merge)
		wt.POST("/:id/abandon", h.abandon)
		wt.POST("/:id/pr", h.createPR)
		wt.POST("/:id/cleanup", h.cleanupOne)
		wt.POST("/cleanup", h.cleanup)
	}
}

func (h *Handlers) list(c *gin.Context) {
	worktrees, err := h.manager.List(c.Request.Context(), c.Query("workspace_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"worktrees": worktrees})
}

func (h *Handlers) get(c *gin.Context) {
	wt, err := h.manager.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, wt)
}

func (h *Handlers) changes(c *gin.Context) {
	id := c.Param("id")
	files, err := h.manager.Changes(c.Request.Context(), id)
	if err != nil {
		h.renderError(c, err)
		return
	}

	resp := gin.H{"worktree_id": id, "files": files}
	if stats, err := h.manager.ChangeStats(c.Request.Context(), id); err == nil {
		resp["stats"] = stats
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) diff(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path query parameter is required"})
		return
	}

	diff, err := h.manager.FileDiff(c.Request.Context(), c.Param("id"), path)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"worktree_id": c.Param("id"), "path": path, "diff": diff})
}

func (h *Handlers) merge(c *gin.Context) {
	wt, err := h.manager.Merge(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, wt)
}

func (h *Handlers) abandon(c *gin.Context) {
	wt, err := h.manager.Abandon(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, wt)
}

type createPRRequest struct {
	Title string `json:"title" binding:"required"`
	Body  string `json:"body"`
}

func (h *Handlers) createPR(c *gin.Context) {
	var req createPRRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wt, err := h.manager.CreatePullRequest(c.Request.Context(), c.Param("id"), req.Title, req.Body)
	if err != nil {
		if errors.Is(err, github.ErrUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, wt)
}

func (h *Handlers) cleanupOne(c *gin.Context) {
	wt, err := h.manager.CleanupWorktree(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, wt)
}

func (h *Handlers) cleanup(c *gin.Context) {
	if err := h.manager.Cleanup(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleaned"})
}

func (h *Handlers) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrWorktreeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNotMergeable), errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
