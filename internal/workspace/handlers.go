package workspace

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handlers exposes workspace CRUD over HTTP.
type Handlers struct {
	service *Service
}

// NewHandlers creates workspace HTTP handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes mounts the workspace routes on the given router group.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	ws := rg.Group("/workspaces")
	{
		ws.POST("", h.create)
		ws.GET("", h.list)
		ws.GET("/:id", h.get)
		ws.PUT("/:id", h.update)
		ws.DELETE("/:id", h.delete)
		ws.POST("/:id/sync", h.sync)
	}
}

type createWorkspaceRequest struct {
	Name          string `json:"name"`
	LocalPath     string `json:"local_path" binding:"required"`
	DefaultBranch string `json:"default_branch"`
}

type updateWorkspaceRequest struct {
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
}

func (h *Handlers) create(c *gin.Context) {
	var req createWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ws, err := h.service.Create(c.Request.Context(), req.Name, req.LocalPath, req.DefaultBranch)
	if err != nil {
		if errors.Is(err, ErrInvalidPath) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, ws)
}

func (h *Handlers) list(c *gin.Context) {
	workspaces, err := h.service.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": workspaces})
}

func (h *Handlers) get(c *gin.Context) {
	ws, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrWorkspaceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ws)
}

func (h *Handlers) update(c *gin.Context) {
	var req updateWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ws, err := h.service.Update(c.Request.Context(), c.Param("id"), req.Name, req.DefaultBranch)
	if err != nil {
		if errors.Is(err, ErrWorkspaceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ws)
}

func (h *Handlers) delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrWorkspaceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) sync(c *gin.Context) {
	if err := h.service.Sync(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrWorkspaceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "synced"})
}
