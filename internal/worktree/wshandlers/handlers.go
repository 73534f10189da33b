// Package wshandlers provides WebSocket message handlers for worktree operations.
package wshandlers

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/chorus-dev/chorus/internal/common/logger"
	"github.com/chorus-dev/chorus/internal/github"
	"github.com/chorus-dev/chorus/internal/worktree"
	ws "github.com/chorus-dev/chorus/pkg/websocket"
)

// Handlers contains WebSocket handlers for the worktree API
type Handlers struct {
	manager *worktree.Manager
	logger  *logger.Logger
}

// NewHandlers creates a new WebSocket handlers instance
func NewHandlers(manager *worktree.Manager, log *logger.Logger) *Handlers {
	return &Handlers{
		manager: manager,
		logger:  log.WithFields(zap.String("component", "worktree-ws-handlers")),
	}
}

// RegisterHandlers registers all worktree handlers with the dispatcher
func (h *Handlers) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionWorktreeList, h.ListWorktrees)
	d.RegisterFunc(ws.ActionWorktreeChanges, h.GetChanges)
	d.RegisterFunc(ws.ActionWorktreeDiff, h.GetFileDiff)
	d.RegisterFunc(ws.ActionWorktreeMerge, h.Merge)
	d.RegisterFunc(ws.ActionWorktreeAbandon, h.Abandon)
	d.RegisterFunc(ws.ActionWorktreeCreatePR, h.CreatePullRequest)
}

// ListWorktreesRequest is the payload for worktree.list
type ListWorktreesRequest struct {
	WorkspaceID string `json:"workspace_id,omitempty"`
}

// ListWorktreesResponse is the response for worktree.list
type ListWorktreesResponse struct {
	Worktrees []*worktree.Worktree `json:"worktrees"`
	Total     int                  `json:"total"`
}

// ListWorktrees handles worktree.list
func (h *Handlers) ListWorktrees(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ListWorktreesRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}

	worktrees, err := h.manager.List(ctx, req.WorkspaceID)
	if err != nil {
		h.logger.Error("failed to list worktrees", zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to list worktrees", nil)
	}

	return ws.NewResponse(msg.ID, msg.Action, ListWorktreesResponse{
		Worktrees: worktrees,
		Total:     len(worktrees),
	})
}

// WorktreeIDRequest is the payload for actions keyed by worktree id
type WorktreeIDRequest struct {
	WorktreeID string `json:"worktree_id"`
}

// ChangesResponse is the response for worktree.changes
type ChangesResponse struct {
	WorktreeID string                `json:"worktree_id"`
	Files      []worktree.FileChange `json:"files"`
	Stats      *worktree.ChangeStats `json:"stats,omitempty"`
}

// GetChanges handles worktree.changes: lists changed files relative to
// the base branch, with aggregate stats.
func (h *Handlers) GetChanges(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req WorktreeIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.WorktreeID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "worktree_id is required", nil)
	}

	files, err := h.manager.Changes(ctx, req.WorktreeID)
	if err != nil {
		return h.worktreeError(msg, err, "Failed to compute changes")
	}

	// Stats are best effort, the file list is still useful without them
	stats, err := h.manager.ChangeStats(ctx, req.WorktreeID)
	if err != nil {
		h.logger.Warn("failed to compute change stats",
			zap.String("worktree_id", req.WorktreeID),
			zap.Error(err))
	}

	return ws.NewResponse(msg.ID, msg.Action, ChangesResponse{
		WorktreeID: req.WorktreeID,
		Files:      files,
		Stats:      stats,
	})
}

// FileDiffRequest is the payload for worktree.diff
type FileDiffRequest struct {
	WorktreeID string `json:"worktree_id"`
	Path       string `json:"path"`
}

// FileDiffResponse is the response for worktree.diff
type FileDiffResponse struct {
	WorktreeID string `json:"worktree_id"`
	Path       string `json:"path"`
	Diff       string `json:"diff"`
}

// GetFileDiff handles worktree.diff: returns the unified diff of one file
// against the base branch.
func (h *Handlers) GetFileDiff(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req FileDiffRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.WorktreeID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "worktree_id is required", nil)
	}
	if req.Path == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "path is required", nil)
	}

	diff, err := h.manager.FileDiff(ctx, req.WorktreeID, req.Path)
	if err != nil {
		return h.worktreeError(msg, err, "Failed to compute diff")
	}

	return ws.NewResponse(msg.ID, msg.Action, FileDiffResponse{
		WorktreeID: req.WorktreeID,
		Path:       req.Path,
		Diff:       diff,
	})
}

// Merge handles worktree.merge: commits outstanding work and merges the
// worktree branch into the base branch of the origin repository.
func (h *Handlers) Merge(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req WorktreeIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.WorktreeID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "worktree_id is required", nil)
	}

	wt, err := h.manager.Merge(ctx, req.WorktreeID)
	if err != nil {
		return h.worktreeError(msg, err, "Failed to merge worktree")
	}

	return ws.NewResponse(msg.ID, msg.Action, wt)
}

// Abandon handles worktree.abandon: discards the worktree and its branch.
func (h *Handlers) Abandon(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req WorktreeIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.WorktreeID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "worktree_id is required", nil)
	}

	wt, err := h.manager.Abandon(ctx, req.WorktreeID)
	if err != nil {
		return h.worktreeError(msg, err, "Failed to abandon worktree")
	}

	return ws.NewResponse(msg.ID, msg.Action, wt)
}

// CreatePRRequest is the payload for worktree.createPR
type CreatePRRequest struct {
	WorktreeID string `json:"worktree_id"`
	Title      string `json:"title"`
	Body       string `json:"body,omitempty"`
}

// CreatePullRequest handles worktree.createPR: pushes the branch and
// opens a pull request through the gh CLI.
func (h *Handlers) CreatePullRequest(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req CreatePRRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.WorktreeID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "worktree_id is required", nil)
	}
	if req.Title == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "title is required", nil)
	}

	wt, err := h.manager.CreatePullRequest(ctx, req.WorktreeID, req.Title, req.Body)
	if err != nil {
		if errors.Is(err, github.ErrUnavailable) {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "GitHub CLI is not available", nil)
		}
		return h.worktreeError(msg, err, "Failed to create pull request")
	}

	return ws.NewResponse(msg.ID, msg.Action, wt)
}

// worktreeError maps worktree errors to WebSocket error responses.
func (h *Handlers) worktreeError(msg *ws.Message, err error, fallback string) (*ws.Message, error) {
	switch {
	case errors.Is(err, worktree.ErrWorktreeNotFound):
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Worktree not found", nil)
	case errors.Is(err, worktree.ErrInvalidTransition), errors.Is(err, worktree.ErrNotMergeable):
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeConflict, err.Error(), nil)
	default:
		h.logger.Error(fallback, zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, fallback, nil)
	}
}
