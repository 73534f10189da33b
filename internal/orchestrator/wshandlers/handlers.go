// Package wshandlers provides WebSocket message handlers for session operations.
package wshandlers

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/chorus-dev/chorus/internal/common/logger"
	"github.com/chorus-dev/chorus/internal/orchestrator"
	"github.com/chorus-dev/chorus/internal/runner"
	"github.com/chorus-dev/chorus/internal/session/models"
	"github.com/chorus-dev/chorus/internal/session/repository"
	ws "github.com/chorus-dev/chorus/pkg/websocket"
)

// Handlers contains WebSocket handlers for the session API
type Handlers struct {
	service *orchestrator.Service
	logger  *logger.Logger
}

// NewHandlers creates a new WebSocket handlers instance
func NewHandlers(svc *orchestrator.Service, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "session-ws-handlers")),
	}
}

// RegisterHandlers registers all session handlers with the dispatcher
func (h *Handlers) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionSessionStart, h.StartSession)
	d.RegisterFunc(ws.ActionSessionContinue, h.ContinueSession)
	d.RegisterFunc(ws.ActionSessionStop, h.StopSession)
	d.RegisterFunc(ws.ActionSessionDelete, h.DeleteSession)
	d.RegisterFunc(ws.ActionSessionList, h.ListSessions)
	d.RegisterFunc(ws.ActionSessionHistory, h.GetSessionHistory)
	d.RegisterFunc(ws.ActionPermissionResponse, h.RespondToPermission)
}

// StartSessionRequest is the payload for session.start
type StartSessionRequest struct {
	Title       string `json:"title"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	Cwd         string `json:"cwd,omitempty"`
	Prompt      string `json:"prompt"`
}

// StartSession handles session.start: creates a session (provisioning a
// worktree when a workspace is given) and launches its first run.
func (h *Handlers) StartSession(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req StartSessionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}

	if req.Prompt == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "prompt is required", nil)
	}
	if req.WorkspaceID == "" && req.Cwd == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "workspace_id or cwd is required", nil)
	}

	session, err := h.service.CreateSession(ctx, req.Title, req.WorkspaceID, req.Cwd)
	if err != nil {
		h.logger.Error("failed to create session", zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to create session", nil)
	}

	session, err = h.service.StartSession(ctx, session.ID, req.Prompt)
	if err != nil {
		h.logger.Error("failed to start session", zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to start session", nil)
	}

	return ws.NewResponse(msg.ID, msg.Action, session)
}

// ContinueSessionRequest is the payload for session.continue
type ContinueSessionRequest struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
}

// ContinueSession handles session.continue: sends a follow-up prompt,
// resuming the engine conversation from the previous run.
func (h *Handlers) ContinueSession(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ContinueSessionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}

	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
	}
	if req.Prompt == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "prompt is required", nil)
	}

	session, err := h.service.StartSession(ctx, req.SessionID, req.Prompt)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSessionNotFound):
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Session not found", nil)
		case errors.Is(err, orchestrator.ErrSessionRunning):
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeConflict, "Session already has an active run", nil)
		default:
			h.logger.Error("failed to continue session", zap.Error(err))
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to continue session", nil)
		}
	}

	return ws.NewResponse(msg.ID, msg.Action, session)
}

// SessionIDRequest is the payload for actions keyed by session id
type SessionIDRequest struct {
	SessionID string `json:"session_id"`
}

// StopSession handles session.stop
func (h *Handlers) StopSession(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req SessionIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
	}

	if err := h.service.StopSession(ctx, req.SessionID); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Session not found", nil)
		}
		h.logger.Error("failed to stop session", zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to stop session", nil)
	}

	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"session_id": req.SessionID,
		"stopped":    true,
	})
}

// DeleteSession handles session.delete
func (h *Handlers) DeleteSession(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req SessionIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
	}

	if err := h.service.DeleteSession(ctx, req.SessionID); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Session not found", nil)
		}
		h.logger.Error("failed to delete session", zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to delete session", nil)
	}

	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"session_id": req.SessionID,
		"deleted":    true,
	})
}

// ListSessionsResponse is the response for session.list
type ListSessionsResponse struct {
	Sessions []*models.Session `json:"sessions"`
	Total    int               `json:"total"`
}

// ListSessions handles session.list
func (h *Handlers) ListSessions(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	sessions, err := h.service.ListSessions(ctx)
	if err != nil {
		h.logger.Error("failed to list sessions", zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to list sessions", nil)
	}

	return ws.NewResponse(msg.ID, msg.Action, ListSessionsResponse{
		Sessions: sessions,
		Total:    len(sessions),
	})
}

// SessionHistoryResponse is the response for session.history
type SessionHistoryResponse struct {
	SessionID string            `json:"session_id"`
	Messages  []*models.Message `json:"messages"`
	Total     int               `json:"total"`
}

// GetSessionHistory handles session.history: returns the transcript in
// sequence order.
func (h *Handlers) GetSessionHistory(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req SessionIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
	}

	messages, err := h.service.GetSessionHistory(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Session not found", nil)
		}
		h.logger.Error("failed to load history", zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to load history", nil)
	}

	return ws.NewResponse(msg.ID, msg.Action, SessionHistoryResponse{
		SessionID: req.SessionID,
		Messages:  messages,
		Total:     len(messages),
	})
}

// PermissionResponseRequest is the payload for permission.response
type PermissionResponseRequest struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Allow     bool   `json:"allow"`
}

// RespondToPermission handles permission.response: answers a pending tool
// permission request from the engine.
func (h *Handlers) RespondToPermission(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req PermissionResponseRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
	}
	if req.RequestID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "request_id is required", nil)
	}

	if err := h.service.ResolvePermission(req.SessionID, req.RequestID, req.Allow); err != nil {
		switch {
		case errors.Is(err, runner.ErrNoActiveRun):
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "No active run for session", nil)
		case errors.Is(err, runner.ErrUnknownPermission):
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Unknown permission request", nil)
		default:
			h.logger.Error("failed to resolve permission", zap.Error(err))
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to resolve permission", nil)
		}
	}

	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"session_id": req.SessionID,
		"request_id": req.RequestID,
		"allow":      req.Allow,
	})
}
