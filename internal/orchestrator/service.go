// Package orchestrator coordinates session lifecycle: creation with an
// isolated worktree, run execution through the runner, transcript
// persistence, and event publication.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/chorus-dev/chorus/internal/common/logger"
	"github.com/chorus-dev/chorus/internal/events"
	"github.com/chorus-dev/chorus/internal/events/bus"
	"github.com/chorus-dev/chorus/internal/runner"
	"github.com/chorus-dev/chorus/internal/session/models"
	"github.com/chorus-dev/chorus/internal/session/repository"
	"github.com/chorus-dev/chorus/internal/worktree"
	"github.com/chorus-dev/chorus/pkg/engine"
)

const eventSource = "orchestrator"

// ErrSessionRunning is returned when an operation needs an idle session.
var ErrSessionRunning = errors.New("session has an active run")

// WorktreeManager is the subset of worktree operations the orchestrator uses.
type WorktreeManager interface {
	CreateForSession(ctx context.Context, req worktree.CreateRequest) (*worktree.Worktree, error)
	OnSessionDeleted(ctx context.Context, sessionID string) error
}

// Service orchestrates sessions end to end.
type Service struct {
	repo       repository.Repository
	supervisor *runner.Supervisor
	worktrees  WorktreeManager // nil disables worktree provisioning
	bus        bus.EventBus
	logger     *logger.Logger
}

// NewService creates a session orchestrator.
func NewService(repo repository.Repository, supervisor *runner.Supervisor, worktrees WorktreeManager, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		repo:       repo,
		supervisor: supervisor,
		worktrees:  worktrees,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "orchestrator")),
	}
}

// CreateSession creates a session and, when a workspace is given,
// provisions an isolated worktree for it. Worktree provisioning failure
// is not fatal: the session falls back to running in cwd.
func (s *Service) CreateSession(ctx context.Context, title, workspaceID, cwd string) (*models.Session, error) {
	session := &models.Session{
		Title:       title,
		Status:      models.StatusIdle,
		Cwd:         cwd,
		WorkspaceID: workspaceID,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	log := s.logger.WithSessionID(session.ID)

	if workspaceID != "" && s.worktrees != nil {
		wt, err := s.worktrees.CreateForSession(ctx, worktree.CreateRequest{
			SessionID:   session.ID,
			WorkspaceID: workspaceID,
			Title:       title,
		})
		if err != nil {
			log.Warn("worktree provisioning failed, session will run in cwd",
				zap.Error(err))
		} else {
			session.WorktreeID = wt.ID
			session.Cwd = wt.Path
			if err := s.repo.UpdateSession(ctx, session); err != nil {
				return nil, fmt.Errorf("failed to attach worktree: %w", err)
			}
			s.publish(ctx, events.BuildWorktreeSubject(events.WorktreeCreated, wt.ID),
				events.WorktreeCreated, map[string]interface{}{
					"worktree":   wt,
					"session_id": session.ID,
				})
		}
	}

	log.Info("session created", zap.String("workspace_id", workspaceID))
	return session, nil
}

// StartSession records the prompt and launches a run for the session.
// If the session has an engine session id from a previous run, the run
// resumes that conversation. Returns ErrSessionRunning if a run is
// already in flight.
func (s *Service) StartSession(ctx context.Context, sessionID, prompt string) (*models.Session, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if s.supervisor.IsRunning(sessionID) {
		return nil, fmt.Errorf("%w: %s", ErrSessionRunning, sessionID)
	}

	// Record the prompt in the transcript before anything the engine emits
	promptMsg := &models.Message{
		SessionID: sessionID,
		Kind:      models.KindUserPrompt,
		Content:   prompt,
	}
	if err := s.repo.AppendMessage(ctx, promptMsg); err != nil {
		return nil, fmt.Errorf("failed to record prompt: %w", err)
	}
	s.publish(ctx, events.BuildUserPromptSubject(sessionID), events.StreamUserPrompt,
		map[string]interface{}{
			"session_id": sessionID,
			"message":    promptMsg,
		})

	session.LastPrompt = prompt
	session.Status = models.StatusRunning
	if err := s.repo.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	s.publishStatus(ctx, session)

	go s.executeRun(runner.Request{
		SessionID:   sessionID,
		Prompt:      prompt,
		Cwd:         session.Cwd,
		ResumeToken: session.EngineSessionID,
	})

	return session, nil
}

// executeRun drives one run to completion and persists the terminal state.
// Callbacks persist each message before publishing it, so the transcript
// and the live stream observe the same order.
func (s *Service) executeRun(req runner.Request) {
	ctx := context.Background()
	log := s.logger.WithSessionID(req.SessionID)

	outcome, err := s.supervisor.Run(ctx, req, runner.Callbacks{
		OnMessage: func(msg *engine.CLIMessage) {
			record := &models.Message{
				SessionID: req.SessionID,
				Kind:      models.KindEngine,
				Content:   string(msg.RawContent),
			}
			if err := s.repo.AppendMessage(ctx, record); err != nil {
				log.Error("failed to persist engine message", zap.Error(err))
			}
			s.publish(ctx, events.BuildStreamMessageSubject(req.SessionID), events.StreamMessage,
				map[string]interface{}{
					"session_id": req.SessionID,
					"message":    record,
				})
		},
		OnEngineSession: func(engineSessionID string) {
			session, err := s.repo.GetSession(ctx, req.SessionID)
			if err != nil {
				log.Error("failed to load session for engine id", zap.Error(err))
				return
			}
			session.EngineSessionID = engineSessionID
			if err := s.repo.UpdateSession(ctx, session); err != nil {
				log.Error("failed to store engine session id", zap.Error(err))
			}
		},
		OnPermission: func(permReq *runner.PermissionRequest) {
			s.publish(ctx, events.BuildPermissionRequestSubject(req.SessionID), events.PermissionRequested,
				map[string]interface{}{
					"session_id": req.SessionID,
					"request":    permReq,
				})
		},
	})

	session, loadErr := s.repo.GetSession(ctx, req.SessionID)
	if loadErr != nil {
		// Session deleted mid-run, nothing left to update
		log.Debug("session gone after run", zap.Error(loadErr))
		return
	}

	switch {
	case err != nil:
		session.Status = models.StatusError
		s.publish(ctx, events.BuildRunnerErrorSubject(req.SessionID), events.RunnerError,
			map[string]interface{}{
				"session_id": req.SessionID,
				"error":      err.Error(),
			})
	case outcome.Aborted:
		// A stopped run is not a failure
		session.Status = models.StatusIdle
	case outcome.IsError:
		session.Status = models.StatusError
	default:
		session.Status = models.StatusCompleted
	}

	if err := s.repo.UpdateSession(ctx, session); err != nil {
		log.Error("failed to persist terminal status", zap.Error(err))
		return
	}
	s.publishStatus(ctx, session)
}

// StopSession aborts a session's active run. Stopping a session with no
// run in flight is a no-op.
func (s *Service) StopSession(ctx context.Context, sessionID string) error {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return err
	}
	s.supervisor.Abort(sessionID)
	return nil
}

// DeleteSession removes a session, its transcript, and its worktree.
// An active run is aborted first.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return err
	}

	s.supervisor.Abort(sessionID)

	if s.worktrees != nil {
		if err := s.worktrees.OnSessionDeleted(ctx, sessionID); err != nil {
			s.logger.WithSessionID(sessionID).Warn("worktree cleanup failed", zap.Error(err))
		}
	}

	if err := s.repo.DeleteMessages(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if err := s.repo.DeleteSession(ctx, sessionID); err != nil {
		return err
	}

	s.publish(ctx, events.SessionDeleted+"."+sessionID, events.SessionDeleted,
		map[string]interface{}{"session_id": sessionID})

	s.logger.WithSessionID(sessionID).Info("session deleted")
	return nil
}

// GetSession returns a session by ID.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.repo.GetSession(ctx, sessionID)
}

// ListSessions returns all sessions.
func (s *Service) ListSessions(ctx context.Context) ([]*models.Session, error) {
	return s.repo.ListSessions(ctx)
}

// GetSessionHistory returns a session's transcript in sequence order.
func (s *Service) GetSessionHistory(ctx context.Context, sessionID string) ([]*models.Message, error) {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, sessionID)
}

// ResolvePermission answers a pending tool permission request.
func (s *Service) ResolvePermission(sessionID, requestID string, allow bool) error {
	decision := runner.DecisionDeny
	if allow {
		decision = runner.DecisionAllow
	}
	return s.supervisor.ResolvePermission(sessionID, requestID, decision)
}

// publishStatus publishes a session status event.
func (s *Service) publishStatus(ctx context.Context, session *models.Session) {
	s.publish(ctx, events.BuildSessionStatusSubject(session.ID), events.SessionStatusChanged,
		map[string]interface{}{
			"session_id": session.ID,
			"status":     string(session.Status),
		})
}

func (s *Service) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, eventSource, data)
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
