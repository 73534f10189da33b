// Package runner supervises agent engine runs. One run at a time per
// session: the supervisor launches the engine process, relays its stream,
// gates tool permissions, and reports the terminal outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/chorus-dev/chorus/internal/common/logger"
	"github.com/chorus-dev/chorus/pkg/engine"
)

// Sentinel errors returned by the supervisor.
var (
	ErrRunActive         = errors.New("session already has an active run")
	ErrNoActiveRun       = errors.New("session has no active run")
	ErrUnknownPermission = errors.New("no pending permission request with that id")
)

// Decision is the resolution of a permission request.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Request describes one run to execute.
type Request struct {
	SessionID   string
	Prompt      string
	Cwd         string
	ResumeToken string
}

// PermissionRequest is surfaced when the engine asks to use a tool that
// is not auto-approved. Callers resolve it via ResolvePermission using
// the RequestID.
type PermissionRequest struct {
	SessionID string         `json:"session_id"`
	RequestID string         `json:"request_id"`
	ToolName  string         `json:"tool_name"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
}

// Outcome is the terminal state of a run.
type Outcome struct {
	// Aborted is true when the run was stopped via Abort. Aborted runs
	// are never reported as errors.
	Aborted bool

	// IsError is true when the engine reported a failed result.
	IsError bool

	// ResultText is the engine's final result or error text, if any.
	ResultText string

	// EngineSessionID is the engine-side session id observed during the
	// run, empty if the engine never reported one.
	EngineSessionID string
}

// Callbacks receive run events. They are invoked sequentially on the
// engine's read goroutine, in stream order. A nil callback is skipped.
type Callbacks struct {
	// OnMessage receives every relayable engine message (system,
	// assistant, user, result).
	OnMessage func(msg *engine.CLIMessage)

	// OnEngineSession fires once when the engine reports its session id.
	OnEngineSession func(engineSessionID string)

	// OnPermission fires for each tool use requiring human approval.
	OnPermission func(req *PermissionRequest)
}

// Supervisor manages at most one active run per session.
type Supervisor struct {
	engine      engine.Engine
	autoApprove map[string]bool
	logger      *logger.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// run tracks the state of one active engine run. Pending permission
// requests are scoped here, so concurrent sessions never share state.
type run struct {
	sessionID string
	cancel    context.CancelFunc
	proc      engine.Process

	mu      sync.Mutex
	pending map[string]chan Decision // keyed by control request id
	aborted bool
}

// NewSupervisor creates a run supervisor. Tools listed in autoApprove
// are allowed without surfacing a permission request.
func NewSupervisor(eng engine.Engine, autoApprove []string, log *logger.Logger) *Supervisor {
	approved := make(map[string]bool, len(autoApprove))
	for _, tool := range autoApprove {
		approved[tool] = true
	}
	return &Supervisor{
		engine:      eng,
		autoApprove: approved,
		logger:      log.WithFields(zap.String("component", "runner")),
		runs:        make(map[string]*run),
	}
}

// Run executes one engine run for a session and blocks until it finishes.
// It returns ErrRunActive if the session already has a run in flight.
// A run stopped via Abort returns an Outcome with Aborted set and a nil error.
func (s *Supervisor) Run(ctx context.Context, req Request, cb Callbacks) (*Outcome, error) {
	runCtx, cancel := context.WithCancel(ctx)

	r := &run{
		sessionID: req.SessionID,
		cancel:    cancel,
		pending:   make(map[string]chan Decision),
	}

	s.mu.Lock()
	if _, exists := s.runs[req.SessionID]; exists {
		s.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrRunActive, req.SessionID)
	}
	s.runs[req.SessionID] = r
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.runs, req.SessionID)
		s.mu.Unlock()
		r.denyAllPending()
		cancel()
	}()

	log := s.logger.WithSessionID(req.SessionID)

	// A missing working directory must not fail the whole session, the
	// run proceeds in a safe default instead.
	cwd := req.Cwd
	if cwd != "" {
		if _, err := os.Stat(cwd); err != nil {
			log.Warn("working directory does not exist, using fallback",
				zap.String("cwd", cwd))
			cwd = ""
		}
	}
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		}
	}

	proc, err := s.engine.Start(runCtx, engine.StartOptions{
		Cwd:         cwd,
		ResumeToken: req.ResumeToken,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}

	r.mu.Lock()
	r.proc = proc
	aborted := r.aborted
	r.mu.Unlock()

	// Abort may have raced the engine start
	if aborted {
		_ = proc.Kill()
		return &Outcome{Aborted: true}, nil
	}

	outcome := &Outcome{}
	var outcomeMu sync.Mutex

	proc.SetMessageHandler(func(msg *engine.CLIMessage) {
		switch msg.Type {
		case engine.MessageTypeSystem:
			if msg.Subtype == engine.SubtypeInit && msg.SessionID != "" {
				outcomeMu.Lock()
				outcome.EngineSessionID = msg.SessionID
				outcomeMu.Unlock()
				if cb.OnEngineSession != nil {
					cb.OnEngineSession(msg.SessionID)
				}
			}
		case engine.MessageTypeResult:
			outcomeMu.Lock()
			outcome.IsError = msg.IsError
			outcome.ResultText = msg.GetResultString()
			outcomeMu.Unlock()
		}
		if cb.OnMessage != nil {
			cb.OnMessage(msg)
		}
	})

	proc.SetRequestHandler(func(requestID string, ctrlReq *engine.ControlRequest) {
		s.handleControlRequest(runCtx, r, proc, requestID, ctrlReq, cb, log)
	})

	if err := proc.SendUserMessage(req.Prompt); err != nil {
		_ = proc.Kill()
		return nil, fmt.Errorf("failed to send prompt: %w", err)
	}

	log.Info("run started", zap.Bool("resume", req.ResumeToken != ""))

	waitErr := proc.Wait()

	r.mu.Lock()
	aborted = r.aborted
	r.mu.Unlock()

	outcomeMu.Lock()
	defer outcomeMu.Unlock()

	if aborted {
		log.Info("run aborted")
		outcome.Aborted = true
		outcome.IsError = false
		return outcome, nil
	}

	if waitErr != nil && outcome.ResultText == "" && !outcome.IsError {
		log.Error("engine exited abnormally", zap.Error(waitErr))
		return nil, fmt.Errorf("engine exited: %w", waitErr)
	}

	log.Info("run finished", zap.Bool("is_error", outcome.IsError))
	return outcome, nil
}

// handleControlRequest gates a tool permission request. Auto-approved
// tools are allowed inline; everything else is surfaced via OnPermission
// and answered once resolved, denied if the run ends first.
func (s *Supervisor) handleControlRequest(ctx context.Context, r *run, proc engine.Process, requestID string, ctrlReq *engine.ControlRequest, cb Callbacks, log *logger.Logger) {
	if ctrlReq.Subtype != engine.SubtypeCanUseTool {
		s.respond(proc, requestID, DecisionDeny, "unsupported control request", log)
		return
	}

	if s.autoApprove[ctrlReq.ToolName] {
		log.Debug("auto-approved tool use", zap.String("tool", ctrlReq.ToolName))
		s.respond(proc, requestID, DecisionAllow, "", log)
		return
	}

	decisionCh := make(chan Decision, 1)

	r.mu.Lock()
	if r.aborted {
		r.mu.Unlock()
		s.respond(proc, requestID, DecisionDeny, "run stopped", log)
		return
	}
	r.pending[requestID] = decisionCh
	r.mu.Unlock()

	if cb.OnPermission != nil {
		cb.OnPermission(&PermissionRequest{
			SessionID: r.sessionID,
			RequestID: requestID,
			ToolName:  ctrlReq.ToolName,
			ToolUseID: ctrlReq.ToolUseID,
			Input:     ctrlReq.Input,
		})
	}

	go func() {
		var decision Decision
		select {
		case decision = <-decisionCh:
		case <-ctx.Done():
			decision = DecisionDeny
		}

		r.mu.Lock()
		delete(r.pending, requestID)
		r.mu.Unlock()

		message := ""
		if decision == DecisionDeny {
			message = "denied by user"
		}
		s.respond(proc, requestID, decision, message, log)
	}()
}

// respond sends a permission control response back to the engine.
func (s *Supervisor) respond(proc engine.Process, requestID string, decision Decision, message string, log *logger.Logger) {
	resp := &engine.ControlResponseMessage{
		Type:      engine.MessageTypeControlResponse,
		RequestID: requestID,
		Response: &engine.ControlResponse{
			Subtype: "success",
			Result: &engine.PermissionResult{
				Behavior: string(decision),
				Message:  message,
			},
		},
	}
	if err := proc.SendControlResponse(resp); err != nil {
		log.Warn("failed to send permission response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// ResolvePermission resolves a pending permission request for a session.
// Duplicate or unknown resolutions return ErrUnknownPermission.
func (s *Supervisor) ResolvePermission(sessionID, requestID string, decision Decision) error {
	s.mu.Lock()
	r, ok := s.runs[sessionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoActiveRun, sessionID)
	}

	r.mu.Lock()
	ch, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPermission, requestID)
	}

	ch <- decision
	return nil
}

// Abort stops a session's active run. Pending permission requests are
// denied and the engine process is terminated. Aborting a session with
// no active run is a no-op.
func (s *Supervisor) Abort(sessionID string) {
	s.mu.Lock()
	r, ok := s.runs[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	if r.aborted {
		r.mu.Unlock()
		return
	}
	r.aborted = true
	proc := r.proc
	r.mu.Unlock()

	r.denyAllPending()
	r.cancel()
	if proc != nil {
		_ = proc.Kill()
	}

	s.logger.WithSessionID(sessionID).Info("abort requested")
}

// IsRunning reports whether a session has an active run.
func (s *Supervisor) IsRunning(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[sessionID]
	return ok
}

// denyAllPending resolves every outstanding permission request to deny.
func (r *run) denyAllPending() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]chan Decision)
	r.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- DecisionDeny:
		default:
		}
	}
}
