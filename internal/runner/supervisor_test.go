package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/chorus-dev/chorus/internal/common/logger"
	"github.com/chorus-dev/chorus/pkg/engine"
)

// fakeProcess scripts an engine process. The script runs on its own
// goroutine once the prompt arrives, mimicking the CLI read loop.
type fakeProcess struct {
	script func(p *fakeProcess)

	mu         sync.Mutex
	msgHandler engine.MessageHandler
	reqHandler engine.RequestHandler
	killed     bool

	// responses carries every control response the supervisor sends
	responses chan *engine.ControlResponseMessage

	done     chan struct{}
	doneOnce sync.Once
}

var _ engine.Process = (*fakeProcess)(nil)

func newFakeProcess(script func(p *fakeProcess)) *fakeProcess {
	return &fakeProcess{
		script:    script,
		responses: make(chan *engine.ControlResponseMessage, 16),
		done:      make(chan struct{}),
	}
}

func (p *fakeProcess) SetMessageHandler(h engine.MessageHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgHandler = h
}

func (p *fakeProcess) SetRequestHandler(h engine.RequestHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqHandler = h
}

func (p *fakeProcess) SendUserMessage(content string) error {
	go func() {
		if p.script != nil {
			p.script(p)
		}
		p.finish()
	}()
	return nil
}

func (p *fakeProcess) SendControlResponse(resp *engine.ControlResponseMessage) error {
	p.responses <- resp
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return errors.New("signal: killed")
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.finish()
	return nil
}

func (p *fakeProcess) finish() {
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *fakeProcess) emit(msg *engine.CLIMessage) {
	p.mu.Lock()
	h := p.msgHandler
	p.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (p *fakeProcess) request(requestID string, req *engine.ControlRequest) {
	p.mu.Lock()
	h := p.reqHandler
	p.mu.Unlock()
	if h != nil {
		h(requestID, req)
	}
}

// fakeEngine hands out a sequence of fake processes and records the
// options each run was started with.
type fakeEngine struct {
	mu        sync.Mutex
	processes []*fakeProcess
	started   []engine.StartOptions
	startErr  error
}

func (e *fakeEngine) Start(ctx context.Context, opts engine.StartOptions) (engine.Process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = append(e.started, opts)
	if e.startErr != nil {
		return nil, e.startErr
	}
	if len(e.processes) == 0 {
		return nil, errors.New("no scripted process")
	}
	proc := e.processes[0]
	e.processes = e.processes[1:]
	return proc, nil
}

func initMessage(sessionID string) *engine.CLIMessage {
	return &engine.CLIMessage{
		Type:      engine.MessageTypeSystem,
		Subtype:   engine.SubtypeInit,
		SessionID: sessionID,
	}
}

func resultMessage(text string, isError bool) *engine.CLIMessage {
	raw, _ := json.Marshal(text)
	return &engine.CLIMessage{
		Type:    engine.MessageTypeResult,
		Result:  raw,
		IsError: isError,
	}
}

func newTestSupervisor(eng engine.Engine, autoApprove []string) *Supervisor {
	return NewSupervisor(eng, autoApprove, logger.Default())
}

func TestSupervisor_RunCompletes(t *testing.T) {
	proc := newFakeProcess(func(p *fakeProcess) {
		p.emit(initMessage("eng-123"))
		p.emit(&engine.CLIMessage{
			Type: engine.MessageTypeAssistant,
			Message: &engine.AssistantMessage{
				Role:    "assistant",
				Content: []engine.ContentBlock{{Type: "text", Text: "hello"}},
			},
		})
		p.emit(resultMessage("all done", false))
	})
	sup := newTestSupervisor(&fakeEngine{processes: []*fakeProcess{proc}}, nil)

	var messages []*engine.CLIMessage
	var engineSessionID string
	outcome, err := sup.Run(context.Background(), Request{SessionID: "s1", Prompt: "go"}, Callbacks{
		OnMessage:       func(msg *engine.CLIMessage) { messages = append(messages, msg) },
		OnEngineSession: func(id string) { engineSessionID = id },
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if outcome.IsError {
		t.Error("expected successful outcome")
	}
	if outcome.Aborted {
		t.Error("expected non-aborted outcome")
	}
	if outcome.ResultText != "all done" {
		t.Errorf("expected result text 'all done', got %q", outcome.ResultText)
	}
	if outcome.EngineSessionID != "eng-123" {
		t.Errorf("expected engine session id eng-123, got %q", outcome.EngineSessionID)
	}
	if engineSessionID != "eng-123" {
		t.Errorf("expected OnEngineSession with eng-123, got %q", engineSessionID)
	}
	if len(messages) != 3 {
		t.Errorf("expected 3 relayed messages, got %d", len(messages))
	}
	if sup.IsRunning("s1") {
		t.Error("expected run to be cleared after completion")
	}
}

func TestSupervisor_ErrorResult(t *testing.T) {
	proc := newFakeProcess(func(p *fakeProcess) {
		p.emit(initMessage("eng-err"))
		p.emit(resultMessage("something broke", true))
	})
	sup := newTestSupervisor(&fakeEngine{processes: []*fakeProcess{proc}}, nil)

	outcome, err := sup.Run(context.Background(), Request{SessionID: "s1", Prompt: "go"}, Callbacks{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !outcome.IsError {
		t.Error("expected error outcome")
	}
	if outcome.ResultText != "something broke" {
		t.Errorf("expected error text, got %q", outcome.ResultText)
	}
}

func TestSupervisor_AutoApprove(t *testing.T) {
	proc := newFakeProcess(func(p *fakeProcess) {
		p.emit(initMessage("eng-1"))
		p.request("req-1", &engine.ControlRequest{
			Subtype:  engine.SubtypeCanUseTool,
			ToolName: engine.ToolRead,
		})
		resp := <-p.responses
		if resp.Response.Result.Behavior != engine.BehaviorAllow {
			p.emit(resultMessage("denied", true))
			return
		}
		p.emit(resultMessage("read ok", false))
	})
	sup := newTestSupervisor(&fakeEngine{processes: []*fakeProcess{proc}}, []string{engine.ToolRead})

	permissions := 0
	outcome, err := sup.Run(context.Background(), Request{SessionID: "s1", Prompt: "go"}, Callbacks{
		OnPermission: func(req *PermissionRequest) { permissions++ },
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if permissions != 0 {
		t.Errorf("expected no surfaced permission requests, got %d", permissions)
	}
	if outcome.IsError || outcome.ResultText != "read ok" {
		t.Errorf("expected allowed tool use, got %+v", outcome)
	}
}

func TestSupervisor_PermissionAllow(t *testing.T) {
	proc := newFakeProcess(func(p *fakeProcess) {
		p.emit(initMessage("eng-1"))
		p.request("req-42", &engine.ControlRequest{
			Subtype:   engine.SubtypeCanUseTool,
			ToolName:  engine.ToolBash,
			ToolUseID: "tu-1",
			Input:     map[string]any{"command": "ls"},
		})
		resp := <-p.responses
		p.emit(resultMessage(resp.Response.Result.Behavior, false))
	})
	sup := newTestSupervisor(&fakeEngine{processes: []*fakeProcess{proc}}, nil)

	permCh := make(chan *PermissionRequest, 1)
	resultCh := make(chan *Outcome, 1)
	errCh := make(chan error, 1)

	go func() {
		outcome, err := sup.Run(context.Background(), Request{SessionID: "s1", Prompt: "go"}, Callbacks{
			OnPermission: func(req *PermissionRequest) { permCh <- req },
		})
		resultCh <- outcome
		errCh <- err
	}()

	var perm *PermissionRequest
	select {
	case perm = <-permCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for permission request")
	}

	if perm.ToolName != engine.ToolBash {
		t.Errorf("expected Bash permission request, got %s", perm.ToolName)
	}
	if perm.RequestID != "req-42" {
		t.Errorf("expected request id req-42, got %s", perm.RequestID)
	}

	if err := sup.ResolvePermission("s1", perm.RequestID, DecisionAllow); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	outcome := <-resultCh
	if err := <-errCh; err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if outcome.ResultText != "allow" {
		t.Errorf("expected engine to observe allow, got %q", outcome.ResultText)
	}

	// Resolving again must fail
	if err := sup.ResolvePermission("s1", perm.RequestID, DecisionAllow); !errors.Is(err, ErrNoActiveRun) {
		t.Errorf("expected ErrNoActiveRun after run ended, got %v", err)
	}
}

func TestSupervisor_AbortDeniesPending(t *testing.T) {
	proc := newFakeProcess(func(p *fakeProcess) {
		p.emit(initMessage("eng-1"))
		p.request("req-7", &engine.ControlRequest{
			Subtype:  engine.SubtypeCanUseTool,
			ToolName: engine.ToolWrite,
		})
		// Block until the supervisor answers or the process is killed
		select {
		case <-p.responses:
		case <-p.done:
		}
	})
	sup := newTestSupervisor(&fakeEngine{processes: []*fakeProcess{proc}}, nil)

	permCh := make(chan *PermissionRequest, 1)
	resultCh := make(chan *Outcome, 1)
	errCh := make(chan error, 1)

	go func() {
		outcome, err := sup.Run(context.Background(), Request{SessionID: "s1", Prompt: "go"}, Callbacks{
			OnPermission: func(req *PermissionRequest) { permCh <- req },
		})
		resultCh <- outcome
		errCh <- err
	}()

	select {
	case <-permCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for permission request")
	}

	sup.Abort("s1")

	outcome := <-resultCh
	if err := <-errCh; err != nil {
		t.Fatalf("aborted run must not return an error, got %v", err)
	}
	if !outcome.Aborted {
		t.Error("expected aborted outcome")
	}
	if outcome.IsError {
		t.Error("aborted run must not be an error")
	}
}

func TestSupervisor_DuplicateRun(t *testing.T) {
	release := make(chan struct{})
	proc := newFakeProcess(func(p *fakeProcess) {
		<-release
		p.emit(resultMessage("done", false))
	})
	sup := newTestSupervisor(&fakeEngine{processes: []*fakeProcess{proc}}, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := sup.Run(context.Background(), Request{SessionID: "s1", Prompt: "go"}, Callbacks{})
		errCh <- err
	}()

	// Wait until the first run is registered
	deadline := time.After(2 * time.Second)
	for !sup.IsRunning("s1") {
		select {
		case <-deadline:
			t.Fatal("first run never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := sup.Run(context.Background(), Request{SessionID: "s1", Prompt: "again"}, Callbacks{}); !errors.Is(err, ErrRunActive) {
		t.Errorf("expected ErrRunActive, got %v", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first run failed: %v", err)
	}
}

func TestSupervisor_MissingCwdFallsBack(t *testing.T) {
	proc := newFakeProcess(func(p *fakeProcess) {
		p.emit(resultMessage("done", false))
	})
	eng := &fakeEngine{processes: []*fakeProcess{proc}}
	sup := newTestSupervisor(eng, nil)

	req := Request{
		SessionID: "s1",
		Prompt:    "go",
		Cwd:       "/definitely/not/a/real/path",
	}
	if _, err := sup.Run(context.Background(), req, Callbacks{}); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.started) != 1 {
		t.Fatalf("expected 1 engine start, got %d", len(eng.started))
	}
	if got := eng.started[0].Cwd; got != wd {
		t.Errorf("expected engine started in %q, got %q", wd, got)
	}
}

func TestSupervisor_StartFailure(t *testing.T) {
	sup := newTestSupervisor(&fakeEngine{startErr: fmt.Errorf("binary not found")}, nil)

	if _, err := sup.Run(context.Background(), Request{SessionID: "s1", Prompt: "go"}, Callbacks{}); err == nil {
		t.Fatal("expected start failure to surface")
	}
	if sup.IsRunning("s1") {
		t.Error("expected no active run after start failure")
	}
}

func TestSupervisor_ResolveWithoutRun(t *testing.T) {
	sup := newTestSupervisor(&fakeEngine{}, nil)

	if err := sup.ResolvePermission("nope", "req-1", DecisionAllow); !errors.Is(err, ErrNoActiveRun) {
		t.Errorf("expected ErrNoActiveRun, got %v", err)
	}
}
