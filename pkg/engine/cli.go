package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"

	"go.uber.org/zap"

	"github.com/chorus-dev/chorus/internal/common/logger"
)

// StartOptions configures a single engine run.
type StartOptions struct {
	// Cwd is the working directory for the engine process.
	Cwd string

	// ResumeToken is the engine-side session id from a previous run.
	// When set, the run continues that conversation.
	ResumeToken string

	// Model optionally overrides the engine's default model.
	Model string
}

// Process is a running engine instance. Handlers must be registered
// before the first user message is sent.
type Process interface {
	SetMessageHandler(handler MessageHandler)
	SetRequestHandler(handler RequestHandler)
	SendUserMessage(content string) error
	SendControlResponse(resp *ControlResponseMessage) error

	// Wait blocks until the process exits and returns its exit error.
	Wait() error

	// Kill terminates the process immediately.
	Kill() error
}

// Engine launches agent runs. The CLI implementation shells out to the
// agent binary; tests substitute a fake.
type Engine interface {
	Start(ctx context.Context, opts StartOptions) (Process, error)
}

// CLIEngine launches the agent CLI in stream-json mode.
type CLIEngine struct {
	binary string
	model  string
	logger *logger.Logger
}

// Ensure CLIEngine implements Engine interface
var _ Engine = (*CLIEngine)(nil)

// NewCLIEngine creates an engine that runs the given agent binary.
func NewCLIEngine(binary, model string, log *logger.Logger) *CLIEngine {
	return &CLIEngine{
		binary: binary,
		model:  model,
		logger: log.WithFields(zap.String("component", "cli-engine")),
	}
}

// Start launches the agent CLI process and begins reading its output.
func (e *CLIEngine) Start(ctx context.Context, opts StartOptions) (Process, error) {
	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	} else if e.model != "" {
		args = append(args, "--model", e.model)
	}
	if opts.ResumeToken != "" {
		args = append(args, "--resume", opts.ResumeToken)
	}

	cmd := exec.CommandContext(ctx, e.binary, args...)
	cmd.Dir = opts.Cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start engine %s: %w", e.binary, err)
	}

	e.logger.Info("engine process started",
		zap.String("binary", e.binary),
		zap.String("cwd", opts.Cwd),
		zap.Bool("resume", opts.ResumeToken != ""),
		zap.Int("pid", cmd.Process.Pid))

	go e.logStderr(stderr)

	client := NewClient(stdin, stdout, e.logger)
	ready := client.Start(ctx)
	<-ready

	return &cliProcess{
		cmd:    cmd,
		client: client,
		stdin:  stdin,
	}, nil
}

// logStderr forwards engine stderr to the logger line by line.
func (e *CLIEngine) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		e.logger.Debug("engine stderr", zap.String("line", scanner.Text()))
	}
}

// cliProcess wraps a running agent CLI command and its protocol client.
type cliProcess struct {
	cmd    *exec.Cmd
	client *Client
	stdin  io.WriteCloser
}

var _ Process = (*cliProcess)(nil)

func (p *cliProcess) SetMessageHandler(handler MessageHandler) {
	p.client.SetMessageHandler(handler)
}

func (p *cliProcess) SetRequestHandler(handler RequestHandler) {
	p.client.SetRequestHandler(handler)
}

func (p *cliProcess) SendUserMessage(content string) error {
	return p.client.SendUserMessage(content)
}

func (p *cliProcess) SendControlResponse(resp *ControlResponseMessage) error {
	return p.client.SendControlResponse(resp)
}

func (p *cliProcess) Wait() error {
	err := p.cmd.Wait()
	p.client.Stop()
	return err
}

func (p *cliProcess) Kill() error {
	p.client.Stop()
	_ = p.stdin.Close()
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
