// Package github provides pull request creation through the gh CLI.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrUnavailable is returned when no GitHub integration is configured.
var ErrUnavailable = errors.New("github integration unavailable")

// PullRequest describes an opened pull request.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	State  string `json:"state"`
}

// CreatePROptions describes the pull request to open.
type CreatePROptions struct {
	Title string
	Body  string
	Base  string
	Head  string
}

// Client opens pull requests for a local repository checkout.
type Client interface {
	IsAuthenticated(ctx context.Context) (bool, error)
	CreatePullRequest(ctx context.Context, repoDir string, opts CreatePROptions) (*PullRequest, error)
}

// GHClient implements Client using the gh CLI.
type GHClient struct{}

var _ Client = (*GHClient)(nil)

// NewGHClient creates a new gh CLI-based client.
func NewGHClient() *GHClient {
	return &GHClient{}
}

// GHAvailable checks if the gh CLI is installed and accessible.
func GHAvailable() bool {
	_, err := exec.LookPath("gh")
	return err == nil
}

func (c *GHClient) IsAuthenticated(ctx context.Context) (bool, error) {
	_, err := c.run(ctx, "", "auth", "status", "--hostname", "github.com")
	if err != nil {
		// gh auth status exits non-zero when not authenticated.
		errMsg := err.Error()
		if strings.Contains(errMsg, "not logged") || strings.Contains(errMsg, "no accounts") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreatePullRequest pushes the head branch and opens a pull request
// against the base branch using the repo checkout at repoDir.
func (c *GHClient) CreatePullRequest(ctx context.Context, repoDir string, opts CreatePROptions) (*PullRequest, error) {
	args := []string{"pr", "create",
		"--title", opts.Title,
		"--body", opts.Body,
		"--head", opts.Head,
	}
	if opts.Base != "" {
		args = append(args, "--base", opts.Base)
	}
	if _, err := c.run(ctx, repoDir, args...); err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}

	// gh pr create prints the URL; fetch structured fields instead of parsing it
	out, err := c.run(ctx, repoDir, "pr", "view", opts.Head,
		"--json", "number,url,title,state")
	if err != nil {
		return nil, fmt.Errorf("view created pull request: %w", err)
	}

	var pr PullRequest
	if err := json.Unmarshal([]byte(out), &pr); err != nil {
		return nil, fmt.Errorf("parse pull request response: %w", err)
	}
	return &pr, nil
}

func (c *GHClient) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("gh %s: %w: %s", args[0], err, stderr.String())
	}
	return stdout.String(), nil
}

// NoopClient is used when the gh CLI is not installed.
type NoopClient struct{}

var _ Client = (*NoopClient)(nil)

// NewNoopClient creates a client that rejects all operations.
func NewNoopClient() *NoopClient {
	return &NoopClient{}
}

func (c *NoopClient) IsAuthenticated(ctx context.Context) (bool, error) {
	return false, nil
}

func (c *NoopClient) CreatePullRequest(ctx context.Context, repoDir string, opts CreatePROptions) (*PullRequest, error) {
	return nil, ErrUnavailable
}
