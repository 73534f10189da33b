package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/chorus-dev/chorus/internal/common/logger"
	"github.com/chorus-dev/chorus/internal/worktree"
)

// Service manages workspace registration and lookup.
type Service struct {
	store  Store
	logger *logger.Logger
}

// Ensure Service satisfies the worktree manager's provider contract.
var _ worktree.WorkspaceProvider = (*Service)(nil)

// NewService creates a workspace service.
func NewService(store Store, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		logger: log.WithFields(zap.String("component", "workspace-service")),
	}
}

// Create registers a local git repository as a workspace. The path must
// exist and contain a git checkout. When no default branch is given, it
// is detected from the repository's HEAD.
func (s *Service) Create(ctx context.Context, name, localPath, defaultBranch string) (*Workspace, error) {
	absPath, err := filepath.Abs(localPath)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}

	if !isGitRepo(absPath) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPath, absPath)
	}

	if defaultBranch == "" {
		defaultBranch = detectDefaultBranch(absPath)
	}
	if name == "" {
		name = filepath.Base(absPath)
	}

	ws := &Workspace{
		Name:          name,
		LocalPath:     absPath,
		DefaultBranch: defaultBranch,
	}
	if err := s.store.CreateWorkspace(ctx, ws); err != nil {
		return nil, err
	}

	s.logger.Info("workspace registered",
		zap.String("workspace_id", ws.ID),
		zap.String("path", absPath),
		zap.String("default_branch", defaultBranch))

	return ws, nil
}

// Get returns a workspace by ID.
func (s *Service) Get(ctx context.Context, id string) (*Workspace, error) {
	return s.store.GetWorkspace(ctx, id)
}

// List returns all registered workspaces.
func (s *Service) List(ctx context.Context) ([]*Workspace, error) {
	return s.store.ListWorkspaces(ctx)
}

// Update changes a workspace's name or default branch.
func (s *Service) Update(ctx context.Context, id, name, defaultBranch string) (*Workspace, error) {
	ws, err := s.store.GetWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}
	if name != "" {
		ws.Name = name
	}
	if defaultBranch != "" {
		ws.DefaultBranch = defaultBranch
	}
	if err := s.store.UpdateWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	return ws, nil
}

// Delete removes a workspace registration. The repository on disk is
// left untouched.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteWorkspace(ctx, id)
}

// Sync fetches the workspace's remote so base branches are up to date.
// Workspaces without a remote are skipped.
func (s *Service) Sync(ctx context.Context, id string) error {
	ws, err := s.store.GetWorkspace(ctx, id)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "git", "remote")
	cmd.Dir = ws.LocalPath
	out, err := cmd.Output()
	if err != nil || strings.TrimSpace(string(out)) == "" {
		s.logger.Debug("workspace has no remote, skipping sync",
			zap.String("workspace_id", id))
		return nil
	}

	cmd = exec.CommandContext(ctx, "git", "fetch", "--prune")
	cmd.Dir = ws.LocalPath
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git fetch failed: %s", string(output))
	}

	s.logger.Info("workspace synced", zap.String("workspace_id", id))
	return nil
}

// GetWorkspaceInfo implements worktree.WorkspaceProvider.
func (s *Service) GetWorkspaceInfo(ctx context.Context, id string) (*worktree.WorkspaceInfo, error) {
	ws, err := s.store.GetWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}
	return &worktree.WorkspaceInfo{
		ID:            ws.ID,
		Name:          ws.Name,
		LocalPath:     ws.LocalPath,
		DefaultBranch: ws.DefaultBranch,
	}, nil
}

// isGitRepo checks if a path contains a git checkout.
func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

// detectDefaultBranch reads the current branch from HEAD, falling back to main.
func detectDefaultBranch(path string) string {
	cmd := exec.Command("git", "symbolic-ref", "--short", "HEAD")
	cmd.Dir = path
	out, err := cmd.Output()
	if err != nil {
		return "main"
	}
	branch := strings.TrimSpace(string(out))
	if branch == "" {
		return "main"
	}
	return branch
}
