package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chorus-dev/chorus/internal/common/logger"
	"github.com/chorus-dev/chorus/internal/events"
	"github.com/chorus-dev/chorus/internal/events/bus"
	"github.com/chorus-dev/chorus/internal/github"
)

// Manager handles Git worktree operations for isolated session checkouts.
// All mutating operations on a workspace are serialized through a
// per-workspace mutex, so merges, abandons and creations never interleave
// git commands on the same repository.
type Manager struct {
	config Config
	logger *logger.Logger
	store  Store

	workspaces WorkspaceProvider
	gh         github.Client
	eventBus   bus.EventBus

	worktrees map[string]*Worktree // sessionID -> worktree (in-memory cache)
	mu        sync.RWMutex         // Protects worktrees map

	workspaceLocks  map[string]*sync.Mutex
	workspaceLockMu sync.Mutex
}

// NewManager creates a new worktree manager.
func NewManager(cfg Config, store Store, workspaces WorkspaceProvider, gh github.Client, eventBus bus.EventBus, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if log == nil {
		log = logger.Default()
	}
	if gh == nil {
		gh = github.NewNoopClient()
	}

	// Ensure base directory exists
	basePath, err := cfg.ExpandedBasePath()
	if err != nil {
		return nil, fmt.Errorf("failed to expand base path: %w", err)
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	return &Manager{
		config:         cfg,
		logger:         log.WithFields(zap.String("component", "worktree-manager")),
		store:          store,
		workspaces:     workspaces,
		gh:             gh,
		eventBus:       eventBus,
		worktrees:      make(map[string]*Worktree),
		workspaceLocks: make(map[string]*sync.Mutex),
	}, nil
}

// publishEvent notifies subscribers of a worktree lifecycle change. The
// subject carries the worktree ID, which doubles as the owning session's
// ID for gateway routing.
func (m *Manager) publishEvent(ctx context.Context, eventType string, wt *Worktree) {
	if m.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "worktree-manager", map[string]interface{}{
		"worktree":   wt,
		"session_id": wt.ID,
	})
	if err := m.eventBus.Publish(ctx, events.BuildWorktreeSubject(eventType, wt.ID), event); err != nil {
		m.logger.Warn("failed to publish worktree event",
			zap.String("event_type", eventType),
			zap.String("worktree_id", wt.ID),
			zap.Error(err))
	}
}

// getWorkspaceLock returns the mutex for the given workspace.
func (m *Manager) getWorkspaceLock(workspaceID string) *sync.Mutex {
	m.workspaceLockMu.Lock()
	defer m.workspaceLockMu.Unlock()

	if lock, exists := m.workspaceLocks[workspaceID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	m.workspaceLocks[workspaceID] = lock
	return lock
}

// CreateForSession creates a worktree for a session, or returns the
// existing one if the session already has a usable worktree.
func (m *Manager) CreateForSession(ctx context.Context, req CreateRequest) (*Worktree, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// A session owns at most one worktree, keyed by its own ID
	existing, err := m.GetByID(ctx, req.SessionID)
	if err == nil && existing != nil && existing.Status == StatusActive {
		if m.IsValid(existing.Path) {
			m.logger.Info("reusing existing worktree",
				zap.String("worktree_id", existing.ID),
				zap.String("path", existing.Path))
			return existing, nil
		}
	}

	ws, err := m.workspaces.GetWorkspaceInfo(ctx, req.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}

	if !m.isGitRepo(ws.LocalPath) {
		return nil, ErrRepoNotGit
	}

	baseBranch := ws.DefaultBranch
	if baseBranch == "" {
		baseBranch = m.config.DefaultBranch
	}
	if !m.branchExists(ws.LocalPath, baseBranch) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBaseBranch, baseBranch)
	}

	lock := m.getWorkspaceLock(req.WorkspaceID)
	lock.Lock()
	defer lock.Unlock()

	return m.createWorktree(ctx, req, ws, baseBranch)
}

// createWorktree performs the actual git worktree creation. The row is
// persisted only after git succeeds, so a failed add leaves no record.
func (m *Manager) createWorktree(ctx context.Context, req CreateRequest, ws *WorkspaceInfo, baseBranch string) (*Worktree, error) {
	dirSuffix := req.SessionID
	if len(dirSuffix) > 8 {
		dirSuffix = dirSuffix[:8]
	}
	branchSuffix := SmallSuffix(3)

	title := req.Title
	if title == "" {
		title = req.SessionID
	}

	worktreeDirName := SemanticWorktreeName(title, dirSuffix)
	sanitized := SanitizeForBranch(title, 20)
	if sanitized == "" {
		sanitized = SanitizeForBranch(req.SessionID, 20)
	}
	branchName := m.config.BranchPrefix + sanitized + "-" + branchSuffix

	worktreePath, err := m.config.WorktreePath(worktreeDirName)
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree path: %w", err)
	}

	// git worktree add -b <branch> <path> <base-branch>
	cmd := exec.CommandContext(ctx, "git", "worktree", "add",
		"-b", branchName,
		worktreePath,
		baseBranch)
	cmd.Dir = ws.LocalPath

	output, err := cmd.CombinedOutput()
	if err != nil {
		m.logger.Error("git worktree add failed",
			zap.String("output", string(output)),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
	}

	now := time.Now().UTC()
	wt := &Worktree{
		ID:          req.SessionID,
		WorkspaceID: req.WorkspaceID,
		Name:        worktreeDirName,
		Branch:      branchName,
		Path:        worktreePath,
		OriginPath:  ws.LocalPath,
		BaseBranch:  baseBranch,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if m.store != nil {
		if err := m.store.CreateWorktree(ctx, wt); err != nil {
			// Cleanup on failure
			if cleanupErr := m.removeWorktreeDir(ctx, worktreePath, ws.LocalPath); cleanupErr != nil {
				m.logger.Warn("failed to cleanup worktree after persist failure", zap.Error(cleanupErr))
			}
			return nil, fmt.Errorf("failed to persist worktree: %w", err)
		}
	}

	m.mu.Lock()
	m.worktrees[wt.ID] = wt
	m.mu.Unlock()

	m.logger.Info("created worktree",
		zap.String("session_id", req.SessionID),
		zap.String("workspace_id", req.WorkspaceID),
		zap.String("path", worktreePath),
		zap.String("branch", branchName))

	return wt, nil
}

// GetByID returns a worktree by its ID (the owning session's ID).
func (m *Manager) GetByID(ctx context.Context, id string) (*Worktree, error) {
	m.mu.RLock()
	if wt, ok := m.worktrees[id]; ok {
		m.mu.RUnlock()
		return wt, nil
	}
	m.mu.RUnlock()

	if m.store != nil {
		wt, err := m.store.GetWorktreeByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if wt != nil {
			m.mu.Lock()
			m.worktrees[id] = wt
			m.mu.Unlock()
			return wt, nil
		}
	}

	return nil, ErrWorktreeNotFound
}

// List returns worktrees, filtered by workspace when workspaceID is set.
func (m *Manager) List(ctx context.Context, workspaceID string) ([]*Worktree, error) {
	if m.store == nil {
		return nil, nil
	}
	if workspaceID != "" {
		return m.store.GetWorktreesByWorkspaceID(ctx, workspaceID)
	}
	return m.store.ListWorktrees(ctx, "")
}

// IsValid checks if a worktree directory is valid and usable.
func (m *Manager) IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}

	// Worktrees have a .git file containing "gitdir: <path>", not a directory
	gitFile := filepath.Join(path, ".git")
	content, err := os.ReadFile(gitFile)
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// Changes returns the files changed in a worktree relative to its base branch.
func (m *Manager) Changes(ctx context.Context, id string) ([]FileChange, error) {
	wt, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	out, err := m.runGit(ctx, wt.Path, "diff", "--name-status", wt.BaseBranch)
	if err != nil {
		return nil, err
	}

	var changes []FileChange
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		status := parts[0]
		// Renames come through as R<score>\told\tnew
		path := parts[1]
		if strings.HasPrefix(status, "R") {
			status = "R"
			if idx := strings.LastIndex(path, "\t"); idx >= 0 {
				path = path[idx+1:]
			}
		}
		changes = append(changes, FileChange{Path: path, Status: status})
	}
	return changes, nil
}

// ChangeStats computes addition/deletion totals against the base branch
// and caches them on the worktree record.
func (m *Manager) ChangeStats(ctx context.Context, id string) (*ChangeStats, error) {
	wt, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	out, err := m.runGit(ctx, wt.Path, "diff", "--numstat", wt.BaseBranch)
	if err != nil {
		return nil, err
	}

	stats := &ChangeStats{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			continue
		}
		stats.FilesChanged++
		// Binary files report "-" for both counts
		if adds, err := strconv.Atoi(parts[0]); err == nil {
			stats.Additions += adds
		}
		if dels, err := strconv.Atoi(parts[1]); err == nil {
			stats.Deletions += dels
		}
	}

	wt.Additions = stats.Additions
	wt.Deletions = stats.Deletions
	wt.FilesChanged = stats.FilesChanged
	if m.store != nil {
		if err := m.store.UpdateWorktree(ctx, wt); err != nil {
			m.logger.Warn("failed to cache change stats", zap.Error(err))
		}
	}

	return stats, nil
}

// FileDiff returns the unified diff for one file against the base branch.
func (m *Manager) FileDiff(ctx context.Context, id, path string) (string, error) {
	wt, err := m.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return m.runGit(ctx, wt.Path, "diff", wt.BaseBranch, "--", path)
}

// Merge merges the worktree's branch into its base branch in the origin
// checkout. Uncommitted changes in the worktree are committed first.
func (m *Manager) Merge(ctx context.Context, id string) (*Worktree, error) {
	wt, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !CanTransition(wt.Status, StatusMerged) {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotMergeable, wt.ID, wt.Status)
	}

	lock := m.getWorkspaceLock(wt.WorkspaceID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.commitAll(ctx, wt.Path, "Session changes"); err != nil {
		return nil, err
	}

	if out, err := m.runGit(ctx, wt.OriginPath, "checkout", wt.BaseBranch); err != nil {
		return nil, fmt.Errorf("%w: checkout %s: %s", ErrGitCommandFailed, wt.BaseBranch, out)
	}
	if out, err := m.runGit(ctx, wt.OriginPath, "merge", "--no-ff", wt.Branch, "-m",
		fmt.Sprintf("Merge branch '%s'", wt.Branch)); err != nil {
		// Leave the origin checkout clean for the next attempt
		_, _ = m.runGit(ctx, wt.OriginPath, "merge", "--abort")
		return nil, fmt.Errorf("%w: merge %s: %s", ErrGitCommandFailed, wt.Branch, out)
	}

	now := time.Now().UTC()
	wt.Status = StatusMerged
	wt.MergedAt = &now
	if m.store != nil {
		if err := m.store.UpdateWorktree(ctx, wt); err != nil {
			return nil, fmt.Errorf("failed to update worktree record: %w", err)
		}
	}

	m.logger.Info("merged worktree",
		zap.String("worktree_id", wt.ID),
		zap.String("branch", wt.Branch),
		zap.String("base_branch", wt.BaseBranch))
	m.publishEvent(ctx, events.WorktreeMerged, wt)

	return wt, nil
}

// Abandon discards a worktree without merging. Directory and branch
// removal are best effort; the status is updated regardless so the
// record never stays live after the user gave up on it.
func (m *Manager) Abandon(ctx context.Context, id string) (*Worktree, error) {
	wt, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !CanTransition(wt.Status, StatusAbandoned) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, wt.Status, StatusAbandoned)
	}

	lock := m.getWorkspaceLock(wt.WorkspaceID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.removeWorktreeDir(ctx, wt.Path, wt.OriginPath); err != nil {
		m.logger.Warn("failed to remove worktree directory",
			zap.String("path", wt.Path),
			zap.Error(err))
	}

	if out, err := m.runGit(ctx, wt.OriginPath, "branch", "-D", wt.Branch); err != nil {
		m.logger.Warn("failed to delete branch",
			zap.String("branch", wt.Branch),
			zap.String("output", out),
			zap.Error(err))
	}

	wt.Status = StatusAbandoned
	if m.store != nil {
		if err := m.store.UpdateWorktree(ctx, wt); err != nil {
			m.logger.Warn("failed to update worktree status", zap.Error(err))
		}
	}

	m.logger.Info("abandoned worktree",
		zap.String("worktree_id", wt.ID),
		zap.String("branch", wt.Branch))
	m.publishEvent(ctx, events.WorktreeAbandoned, wt)

	return wt, nil
}

// CreatePullRequest commits and pushes the worktree branch, then opens a
// pull request against the base branch. The worktree moves to pending.
func (m *Manager) CreatePullRequest(ctx context.Context, id, title, body string) (*Worktree, error) {
	wt, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !CanTransition(wt.Status, StatusPending) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, wt.Status, StatusPending)
	}

	lock := m.getWorkspaceLock(wt.WorkspaceID)
	lock.Lock()
	defer lock.Unlock()

	if title == "" {
		title = wt.Name
	}

	if err := m.commitAll(ctx, wt.Path, title); err != nil {
		return nil, err
	}

	if out, err := m.runGit(ctx, wt.Path, "push", "-u", "origin", wt.Branch); err != nil {
		return nil, fmt.Errorf("%w: push %s: %s", ErrGitCommandFailed, wt.Branch, out)
	}

	pr, err := m.gh.CreatePullRequest(ctx, wt.Path, github.CreatePROptions{
		Title: title,
		Body:  body,
		Base:  wt.BaseBranch,
		Head:  wt.Branch,
	})
	if err != nil {
		return nil, err
	}

	wt.Status = StatusPending
	wt.PRURL = pr.URL
	wt.PRNumber = pr.Number
	if m.store != nil {
		if err := m.store.UpdateWorktree(ctx, wt); err != nil {
			return nil, fmt.Errorf("failed to update worktree record: %w", err)
		}
	}

	m.logger.Info("created pull request",
		zap.String("worktree_id", wt.ID),
		zap.String("pr_url", pr.URL),
		zap.Int("pr_number", pr.Number))
	m.publishEvent(ctx, events.WorktreePRCreated, wt)

	return wt, nil
}

// Cleanup archives terminal worktrees, removing their directories and
// any leftover branches. Merged and abandoned worktrees are eligible.
func (m *Manager) Cleanup(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	var terminal []*Worktree
	for _, status := range []Status{StatusMerged, StatusAbandoned} {
		worktrees, err := m.store.ListWorktrees(ctx, status)
		if err != nil {
			return err
		}
		terminal = append(terminal, worktrees...)
	}

	// Archival is disk and git heavy, bound the parallelism. Worktrees in
	// the same workspace still serialize on the workspace lock.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	var mu sync.Mutex
	var lastErr error
	for _, wt := range terminal {
		wt := wt
		g.Go(func() error {
			if err := m.archive(gctx, wt); err != nil {
				m.logger.Warn("failed to archive worktree",
					zap.String("worktree_id", wt.ID),
					zap.Error(err))
				mu.Lock()
				lastErr = err
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return lastErr
}

// CleanupWorktree archives a single worktree. Only merged or abandoned
// worktrees can be archived.
func (m *Manager) CleanupWorktree(ctx context.Context, id string) (*Worktree, error) {
	wt, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(wt.Status, StatusArchived) {
		return nil, fmt.Errorf("%w: cannot archive a %s worktree", ErrInvalidTransition, wt.Status)
	}
	if err := m.archive(ctx, wt); err != nil {
		return nil, err
	}
	return wt, nil
}

// archive removes a terminal worktree's directory and branch, then marks
// the record archived.
func (m *Manager) archive(ctx context.Context, wt *Worktree) error {
	lock := m.getWorkspaceLock(wt.WorkspaceID)
	lock.Lock()
	defer lock.Unlock()

	if m.IsValid(wt.Path) {
		if err := m.removeWorktreeDir(ctx, wt.Path, wt.OriginPath); err != nil {
			m.logger.Warn("failed to remove worktree directory",
				zap.String("path", wt.Path),
				zap.Error(err))
		}
	}

	if wt.Status == StatusMerged {
		// The branch is merged, a plain delete is safe
		if out, err := m.runGit(ctx, wt.OriginPath, "branch", "-d", wt.Branch); err != nil {
			m.logger.Debug("failed to delete merged branch",
				zap.String("branch", wt.Branch),
				zap.String("output", out))
		}
	}

	wt.Status = StatusArchived
	if err := m.store.UpdateWorktree(ctx, wt); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.worktrees, wt.ID)
	m.mu.Unlock()

	m.logger.Info("archived worktree", zap.String("worktree_id", wt.ID))
	return nil
}

// OnSessionDeleted abandons the session's worktree when the session is
// removed. Missing worktrees are ignored.
func (m *Manager) OnSessionDeleted(ctx context.Context, sessionID string) error {
	wt, err := m.GetByID(ctx, sessionID)
	if err != nil {
		return nil
	}
	if wt.Status == StatusActive || wt.Status == StatusPending {
		if _, err := m.Abandon(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// commitAll stages and commits everything in dir. A commit with nothing
// to commit is not an error.
func (m *Manager) commitAll(ctx context.Context, dir, message string) error {
	if out, err := m.runGit(ctx, dir, "add", "-A"); err != nil {
		return fmt.Errorf("%w: add: %s", ErrGitCommandFailed, out)
	}
	out, err := m.runGit(ctx, dir, "commit", "-m", message)
	if err != nil && !strings.Contains(out, "nothing to commit") {
		return fmt.Errorf("%w: commit: %s", ErrGitCommandFailed, out)
	}
	return nil
}

// isGitRepo checks if a path is a Git repository.
func (m *Manager) isGitRepo(path string) bool {
	gitDir := filepath.Join(path, ".git")
	info, err := os.Stat(gitDir)
	if err != nil {
		return false
	}
	// .git can be either a directory (regular repo) or a file (worktree)
	return info.IsDir() || info.Mode().IsRegular()
}

// branchExists checks if a branch exists in the repository.
func (m *Manager) branchExists(repoPath, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

// runGit executes a git command in dir and returns its combined output.
func (m *Manager) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// removeWorktreeDir removes a worktree directory using git worktree remove.
func (m *Manager) removeWorktreeDir(ctx context.Context, worktreePath, repoPath string) error {
	// First try git worktree remove
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", string(output)),
			zap.Error(err))

		// Fallback to direct removal
		if err := os.RemoveAll(worktreePath); err != nil {
			return err
		}

		// Prune stale worktree entries
		cmd = exec.CommandContext(ctx, "git", "worktree", "prune")
		cmd.Dir = repoPath
		if err := cmd.Run(); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}
	return nil
}
