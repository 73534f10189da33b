package worktree

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chorus-dev/chorus/internal/common/logger"
	"github.com/chorus-dev/chorus/internal/events"
	"github.com/chorus-dev/chorus/internal/events/bus"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func newTestConfig(t *testing.T) Config {
	return Config{
		BasePath:      t.TempDir(),
		BranchPrefix:  "chorus/",
		DefaultBranch: "main",
	}
}

// mockStore implements Store for testing
type mockStore struct {
	worktrees map[string]*Worktree
}

func newMockStore() *mockStore {
	return &mockStore{worktrees: make(map[string]*Worktree)}
}

func (s *mockStore) CreateWorktree(ctx context.Context, wt *Worktree) error {
	s.worktrees[wt.ID] = wt
	return nil
}

func (s *mockStore) GetWorktreeByID(ctx context.Context, id string) (*Worktree, error) {
	wt, ok := s.worktrees[id]
	if !ok {
		return nil, nil
	}
	return wt, nil
}

func (s *mockStore) GetWorktreesByWorkspaceID(ctx context.Context, workspaceID string) ([]*Worktree, error) {
	var result []*Worktree
	for _, wt := range s.worktrees {
		if wt.WorkspaceID == workspaceID {
			result = append(result, wt)
		}
	}
	return result, nil
}

func (s *mockStore) UpdateWorktree(ctx context.Context, wt *Worktree) error {
	s.worktrees[wt.ID] = wt
	return nil
}

func (s *mockStore) DeleteWorktree(ctx context.Context, id string) error {
	delete(s.worktrees, id)
	return nil
}

func (s *mockStore) ListWorktrees(ctx context.Context, status Status) ([]*Worktree, error) {
	var result []*Worktree
	for _, wt := range s.worktrees {
		if status == "" || wt.Status == status {
			result = append(result, wt)
		}
	}
	return result, nil
}

// fakeWorkspaces resolves workspace ids to local repositories
type fakeWorkspaces struct {
	infos map[string]*WorkspaceInfo
}

func (f *fakeWorkspaces) GetWorkspaceInfo(ctx context.Context, workspaceID string) (*WorkspaceInfo, error) {
	info, ok := f.infos[workspaceID]
	if !ok {
		return nil, errors.New("workspace not found")
	}
	return info, nil
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func runGitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return string(out)
}

// initRepo creates a git repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGitCmd(t, dir, "init", "-b", "main")
	runGitCmd(t, dir, "config", "user.name", "test")
	runGitCmd(t, dir, "config", "user.email", "test@example.com")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	runGitCmd(t, dir, "add", ".")
	runGitCmd(t, dir, "commit", "-m", "initial")
	return dir
}

func newGitManager(t *testing.T, repoDir string) (*Manager, *mockStore) {
	t.Helper()
	store := newMockStore()
	workspaces := &fakeWorkspaces{infos: map[string]*WorkspaceInfo{
		"ws-1": {ID: "ws-1", Name: "repo", LocalPath: repoDir, DefaultBranch: "main"},
	}}
	mgr, err := NewManager(newTestConfig(t), store, workspaces, nil, nil, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return mgr, store
}

func TestNewManager(t *testing.T) {
	mgr, err := NewManager(newTestConfig(t), newMockStore(), &fakeWorkspaces{}, nil, nil, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if mgr == nil {
		t.Fatal("expected non-nil manager")
	}
}

func TestManager_IsValid(t *testing.T) {
	mgr, _ := newGitManagerNoGit(t)

	if mgr.IsValid("/nonexistent/path") {
		t.Error("expected false for non-existent path")
	}

	dir := t.TempDir()
	if mgr.IsValid(dir) {
		t.Error("expected false for directory without .git file")
	}

	gitFile := filepath.Join(dir, ".git")
	if err := os.WriteFile(gitFile, []byte("gitdir: /some/path/.git/worktrees/test"), 0644); err != nil {
		t.Fatalf("failed to create .git file: %v", err)
	}
	if !mgr.IsValid(dir) {
		t.Error("expected true for valid worktree directory")
	}
}

func newGitManagerNoGit(t *testing.T) (*Manager, *mockStore) {
	t.Helper()
	store := newMockStore()
	mgr, err := NewManager(newTestConfig(t), store, &fakeWorkspaces{}, nil, nil, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return mgr, store
}

func TestManager_CreateForSession(t *testing.T) {
	requireGit(t)
	repoDir := initRepo(t)
	mgr, store := newGitManager(t, repoDir)
	ctx := context.Background()

	wt, err := mgr.CreateForSession(ctx, CreateRequest{
		SessionID:   "session-12345678",
		WorkspaceID: "ws-1",
		Title:       "Fix login bug",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if wt.ID != "session-12345678" {
		t.Errorf("expected worktree id to equal session id, got %s", wt.ID)
	}
	if !strings.HasPrefix(wt.Branch, "chorus/fix-login-bug-") {
		t.Errorf("unexpected branch name %s", wt.Branch)
	}
	if wt.BaseBranch != "main" {
		t.Errorf("expected base branch main, got %s", wt.BaseBranch)
	}
	if wt.Status != StatusActive {
		t.Errorf("expected active status, got %s", wt.Status)
	}
	if !mgr.IsValid(wt.Path) {
		t.Errorf("expected a valid worktree checkout at %s", wt.Path)
	}
	if _, ok := store.worktrees[wt.ID]; !ok {
		t.Error("expected worktree persisted")
	}

	// A second call for the same session reuses the worktree
	again, err := mgr.CreateForSession(ctx, CreateRequest{
		SessionID:   "session-12345678",
		WorkspaceID: "ws-1",
		Title:       "Fix login bug",
	})
	if err != nil {
		t.Fatalf("recreate failed: %v", err)
	}
	if again.Path != wt.Path {
		t.Errorf("expected reuse of %s, got %s", wt.Path, again.Path)
	}
}

func TestManager_CreateForSession_NotGitRepo(t *testing.T) {
	requireGit(t)
	store := newMockStore()
	workspaces := &fakeWorkspaces{infos: map[string]*WorkspaceInfo{
		"ws-1": {ID: "ws-1", LocalPath: t.TempDir(), DefaultBranch: "main"},
	}}
	mgr, err := NewManager(newTestConfig(t), store, workspaces, nil, nil, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	_, err = mgr.CreateForSession(context.Background(), CreateRequest{
		SessionID:   "s1",
		WorkspaceID: "ws-1",
	})
	if !errors.Is(err, ErrRepoNotGit) {
		t.Errorf("expected ErrRepoNotGit, got %v", err)
	}
}

func TestManager_ChangesAndStats(t *testing.T) {
	requireGit(t)
	repoDir := initRepo(t)
	mgr, _ := newGitManager(t, repoDir)
	ctx := context.Background()

	wt, err := mgr.CreateForSession(ctx, CreateRequest{
		SessionID:   "session-changes1",
		WorkspaceID: "ws-1",
		Title:       "change files",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Modify a tracked file and commit, diff against base picks it up
	if err := os.WriteFile(filepath.Join(wt.Path, "README.md"), []byte("hello\nworld\n"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	runGitCmd(t, wt.Path, "add", ".")
	runGitCmd(t, wt.Path, "commit", "-m", "update readme")

	changes, err := mgr.Changes(ctx, wt.ID)
	if err != nil {
		t.Fatalf("changes failed: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 changed file, got %d", len(changes))
	}
	if changes[0].Path != "README.md" || changes[0].Status != "M" {
		t.Errorf("unexpected change %+v", changes[0])
	}

	stats, err := mgr.ChangeStats(ctx, wt.ID)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.FilesChanged != 1 {
		t.Errorf("expected 1 file changed, got %d", stats.FilesChanged)
	}
	if stats.Additions != 1 {
		t.Errorf("expected 1 addition, got %d", stats.Additions)
	}

	diff, err := mgr.FileDiff(ctx, wt.ID, "README.md")
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	if !strings.Contains(diff, "+world") {
		t.Errorf("expected diff to contain the added line, got:\n%s", diff)
	}
}

func TestManager_Merge(t *testing.T) {
	requireGit(t)
	repoDir := initRepo(t)
	mgr, _ := newGitManager(t, repoDir)
	ctx := context.Background()

	wt, err := mgr.CreateForSession(ctx, CreateRequest{
		SessionID:   "session-merge001",
		WorkspaceID: "ws-1",
		Title:       "add feature",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Leave uncommitted work, Merge commits it first
	if err := os.WriteFile(filepath.Join(wt.Path, "feature.txt"), []byte("feature\n"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	merged, err := mgr.Merge(ctx, wt.ID)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if merged.Status != StatusMerged {
		t.Errorf("expected merged status, got %s", merged.Status)
	}
	if merged.MergedAt == nil {
		t.Error("expected MergedAt to be set")
	}

	// The base branch in the origin checkout now has the file
	if _, err := os.Stat(filepath.Join(repoDir, "feature.txt")); err != nil {
		t.Errorf("expected feature.txt in origin after merge: %v", err)
	}

	// Merging again is rejected
	if _, err := mgr.Merge(ctx, wt.ID); !errors.Is(err, ErrNotMergeable) {
		t.Errorf("expected ErrNotMergeable, got %v", err)
	}
}

func TestManager_Abandon(t *testing.T) {
	requireGit(t)
	repoDir := initRepo(t)
	mgr, _ := newGitManager(t, repoDir)
	ctx := context.Background()

	wt, err := mgr.CreateForSession(ctx, CreateRequest{
		SessionID:   "session-abandon1",
		WorkspaceID: "ws-1",
		Title:       "dead end",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	abandoned, err := mgr.Abandon(ctx, wt.ID)
	if err != nil {
		t.Fatalf("abandon failed: %v", err)
	}
	if abandoned.Status != StatusAbandoned {
		t.Errorf("expected abandoned status, got %s", abandoned.Status)
	}
	if _, err := os.Stat(wt.Path); !os.IsNotExist(err) {
		t.Errorf("expected worktree directory removed")
	}

	// A terminal worktree cannot be merged
	if _, err := mgr.Merge(ctx, wt.ID); !errors.Is(err, ErrNotMergeable) {
		t.Errorf("expected ErrNotMergeable after abandon, got %v", err)
	}
}

func TestManager_OnSessionDeleted(t *testing.T) {
	requireGit(t)
	repoDir := initRepo(t)
	mgr, store := newGitManager(t, repoDir)
	ctx := context.Background()

	wt, err := mgr.CreateForSession(ctx, CreateRequest{
		SessionID:   "session-gone0001",
		WorkspaceID: "ws-1",
		Title:       "short lived",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := mgr.OnSessionDeleted(ctx, wt.ID); err != nil {
		t.Fatalf("on session deleted failed: %v", err)
	}
	if store.worktrees[wt.ID].Status != StatusAbandoned {
		t.Errorf("expected abandoned status, got %s", store.worktrees[wt.ID].Status)
	}

	// Unknown sessions are a no-op
	if err := mgr.OnSessionDeleted(ctx, "never-existed"); err != nil {
		t.Errorf("expected nil for unknown session, got %v", err)
	}
}

func TestManager_Cleanup(t *testing.T) {
	requireGit(t)
	repoDir := initRepo(t)
	mgr, store := newGitManager(t, repoDir)
	ctx := context.Background()

	wt, err := mgr.CreateForSession(ctx, CreateRequest{
		SessionID:   "session-clean001",
		WorkspaceID: "ws-1",
		Title:       "to merge",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wt.Path, "done.txt"), []byte("x\n"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := mgr.Merge(ctx, wt.ID); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	if err := mgr.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if store.worktrees[wt.ID].Status != StatusArchived {
		t.Errorf("expected archived status, got %s", store.worktrees[wt.ID].Status)
	}
	if _, err := os.Stat(wt.Path); !os.IsNotExist(err) {
		t.Errorf("expected worktree directory removed by cleanup")
	}
}

func TestManager_PublishesLifecycleEvents(t *testing.T) {
	requireGit(t)
	repoDir := initRepo(t)
	eventBus := bus.NewMemoryEventBus(newTestLogger())
	defer eventBus.Close()

	store := newMockStore()
	workspaces := &fakeWorkspaces{infos: map[string]*WorkspaceInfo{
		"ws-1": {ID: "ws-1", Name: "repo", LocalPath: repoDir, DefaultBranch: "main"},
	}}
	mgr, err := NewManager(newTestConfig(t), store, workspaces, nil, eventBus, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	var published []*bus.Event
	sub, err := eventBus.Subscribe("worktree.>", func(ctx context.Context, e *bus.Event) error {
		published = append(published, e)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()
	ctx := context.Background()

	wt, err := mgr.CreateForSession(ctx, CreateRequest{
		SessionID:   "session-event001",
		WorkspaceID: "ws-1",
		Title:       "merge me",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := mgr.Merge(ctx, wt.ID); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	other, err := mgr.CreateForSession(ctx, CreateRequest{
		SessionID:   "session-event002",
		WorkspaceID: "ws-1",
		Title:       "drop me",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := mgr.Abandon(ctx, other.ID); err != nil {
		t.Fatalf("abandon failed: %v", err)
	}

	if len(published) != 2 {
		t.Fatalf("expected 2 lifecycle events, got %d", len(published))
	}
	if published[0].Type != events.WorktreeMerged {
		t.Errorf("expected %s, got %s", events.WorktreeMerged, published[0].Type)
	}
	if published[1].Type != events.WorktreeAbandoned {
		t.Errorf("expected %s, got %s", events.WorktreeAbandoned, published[1].Type)
	}
	if got := published[0].Data["session_id"]; got != wt.ID {
		t.Errorf("expected session_id %s on merged event, got %v", wt.ID, got)
	}
	if got := published[1].Data["session_id"]; got != other.ID {
		t.Errorf("expected session_id %s on abandoned event, got %v", other.ID, got)
	}
}

func TestManager_CleanupWorktree(t *testing.T) {
	requireGit(t)
	repoDir := initRepo(t)
	mgr, store := newGitManager(t, repoDir)
	ctx := context.Background()

	wt, err := mgr.CreateForSession(ctx, CreateRequest{
		SessionID:   "session-arch0001",
		WorkspaceID: "ws-1",
		Title:       "to archive",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Active worktrees cannot be archived directly
	if _, err := mgr.CleanupWorktree(ctx, wt.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if _, err := mgr.Abandon(ctx, wt.ID); err != nil {
		t.Fatalf("abandon failed: %v", err)
	}
	archived, err := mgr.CleanupWorktree(ctx, wt.ID)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if archived.Status != StatusArchived {
		t.Errorf("expected archived status, got %s", archived.Status)
	}
	if store.worktrees[wt.ID].Status != StatusArchived {
		t.Errorf("expected archived status persisted, got %s", store.worktrees[wt.ID].Status)
	}
}
