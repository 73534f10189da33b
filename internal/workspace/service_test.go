package workspace

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/chorus-dev/chorus/internal/common/logger"
)

// memStore is a map-backed Store for service tests
type memStore struct {
	workspaces map[string]*Workspace
	nextID     int
}

func newMemStore() *memStore {
	return &memStore{workspaces: make(map[string]*Workspace)}
}

func (s *memStore) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	if ws.ID == "" {
		s.nextID++
		ws.ID = string(rune('a' + s.nextID))
	}
	s.workspaces[ws.ID] = ws
	return nil
}

func (s *memStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, ErrWorkspaceNotFound
	}
	return ws, nil
}

func (s *memStore) UpdateWorkspace(ctx context.Context, ws *Workspace) error {
	if _, ok := s.workspaces[ws.ID]; !ok {
		return ErrWorkspaceNotFound
	}
	s.workspaces[ws.ID] = ws
	return nil
}

func (s *memStore) DeleteWorkspace(ctx context.Context, id string) error {
	if _, ok := s.workspaces[id]; !ok {
		return ErrWorkspaceNotFound
	}
	delete(s.workspaces, id)
	return nil
}

func (s *memStore) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	result := make([]*Workspace, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		result = append(result, ws)
	}
	return result, nil
}

func newTestService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	store := newMemStore()
	return NewService(store, log), store
}

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	cmd := exec.Command("git", "init", "-b", "trunk")
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git init failed: %v\n%s", err, out)
	}
	return dir
}

func TestService_CreateDetectsBranch(t *testing.T) {
	svc, _ := newTestService(t)
	repoDir := initRepo(t)

	ws, err := svc.Create(context.Background(), "", repoDir, "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if ws.DefaultBranch != "trunk" {
		t.Errorf("expected detected branch trunk, got %s", ws.DefaultBranch)
	}
	if ws.Name == "" {
		t.Error("expected name derived from path")
	}
	if ws.LocalPath != repoDir {
		t.Errorf("expected absolute path %s, got %s", repoDir, ws.LocalPath)
	}
}

func TestService_CreateRejectsNonRepo(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Create(context.Background(), "x", t.TempDir(), ""); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath, got %v", err)
	}
}

func TestService_UpdateAndDelete(t *testing.T) {
	svc, store := newTestService(t)
	repoDir := initRepo(t)

	ws, err := svc.Create(context.Background(), "original", repoDir, "main")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	updated, err := svc.Update(context.Background(), ws.ID, "renamed", "develop")
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Name != "renamed" || updated.DefaultBranch != "develop" {
		t.Errorf("unexpected update result %+v", updated)
	}

	if err := svc.Delete(context.Background(), ws.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok := store.workspaces[ws.ID]; ok {
		t.Error("expected workspace removed")
	}
	if _, err := svc.Get(context.Background(), ws.ID); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("expected ErrWorkspaceNotFound, got %v", err)
	}
}

func TestService_GetWorkspaceInfo(t *testing.T) {
	svc, _ := newTestService(t)
	repoDir := initRepo(t)

	ws, err := svc.Create(context.Background(), "repo", repoDir, "main")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	info, err := svc.GetWorkspaceInfo(context.Background(), ws.ID)
	if err != nil {
		t.Fatalf("info failed: %v", err)
	}
	if info.LocalPath != repoDir || info.DefaultBranch != "main" {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestService_SyncWithoutRemote(t *testing.T) {
	svc, _ := newTestService(t)
	repoDir := initRepo(t)

	ws, err := svc.Create(context.Background(), "repo", repoDir, "main")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// No remote configured, sync is a silent no-op
	if err := svc.Sync(context.Background(), ws.ID); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}
