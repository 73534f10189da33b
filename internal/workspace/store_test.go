package workspace

import (
	"context"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestSQLiteStore_CRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ws := &Workspace{
		Name:          "myrepo",
		LocalPath:     "/home/dev/myrepo",
		DefaultBranch: "main",
	}
	if err := store.CreateWorkspace(ctx, ws); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if ws.ID == "" {
		t.Fatal("expected generated ID")
	}
	if ws.CreatedAt.IsZero() || ws.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}

	got, err := store.GetWorkspace(ctx, ws.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Name != "myrepo" || got.LocalPath != "/home/dev/myrepo" || got.DefaultBranch != "main" {
		t.Errorf("unexpected workspace %+v", got)
	}

	got.Name = "renamed"
	if err := store.UpdateWorkspace(ctx, got); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	got, err = store.GetWorkspace(ctx, ws.ID)
	if err != nil {
		t.Fatalf("get after update failed: %v", err)
	}
	if got.Name != "renamed" {
		t.Errorf("expected renamed workspace, got %s", got.Name)
	}

	if err := store.DeleteWorkspace(ctx, ws.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.GetWorkspace(ctx, ws.ID); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("expected ErrWorkspaceNotFound, got %v", err)
	}
}

func TestSQLiteStore_NotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetWorkspace(ctx, "missing"); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("get: expected ErrWorkspaceNotFound, got %v", err)
	}
	if err := store.UpdateWorkspace(ctx, &Workspace{ID: "missing"}); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("update: expected ErrWorkspaceNotFound, got %v", err)
	}
	if err := store.DeleteWorkspace(ctx, "missing"); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("delete: expected ErrWorkspaceNotFound, got %v", err)
	}
}

func TestSQLiteStore_UniqueLocalPath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &Workspace{Name: "one", LocalPath: "/home/dev/repo", DefaultBranch: "main"}
	if err := store.CreateWorkspace(ctx, first); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	dup := &Workspace{Name: "two", LocalPath: "/home/dev/repo", DefaultBranch: "main"}
	if err := store.CreateWorkspace(ctx, dup); err == nil {
		t.Error("expected duplicate path to be rejected")
	}
}

func TestSQLiteStore_ListOrderedByName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		ws := &Workspace{Name: name, LocalPath: "/repos/" + name, DefaultBranch: "main"}
		if err := store.CreateWorkspace(ctx, ws); err != nil {
			t.Fatalf("create %s failed: %v", name, err)
		}
	}

	list, err := store.ListWorkspaces(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 workspaces, got %d", len(list))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if list[i].Name != want {
			t.Errorf("position %d: expected %s, got %s", i, want, list[i].Name)
		}
	}
}
