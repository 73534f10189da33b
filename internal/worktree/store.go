package worktree

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store is the interface for worktree persistence.
type Store interface {
	// CreateWorktree persists a new worktree record.
	CreateWorktree(ctx context.Context, wt *Worktree) error
	// GetWorktreeByID retrieves a worktree by its unique ID (the session ID).
	GetWorktreeByID(ctx context.Context, id string) (*Worktree, error)
	// GetWorktreesByWorkspaceID retrieves all worktrees for a workspace.
	GetWorktreesByWorkspaceID(ctx context.Context, workspaceID string) ([]*Worktree, error)
	// UpdateWorktree updates an existing worktree record.
	UpdateWorktree(ctx context.Context, wt *Worktree) error
	// DeleteWorktree removes a worktree record.
	DeleteWorktree(ctx context.Context, id string) error
	// ListWorktrees returns all worktrees, optionally filtered by status.
	ListWorktrees(ctx context.Context, status Status) ([]*Worktree, error)
}

// SQLiteStore implements Store using SQLite via sqlx.
type SQLiteStore struct {
	db *sqlx.DB
}

// Ensure SQLiteStore implements Store interface.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed worktree store.
// It uses the provided sqlx.DB connection and ensures the worktrees table exists.
func NewSQLiteStore(db *sqlx.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize worktree schema: %w", err)
	}
	return store, nil
}

// initSchema creates the worktrees table if it doesn't exist.
// The partial unique index keeps one live worktree per branch per
// workspace while letting archived rows retain their branch name.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS worktrees (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL,
		path TEXT NOT NULL DEFAULT '',
		origin_path TEXT NOT NULL DEFAULT '',
		base_branch TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		pr_url TEXT DEFAULT '',
		pr_number INTEGER DEFAULT 0,
		additions INTEGER DEFAULT 0,
		deletions INTEGER DEFAULT 0,
		files_changed INTEGER DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		merged_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_worktrees_workspace_id ON worktrees(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_worktrees_status ON worktrees(status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_worktrees_workspace_branch
		ON worktrees(workspace_id, branch) WHERE status != 'archived';
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateWorktree persists a new worktree record.
func (s *SQLiteStore) CreateWorktree(ctx context.Context, wt *Worktree) error {
	if wt.ID == "" {
		return ErrInvalidSession
	}
	if wt.Status == "" {
		wt.Status = StatusActive
	}
	now := time.Now().UTC()
	if wt.CreatedAt.IsZero() {
		wt.CreatedAt = now
	}
	if wt.UpdatedAt.IsZero() {
		wt.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO worktrees (
			id, workspace_id, name, branch, path, origin_path, base_branch, status,
			pr_url, pr_number, additions, deletions, files_changed,
			created_at, updated_at, merged_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), wt.ID, wt.WorkspaceID, wt.Name, wt.Branch, wt.Path, wt.OriginPath,
		wt.BaseBranch, wt.Status, wt.PRURL, wt.PRNumber,
		wt.Additions, wt.Deletions, wt.FilesChanged,
		wt.CreatedAt, wt.UpdatedAt, wt.MergedAt)

	return err
}

// GetWorktreeByID retrieves a worktree by its unique ID.
func (s *SQLiteStore) GetWorktreeByID(ctx context.Context, id string) (*Worktree, error) {
	wt := &Worktree{}
	err := s.db.GetContext(ctx, wt, s.db.Rebind(`
		SELECT * FROM worktrees WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, nil // Not found, return nil without error
	}
	if err != nil {
		return nil, err
	}
	return wt, nil
}

// GetWorktreesByWorkspaceID retrieves all worktrees for a workspace.
func (s *SQLiteStore) GetWorktreesByWorkspaceID(ctx context.Context, workspaceID string) ([]*Worktree, error) {
	var result []*Worktree
	err := s.db.SelectContext(ctx, &result, s.db.Rebind(`
		SELECT * FROM worktrees WHERE workspace_id = ? ORDER BY created_at DESC
	`), workspaceID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateWorktree updates an existing worktree record.
func (s *SQLiteStore) UpdateWorktree(ctx context.Context, wt *Worktree) error {
	wt.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE worktrees SET
			workspace_id = ?, name = ?, branch = ?, path = ?, origin_path = ?,
			base_branch = ?, status = ?, pr_url = ?, pr_number = ?,
			additions = ?, deletions = ?, files_changed = ?,
			updated_at = ?, merged_at = ?
		WHERE id = ?
	`), wt.WorkspaceID, wt.Name, wt.Branch, wt.Path, wt.OriginPath,
		wt.BaseBranch, wt.Status, wt.PRURL, wt.PRNumber,
		wt.Additions, wt.Deletions, wt.FilesChanged,
		wt.UpdatedAt, wt.MergedAt, wt.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrWorktreeNotFound, wt.ID)
	}
	return nil
}

// DeleteWorktree removes a worktree record.
func (s *SQLiteStore) DeleteWorktree(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM worktrees WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrWorktreeNotFound, id)
	}
	return nil
}

// ListWorktrees returns all worktrees, optionally filtered by status.
// An empty status returns every record.
func (s *SQLiteStore) ListWorktrees(ctx context.Context, status Status) ([]*Worktree, error) {
	var result []*Worktree
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &result, `SELECT * FROM worktrees ORDER BY created_at DESC`)
	} else {
		err = s.db.SelectContext(ctx, &result, s.db.Rebind(`
			SELECT * FROM worktrees WHERE status = ? ORDER BY created_at DESC
		`), status)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
