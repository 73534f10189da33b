package workspace

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Store is the interface for workspace persistence.
type Store interface {
	CreateWorkspace(ctx context.Context, ws *Workspace) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	UpdateWorkspace(ctx context.Context, ws *Workspace) error
	DeleteWorkspace(ctx context.Context, id string) error
	ListWorkspaces(ctx context.Context) ([]*Workspace, error)
}

// SQLiteStore implements Store using SQLite via sqlx.
type SQLiteStore struct {
	db *sqlx.DB
}

// Ensure SQLiteStore implements Store interface.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed workspace store.
func NewSQLiteStore(db *sqlx.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize workspace schema: %w", err)
	}
	return store, nil
}

// initSchema creates the workspaces table if it doesn't exist.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		local_path TEXT NOT NULL,
		default_branch TEXT NOT NULL DEFAULT 'main',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_workspaces_local_path ON workspaces(local_path);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateWorkspace persists a new workspace record.
func (s *SQLiteStore) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	if ws.ID == "" {
		ws.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	ws.CreatedAt = now
	ws.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO workspaces (id, name, local_path, default_branch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), ws.ID, ws.Name, ws.LocalPath, ws.DefaultBranch, ws.CreatedAt, ws.UpdatedAt)
	return err
}

// GetWorkspace retrieves a workspace by ID.
func (s *SQLiteStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	ws := &Workspace{}
	err := s.db.GetContext(ctx, ws, s.db.Rebind(`SELECT * FROM workspaces WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// UpdateWorkspace updates an existing workspace record.
func (s *SQLiteStore) UpdateWorkspace(ctx context.Context, ws *Workspace) error {
	ws.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE workspaces SET name = ?, local_path = ?, default_branch = ?, updated_at = ?
		WHERE id = ?
	`), ws.Name, ws.LocalPath, ws.DefaultBranch, ws.UpdatedAt, ws.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, ws.ID)
	}
	return nil
}

// DeleteWorkspace removes a workspace record.
func (s *SQLiteStore) DeleteWorkspace(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM workspaces WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}
	return nil
}

// ListWorkspaces returns all workspaces ordered by name.
func (s *SQLiteStore) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	var result []*Workspace
	if err := s.db.SelectContext(ctx, &result, `SELECT * FROM workspaces ORDER BY name`); err != nil {
		return nil, err
	}
	return result, nil
}
