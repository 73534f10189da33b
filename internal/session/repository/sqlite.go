package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/chorus-dev/chorus/internal/common/sqlite"
	"github.com/chorus-dev/chorus/internal/session/models"
)

// SQLiteRepository provides SQLite-based session storage operations
type SQLiteRepository struct {
	db *sql.DB
}

// Ensure SQLiteRepository implements Repository interface
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, err
	}

	repo := &SQLiteRepository{db: db}

	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// initSchema creates the database tables if they don't exist
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'idle',
		engine_session_id TEXT DEFAULT '',
		cwd TEXT DEFAULT '',
		worktree_id TEXT DEFAULT '',
		workspace_id TEXT DEFAULT '',
		last_prompt TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'engine',
		content TEXT NOT NULL,
		seq INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_session_messages_session_id ON session_messages(session_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_session_messages_session_seq ON session_messages(session_id, seq);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// DB returns the underlying sql.DB instance for shared access
func (r *SQLiteRepository) DB() *sql.DB {
	return r.db
}

// CreateSession creates a new session
func (r *SQLiteRepository) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Status == "" {
		session.Status = models.StatusIdle
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, status, engine_session_id, cwd, worktree_id, workspace_id, last_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Title, string(session.Status), session.EngineSessionID,
		session.Cwd, session.WorktreeID, session.WorkspaceID, session.LastPrompt,
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID
func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, title, status, engine_session_id, cwd, worktree_id, workspace_id, last_prompt, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// UpdateSession updates an existing session
func (r *SQLiteRepository) UpdateSession(ctx context.Context, session *models.Session) error {
	session.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET title = ?, status = ?, engine_session_id = ?, cwd = ?, worktree_id = ?, workspace_id = ?, last_prompt = ?, updated_at = ?
		WHERE id = ?`,
		session.Title, string(session.Status), session.EngineSessionID, session.Cwd,
		session.WorktreeID, session.WorkspaceID, session.LastPrompt, session.UpdatedAt, session.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, session.ID)
	}
	return nil
}

// DeleteSession deletes a session by ID
func (r *SQLiteRepository) DeleteSession(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// ListSessions returns all sessions ordered by creation time, newest first
func (r *SQLiteRepository) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, status, engine_session_id, cwd, worktree_id, workspace_id, last_prompt, created_at, updated_at
		FROM sessions ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// AppendMessage appends a message to a session's log, assigning the next sequence number
func (r *SQLiteRepository) AppendMessage(ctx context.Context, message *models.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	message.CreatedAt = time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, message.SessionID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, message.SessionID)
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM session_messages WHERE session_id = ?`,
		message.SessionID).Scan(&message.Seq); err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_messages (id, session_id, kind, content, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		message.ID, message.SessionID, string(message.Kind), message.Content,
		message.Seq, message.CreatedAt); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	return tx.Commit()
}

// ListMessages returns a session's messages in sequence order
func (r *SQLiteRepository) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, kind, content, seq, created_at
		FROM session_messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		var msg models.Message
		var kind string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &kind, &msg.Content, &msg.Seq, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Kind = models.MessageKind(kind)
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// DeleteMessages removes all messages for a session
func (r *SQLiteRepository) DeleteMessages(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id = ?`, sessionID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var session models.Session
	var status string
	err := row.Scan(&session.ID, &session.Title, &status, &session.EngineSessionID,
		&session.Cwd, &session.WorktreeID, &session.WorkspaceID, &session.LastPrompt,
		&session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	session.Status = models.SessionStatus(status)
	return &session, nil
}
