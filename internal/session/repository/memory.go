package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chorus-dev/chorus/internal/session/models"
)

// MemoryRepository provides in-memory session storage operations
type MemoryRepository struct {
	sessions map[string]*models.Session
	messages map[string][]*models.Message // keyed by session ID, append order
	nextSeq  map[string]int64
	mu       sync.RWMutex
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory session repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*models.Session),
		messages: make(map[string][]*models.Message),
		nextSeq:  make(map[string]int64),
	}
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateSession creates a new session
func (r *MemoryRepository) CreateSession(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Status == "" {
		session.Status = models.StatusIdle
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now

	copied := *session
	r.sessions[session.ID] = &copied
	return nil
}

// GetSession retrieves a session by ID
func (r *MemoryRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	copied := *session
	return &copied, nil
}

// UpdateSession updates an existing session
func (r *MemoryRepository) UpdateSession(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, session.ID)
	}
	session.UpdatedAt = time.Now().UTC()
	copied := *session
	r.sessions[session.ID] = &copied
	return nil
}

// DeleteSession deletes a session by ID
func (r *MemoryRepository) DeleteSession(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(r.sessions, id)
	return nil
}

// ListSessions returns all sessions ordered by creation time, newest first
func (r *MemoryRepository) ListSessions(ctx context.Context) ([]*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		copied := *session
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// AppendMessage appends a message to a session's log, assigning the next sequence number
func (r *MemoryRepository) AppendMessage(ctx context.Context, message *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[message.SessionID]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, message.SessionID)
	}

	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	r.nextSeq[message.SessionID]++
	message.Seq = r.nextSeq[message.SessionID]
	message.CreatedAt = time.Now().UTC()

	copied := *message
	r.messages[message.SessionID] = append(r.messages[message.SessionID], &copied)
	return nil
}

// ListMessages returns a session's messages in sequence order
func (r *MemoryRepository) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msgs := r.messages[sessionID]
	result := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		copied := *msg
		result = append(result, &copied)
	}
	return result, nil
}

// DeleteMessages removes all messages for a session
func (r *MemoryRepository) DeleteMessages(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.messages, sessionID)
	delete(r.nextSeq, sessionID)
	return nil
}
