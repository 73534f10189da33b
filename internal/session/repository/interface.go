// Package repository provides storage for sessions and their message logs.
package repository

import (
	"context"
	"errors"

	"github.com/chorus-dev/chorus/internal/session/models"
)

// Sentinel errors returned by repository implementations.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
)

// Repository defines storage operations for sessions and messages.
type Repository interface {
	// Session operations
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]*models.Session, error)

	// Message operations. AppendMessage assigns the per-session sequence
	// number; ListMessages returns messages ordered by that sequence.
	AppendMessage(ctx context.Context, message *models.Message) error
	ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error)
	DeleteMessages(ctx context.Context, sessionID string) error

	// Close releases underlying resources
	Close() error
}
