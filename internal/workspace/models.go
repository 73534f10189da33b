// Package workspace manages repository workspaces: local git checkouts
// that sessions branch their worktrees from.
package workspace

import (
	"errors"
	"time"
)

// Sentinel errors returned by the workspace service.
var (
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrInvalidPath       = errors.New("workspace path is not a git repository")
)

// Workspace is a registered local git repository.
type Workspace struct {
	ID            string    `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	LocalPath     string    `json:"local_path" db:"local_path"`
	DefaultBranch string    `json:"default_branch" db:"default_branch"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}
