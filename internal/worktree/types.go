package worktree

import (
	"context"
	"time"
)

// Status represents the lifecycle state of a worktree.
type Status string

const (
	// StatusActive means the worktree directory exists and is usable.
	StatusActive Status = "active"
	// StatusPending means a pull request has been opened for the branch.
	StatusPending Status = "pending"
	// StatusMerged means the branch was merged into the base branch.
	StatusMerged Status = "merged"
	// StatusAbandoned means the worktree was discarded without merging.
	StatusAbandoned Status = "abandoned"
	// StatusArchived means a terminal worktree has been cleaned up.
	StatusArchived Status = "archived"
)

// validTransitions is the explicit lifecycle edge set. Archived is
// reachable only from the terminal merged and abandoned states, never
// directly from a live worktree.
var validTransitions = map[Status][]Status{
	StatusActive:    {StatusPending, StatusMerged, StatusAbandoned},
	StatusPending:   {StatusMerged, StatusAbandoned},
	StatusMerged:    {StatusArchived},
	StatusAbandoned: {StatusArchived},
}

// CanTransition reports whether a worktree may move from its current
// status to the target status.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Worktree is an isolated checkout owned by exactly one session.
// Its ID equals the owning session's ID.
type Worktree struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	Name        string `json:"name" db:"name"`
	Branch      string `json:"branch" db:"branch"`
	Path        string `json:"path" db:"path"`
	// OriginPath is the main checkout the worktree was created from.
	OriginPath string `json:"origin_path" db:"origin_path"`
	BaseBranch string `json:"base_branch" db:"base_branch"`
	Status     Status `json:"status" db:"status"`

	PRURL    string `json:"pr_url,omitempty" db:"pr_url"`
	PRNumber int    `json:"pr_number,omitempty" db:"pr_number"`

	// Cached change stats against the base branch.
	Additions    int `json:"additions" db:"additions"`
	Deletions    int `json:"deletions" db:"deletions"`
	FilesChanged int `json:"files_changed" db:"files_changed"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	MergedAt  *time.Time `json:"merged_at,omitempty" db:"merged_at"`
}

// FileChange is one changed file relative to the base branch.
type FileChange struct {
	Path   string `json:"path"`
	Status string `json:"status"` // A(dded), M(odified), D(eleted), R(enamed)
}

// ChangeStats summarizes a worktree's diff against its base branch.
type ChangeStats struct {
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
	FilesChanged int `json:"files_changed"`
}

// CreateRequest describes a worktree to create for a session.
type CreateRequest struct {
	// SessionID becomes the worktree's ID.
	SessionID string

	// WorkspaceID identifies the repository workspace to branch from.
	WorkspaceID string

	// Title is used to derive a readable branch and directory name.
	// Falls back to the session ID when empty.
	Title string
}

// Validate checks the request fields.
func (r *CreateRequest) Validate() error {
	if r.SessionID == "" {
		return ErrInvalidSession
	}
	return nil
}

// WorkspaceInfo is the subset of workspace data the manager needs.
type WorkspaceInfo struct {
	ID            string
	Name          string
	LocalPath     string
	DefaultBranch string
}

// WorkspaceProvider supplies workspace repository information.
type WorkspaceProvider interface {
	GetWorkspaceInfo(ctx context.Context, id string) (*WorkspaceInfo, error)
}
