// Package worktree provides Git worktree management for isolated agent sessions.
package worktree

import "errors"

var (
	// ErrWorktreeExists is returned when attempting to create a worktree that already exists.
	ErrWorktreeExists = errors.New("worktree already exists for session")

	// ErrWorktreeNotFound is returned when the requested worktree does not exist.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrRepoNotGit is returned when the workspace path is not a Git repository.
	ErrRepoNotGit = errors.New("workspace is not a git repository")

	// ErrInvalidBaseBranch is returned when the base branch does not exist.
	ErrInvalidBaseBranch = errors.New("base branch does not exist")

	// ErrGitCommandFailed is returned when a git command fails to execute.
	ErrGitCommandFailed = errors.New("git command failed")

	// ErrInvalidSession is returned when the session ID is invalid or empty.
	ErrInvalidSession = errors.New("invalid or empty session ID")

	// ErrInvalidTransition is returned when a status change would move backwards,
	// e.g. reactivating a merged or archived worktree.
	ErrInvalidTransition = errors.New("invalid worktree status transition")

	// ErrNotMergeable is returned when a worktree cannot be merged in its current status.
	ErrNotMergeable = errors.New("worktree is not in a mergeable status")
)
