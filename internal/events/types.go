// Package events provides event types and subject helpers for the Chorus event system.
package events

// Event types for sessions
const (
	SessionStatusChanged = "session.status"  // Session status transition (idle/running/completed/error)
	SessionDeleted       = "session.deleted" // Session and its message log removed
)

// Event types for the agent stream
const (
	StreamMessage    = "stream.message"     // Raw engine-emitted message for a session
	StreamUserPrompt = "stream.user_prompt" // User prompt recorded for a session
)

// Event types for permission gating
const (
	PermissionRequested = "permission.request" // Engine asked to use a tool requiring approval
)

// Event types for run failures
const (
	RunnerError = "runner.error" // A run failed outside of user-initiated cancellation
)

// Event types for worktrees
const (
	WorktreeCreated   = "worktree.created"
	WorktreeMerged    = "worktree.merged"
	WorktreeAbandoned = "worktree.abandoned"
	WorktreePRCreated = "worktree.prCreated"
)

// Event types for workspaces
const (
	WorkspaceCreated = "workspace.created"
	WorkspaceDeleted = "workspace.deleted"
)

// BuildSessionStatusSubject creates a session status subject for a specific session.
func BuildSessionStatusSubject(sessionID string) string {
	return SessionStatusChanged + "." + sessionID
}

// BuildSessionStatusWildcardSubject creates a wildcard subscription for all session status events.
func BuildSessionStatusWildcardSubject() string {
	return SessionStatusChanged + ".*"
}

// BuildStreamMessageSubject creates a stream message subject for a specific session.
func BuildStreamMessageSubject(sessionID string) string {
	return StreamMessage + "." + sessionID
}

// BuildStreamMessageWildcardSubject creates a wildcard subscription for all stream messages.
func BuildStreamMessageWildcardSubject() string {
	return StreamMessage + ".*"
}

// BuildUserPromptSubject creates a user prompt subject for a specific session.
func BuildUserPromptSubject(sessionID string) string {
	return StreamUserPrompt + "." + sessionID
}

// BuildUserPromptWildcardSubject creates a wildcard subscription for all user prompt events.
func BuildUserPromptWildcardSubject() string {
	return StreamUserPrompt + ".*"
}

// BuildPermissionRequestSubject creates a permission request subject for a specific session.
func BuildPermissionRequestSubject(sessionID string) string {
	return PermissionRequested + "." + sessionID
}

// BuildPermissionRequestWildcardSubject creates a wildcard subscription for all permission requests.
func BuildPermissionRequestWildcardSubject() string {
	return PermissionRequested + ".*"
}

// BuildRunnerErrorSubject creates a runner error subject for a specific session.
func BuildRunnerErrorSubject(sessionID string) string {
	return RunnerError + "." + sessionID
}

// BuildRunnerErrorWildcardSubject creates a wildcard subscription for all runner errors.
func BuildRunnerErrorWildcardSubject() string {
	return RunnerError + ".*"
}

// BuildWorktreeSubject creates a worktree event subject for a specific worktree.
// Worktree ids equal their owning session ids, so gateway routing by session works unchanged.
func BuildWorktreeSubject(eventType, worktreeID string) string {
	return eventType + "." + worktreeID
}

// BuildWorktreeWildcardSubject creates a wildcard subscription for one worktree event type.
func BuildWorktreeWildcardSubject(eventType string) string {
	return eventType + ".*"
}
