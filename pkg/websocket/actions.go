package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Session actions (client -> server)
	ActionSessionStart    = "session.start"
	ActionSessionContinue = "session.continue"
	ActionSessionStop     = "session.stop"
	ActionSessionDelete   = "session.delete"
	ActionSessionList     = "session.list"
	ActionSessionHistory  = "session.history"

	// Session stream subscriptions
	ActionSessionSubscribe   = "session.subscribe"
	ActionSessionUnsubscribe = "session.unsubscribe"

	// Permission actions
	ActionPermissionResponse = "permission.response"

	// Worktree actions
	ActionWorktreeList     = "worktree.list"
	ActionWorktreeChanges  = "worktree.changes"
	ActionWorktreeDiff     = "worktree.diff"
	ActionWorktreeMerge    = "worktree.merge"
	ActionWorktreeAbandon  = "worktree.abandon"
	ActionWorktreeCreatePR = "worktree.createPR"

	// Notification actions (server -> client)
	ActionStreamMessage     = "stream.message"
	ActionStreamUserPrompt  = "stream.user_prompt"
	ActionSessionStatus     = "session.status"
	ActionSessionDeleted    = "session.deleted"
	ActionPermissionRequest = "permission.request"
	ActionRunnerError       = "runner.error"
	ActionWorktreeCreated   = "worktree.created"
	ActionWorktreeMerged    = "worktree.merged"
	ActionWorktreeAbandoned = "worktree.abandoned"
	ActionWorktreePRCreated = "worktree.prCreated"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeConflict      = "CONFLICT"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
