// Package models defines the core data structures for agent sessions.
package models

import "time"

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	StatusIdle      SessionStatus = "idle"      // No run in flight
	StatusRunning   SessionStatus = "running"   // An agent run is active
	StatusCompleted SessionStatus = "completed" // Last run finished successfully
	StatusError     SessionStatus = "error"     // Last run failed
)

// IsTerminalRun reports whether the status reflects a finished run.
func (s SessionStatus) IsTerminalRun() bool {
	return s == StatusCompleted || s == StatusError
}

// Session is a persistent conversation with the agent engine.
// EngineSessionID is the engine-side conversation token used for resume;
// it is empty until the engine reports it on the first run.
type Session struct {
	ID              string        `json:"id" db:"id"`
	Title           string        `json:"title" db:"title"`
	Status          SessionStatus `json:"status" db:"status"`
	EngineSessionID string        `json:"engine_session_id,omitempty" db:"engine_session_id"`
	Cwd             string        `json:"cwd,omitempty" db:"cwd"`
	WorktreeID      string        `json:"worktree_id,omitempty" db:"worktree_id"`
	WorkspaceID     string        `json:"workspace_id,omitempty" db:"workspace_id"`
	LastPrompt      string        `json:"last_prompt,omitempty" db:"last_prompt"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`
}

// MessageKind distinguishes engine output from recorded user prompts.
type MessageKind string

const (
	KindEngine     MessageKind = "engine"      // Raw engine stream message (JSON payload)
	KindUserPrompt MessageKind = "user_prompt" // Prompt text submitted by the user
)

// Message is one entry in a session's ordered transcript.
// Seq is assigned by the repository on append and is strictly increasing
// per session, so history replays in the order events were observed.
type Message struct {
	ID        string      `json:"id" db:"id"`
	SessionID string      `json:"session_id" db:"session_id"`
	Kind      MessageKind `json:"kind" db:"kind"`
	Content   string      `json:"content" db:"content"`
	Seq       int64       `json:"seq" db:"seq"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}
