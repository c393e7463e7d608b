package models

import "time"

// Session is a persisted conversation thread owned by one platform key.
type Session struct {
	ID          string         `json:"id"`
	PlatformKey string         `json:"platform_key"`
	Messages    []Message      `json:"messages"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// SessionSummary is the listing view of a session.
type SessionSummary struct {
	ID           string    `json:"id"`
	Preview      string    `json:"preview"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
	Current      bool      `json:"current,omitempty"`
}

// IncomingMessage is a normalized inbound user message, produced by a
// platform adapter before dispatch.
type IncomingMessage struct {
	PlatformKey     string `json:"platform_key"`
	MemoryKey       string `json:"memory_key,omitempty"`
	Text            string `json:"text"`
	ForceNewSession bool   `json:"force_new_session,omitempty"`
	StreamID        string `json:"stream_id,omitempty"`
}

// RunContext is the opaque per-run routing bag threaded through the
// loop, tools and hooks.
type RunContext struct {
	RunID       string `json:"run_id"`
	PlatformKey string `json:"platform_key"`
	SessionID   string `json:"session_id"`
	UserText    string `json:"user_text"`
	Worktree    string `json:"worktree,omitempty"`
	MemoryKey   string `json:"memory_key,omitempty"`
}
