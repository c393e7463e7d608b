// Package sessions persists conversation state per platform key. A
// platform key identifies one chat recipient (for example "telegram:123"
// or "web:alice"); each key owns any number of sessions and at most one
// of them is marked current. The agent loop reads and writes the current
// session's message list through the Store interface.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

// previewMaxRunes caps the stored session preview, ellipsis included.
const previewMaxRunes = 80

var (
	// ErrSessionNotFound is returned when a session id does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrForeignSession is returned by Attach when the session exists but
	// is owned by a different platform key. Attach never promotes such a
	// session to current.
	ErrForeignSession = errors.New("session belongs to a different recipient")
)

// Status is the lightweight view of a platform key's current session.
type Status struct {
	SessionID    string    `json:"session_id"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ClearResult reports what ClearCurrent did: which session is now
// current and whether it had to be created.
type ClearResult struct {
	SessionID  string `json:"session_id"`
	CreatedNew bool   `json:"created_new"`
}

// Store is the interface for session persistence. All operations are
// atomic per platform key; callers never need external locking.
//
// Lookups that can legitimately find nothing (GetCurrent, GetCurrentID,
// GetCurrentStatus) report absence with a zero value and a nil error;
// a non-nil error always means the backend failed.
type Store interface {
	// GetOrCreate returns the platform key's current session, creating a
	// fresh one (and marking it current) when none exists or forceNew is
	// set. memoryKey, when non-empty, is recorded in the metadata of a
	// newly created session.
	GetOrCreate(ctx context.Context, platformKey string, forceNew bool, memoryKey string) (*models.Session, error)

	// Save replaces the session's message list wholesale and refreshes
	// the derived preview, message count and updated-at timestamp.
	Save(ctx context.Context, sessionID string, messages []models.Message) error

	// CreateNew creates an empty session, marks it current and returns
	// its id.
	CreateNew(ctx context.Context, platformKey string) (string, error)

	// ClearCurrent wipes the current session's history in place. When
	// the key has no current session a fresh one is created instead.
	ClearCurrent(ctx context.Context, platformKey string) (*ClearResult, error)

	// Current session lookups.
	GetCurrent(ctx context.Context, platformKey string) (*models.Session, error)
	GetCurrentID(ctx context.Context, platformKey string) (string, error)
	GetCurrentStatus(ctx context.Context, platformKey string) (*Status, error)

	// ListSessions returns the key's sessions newest first, up to limit
	// (50 when limit <= 0), with Current set on the current one.
	ListSessions(ctx context.Context, platformKey string, limit int) ([]models.SessionSummary, error)

	// Attach makes the given session current for the key. The session
	// must exist and belong to the same key; attaching a foreign
	// session fails with ErrForeignSession.
	Attach(ctx context.Context, platformKey, sessionID string) error

	// PurgeIdle deletes sessions whose last update is older than the
	// cutoff, skipping every session that is some key's current one.
	// It returns the number of sessions deleted.
	PurgeIdle(ctx context.Context, olderThan time.Time) (int, error)
}

// defaultListLimit bounds ListSessions when the caller passes no limit.
const defaultListLimit = 50

// DerivePreview extracts the listing preview from a message sequence:
// the first user message's text, or the canonical JSON of its parts when
// it has no plain text, capped at 80 runes with a trailing ellipsis.
func DerivePreview(messages []models.Message) string {
	for _, msg := range messages {
		if msg.Role != models.RoleUser {
			continue
		}
		text := strings.TrimSpace(msg.Text())
		if text == "" && len(msg.Parts) > 0 {
			if raw, err := json.Marshal(msg.Parts); err == nil {
				text = string(raw)
			}
		}
		if text == "" {
			continue
		}
		return truncatePreview(text)
	}
	return ""
}

func truncatePreview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewMaxRunes {
		return text
	}
	return string(runes[:previewMaxRunes-1]) + "…"
}

// Open builds a Store for the configured backend.
func Open(backend, dsn string) (Store, error) {
	switch backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unknown sessions backend %q", backend)
	}
}
