package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

// MemoryStore is an in-memory Store for tests and the local REPL.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	current  map[string]string

	nowFunc func() time.Time
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*models.Session{},
		current:  map[string]string{},
		nowFunc:  time.Now,
	}
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, platformKey string, forceNew bool, memoryKey string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !forceNew {
		if id, ok := m.current[platformKey]; ok {
			if session, ok := m.sessions[id]; ok {
				return cloneSession(session), nil
			}
		}
	}
	session := m.createLocked(platformKey, memoryKey)
	return cloneSession(session), nil
}

func (m *MemoryStore) Save(ctx context.Context, sessionID string, messages []models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	session.Messages = cloneMessages(messages)
	session.UpdatedAt = m.nowFunc()
	return nil
}

func (m *MemoryStore) CreateNew(ctx context.Context, platformKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session := m.createLocked(platformKey, "")
	return session.ID, nil
}

func (m *MemoryStore) ClearCurrent(ctx context.Context, platformKey string) (*ClearResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.current[platformKey]; ok {
		if session, ok := m.sessions[id]; ok {
			session.Messages = nil
			session.UpdatedAt = m.nowFunc()
			return &ClearResult{SessionID: id}, nil
		}
	}
	session := m.createLocked(platformKey, "")
	return &ClearResult{SessionID: session.ID, CreatedNew: true}, nil
}

func (m *MemoryStore) GetCurrent(ctx context.Context, platformKey string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.current[platformKey]
	if !ok {
		return nil, nil
	}
	session, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return cloneSession(session), nil
}

func (m *MemoryStore) GetCurrentID(ctx context.Context, platformKey string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current[platformKey], nil
}

func (m *MemoryStore) GetCurrentStatus(ctx context.Context, platformKey string) (*Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.current[platformKey]
	if !ok {
		return nil, nil
	}
	session, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return &Status{
		SessionID:    session.ID,
		MessageCount: len(session.Messages),
		UpdatedAt:    session.UpdatedAt,
	}, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, platformKey string, limit int) ([]models.SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = defaultListLimit
	}
	currentID := m.current[platformKey]

	var out []models.SessionSummary
	for _, session := range m.sessions {
		if session.PlatformKey != platformKey {
			continue
		}
		out = append(out, models.SessionSummary{
			ID:           session.ID,
			Preview:      DerivePreview(session.Messages),
			MessageCount: len(session.Messages),
			UpdatedAt:    session.UpdatedAt,
			Current:      session.ID == currentID,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Attach(ctx context.Context, platformKey, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if session.PlatformKey != platformKey {
		return ErrForeignSession
	}
	m.current[platformKey] = sessionID
	return nil
}

func (m *MemoryStore) PurgeIdle(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pinned := make(map[string]bool, len(m.current))
	for _, id := range m.current {
		pinned[id] = true
	}
	purged := 0
	for id, session := range m.sessions {
		if pinned[id] || !session.UpdatedAt.Before(olderThan) {
			continue
		}
		delete(m.sessions, id)
		purged++
	}
	return purged, nil
}

// createLocked creates a fresh session and marks it current. Caller
// holds the write lock.
func (m *MemoryStore) createLocked(platformKey, memoryKey string) *models.Session {
	now := m.nowFunc()
	session := &models.Session{
		ID:          uuid.NewString(),
		PlatformKey: platformKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if memoryKey != "" {
		session.Metadata = map[string]any{"memory_key": memoryKey}
	}
	m.sessions[session.ID] = session
	m.current[platformKey] = session.ID
	return session
}

func cloneSession(session *models.Session) *models.Session {
	if session == nil {
		return nil
	}
	clone := *session
	clone.Messages = cloneMessages(session.Messages)
	if session.Metadata != nil {
		clone.Metadata = make(map[string]any, len(session.Metadata))
		for k, v := range session.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func cloneMessages(messages []models.Message) []models.Message {
	if messages == nil {
		return nil
	}
	out := make([]models.Message, len(messages))
	copy(out, messages)
	for i := range out {
		if len(out[i].Parts) > 0 {
			out[i].Parts = append([]models.Part(nil), out[i].Parts...)
		}
	}
	return out
}
