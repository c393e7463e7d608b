package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

// sqliteSchema bootstraps the session tables. Message history is one
// JSON document per session; timestamps are unix nanoseconds so range
// scans and ordering stay plain integer comparisons.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	platform_key  TEXT NOT NULL,
	messages      TEXT NOT NULL DEFAULT '[]',
	metadata      TEXT NOT NULL DEFAULT '{}',
	preview       TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_platform_key
	ON sessions(platform_key, updated_at DESC);
CREATE TABLE IF NOT EXISTS current_sessions (
	platform_key TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL
);
`

// SQLiteStore persists sessions in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and bootstraps) a SQLite-backed session store.
// The pool is capped at one connection so concurrent writers serialize
// through it instead of hitting SQLITE_BUSY.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, platformKey string, forceNew bool, memoryKey string) (*models.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if !forceNew {
		id, err := currentIDTx(ctx, tx, platformKey)
		if err != nil {
			return nil, err
		}
		if id != "" {
			session, err := loadSessionTx(ctx, tx, id)
			if err == nil {
				return session, tx.Commit()
			}
			if !errors.Is(err, ErrSessionNotFound) {
				return nil, err
			}
		}
	}

	session, err := createSessionTx(ctx, tx, platformKey, memoryKey)
	if err != nil {
		return nil, err
	}
	return session, tx.Commit()
}

func (s *SQLiteStore) Save(ctx context.Context, sessionID string, messages []models.Message) error {
	raw, err := json.Marshal(messagesOrEmpty(messages))
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET messages = ?, preview = ?, message_count = ?, updated_at = ? WHERE id = ?`,
		string(raw), DerivePreview(messages), len(messages), time.Now().UnixNano(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) CreateNew(ctx context.Context, platformKey string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	session, err := createSessionTx(ctx, tx, platformKey, "")
	if err != nil {
		return "", err
	}
	return session.ID, tx.Commit()
}

func (s *SQLiteStore) ClearCurrent(ctx context.Context, platformKey string) (*ClearResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	id, err := currentIDTx(ctx, tx, platformKey)
	if err != nil {
		return nil, err
	}
	if id != "" {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET messages = '[]', preview = '', message_count = 0, updated_at = ? WHERE id = ?`,
			time.Now().UnixNano(), id,
		)
		if err != nil {
			return nil, fmt.Errorf("clear session: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			return &ClearResult{SessionID: id}, tx.Commit()
		}
	}

	session, err := createSessionTx(ctx, tx, platformKey, "")
	if err != nil {
		return nil, err
	}
	return &ClearResult{SessionID: session.ID, CreatedNew: true}, tx.Commit()
}

func (s *SQLiteStore) GetCurrent(ctx context.Context, platformKey string) (*models.Session, error) {
	id, err := s.GetCurrentID(ctx, platformKey)
	if err != nil || id == "" {
		return nil, err
	}
	session, err := loadSessionTx(ctx, s.db, id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	return session, err
}

func (s *SQLiteStore) GetCurrentID(ctx context.Context, platformKey string) (string, error) {
	return currentIDTx(ctx, s.db, platformKey)
}

func (s *SQLiteStore) GetCurrentStatus(ctx context.Context, platformKey string) (*Status, error) {
	var (
		status   Status
		updatedN int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT s.id, s.message_count, s.updated_at
		 FROM sessions s JOIN current_sessions c ON c.session_id = s.id
		 WHERE c.platform_key = ?`,
		platformKey,
	).Scan(&status.SessionID, &status.MessageCount, &updatedN)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	status.UpdatedAt = time.Unix(0, updatedN)
	return &status, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, platformKey string, limit int) ([]models.SessionSummary, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	currentID, err := s.GetCurrentID(ctx, platformKey)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, preview, message_count, updated_at
		 FROM sessions WHERE platform_key = ?
		 ORDER BY updated_at DESC, id DESC LIMIT ?`,
		platformKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.SessionSummary
	for rows.Next() {
		var (
			summary  models.SessionSummary
			updatedN int64
		)
		if err := rows.Scan(&summary.ID, &summary.Preview, &summary.MessageCount, &updatedN); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		summary.UpdatedAt = time.Unix(0, updatedN)
		summary.Current = summary.ID == currentID
		out = append(out, summary)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Attach(ctx context.Context, platformKey, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT platform_key FROM sessions WHERE id = ?`, sessionID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if owner != platformKey {
		return ErrForeignSession
	}
	if err := setCurrentTx(ctx, tx, platformKey, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) PurgeIdle(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions
		 WHERE updated_at < ?
		   AND id NOT IN (SELECT session_id FROM current_sessions)`,
		olderThan.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func currentIDTx(ctx context.Context, q querier, platformKey string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx,
		`SELECT session_id FROM current_sessions WHERE platform_key = ?`, platformKey,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get current id: %w", err)
	}
	return id, nil
}

func loadSessionTx(ctx context.Context, q querier, id string) (*models.Session, error) {
	var (
		session              models.Session
		messagesRaw, metaRaw string
		createdN, updatedN   int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, platform_key, messages, metadata, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&session.ID, &session.PlatformKey, &messagesRaw, &metaRaw, &createdN, &updatedN)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if err := json.Unmarshal([]byte(messagesRaw), &session.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	if metaRaw != "" && metaRaw != "{}" {
		if err := json.Unmarshal([]byte(metaRaw), &session.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	session.CreatedAt = time.Unix(0, createdN)
	session.UpdatedAt = time.Unix(0, updatedN)
	return &session, nil
}

func createSessionTx(ctx context.Context, q querier, platformKey, memoryKey string) (*models.Session, error) {
	now := time.Now()
	session := &models.Session{
		ID:          uuid.NewString(),
		PlatformKey: platformKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	metaRaw := "{}"
	if memoryKey != "" {
		session.Metadata = map[string]any{"memory_key": memoryKey}
		raw, err := json.Marshal(session.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		metaRaw = string(raw)
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO sessions (id, platform_key, messages, metadata, preview, message_count, created_at, updated_at)
		 VALUES (?, ?, '[]', ?, '', 0, ?, ?)`,
		session.ID, platformKey, metaRaw, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if err := setCurrentTx(ctx, q, platformKey, session.ID); err != nil {
		return nil, err
	}
	return session, nil
}

func setCurrentTx(ctx context.Context, q querier, platformKey, sessionID string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO current_sessions (platform_key, session_id) VALUES (?, ?)
		 ON CONFLICT(platform_key) DO UPDATE SET session_id = excluded.session_id`,
		platformKey, sessionID,
	)
	if err != nil {
		return fmt.Errorf("set current session: %w", err)
	}
	return nil
}

func messagesOrEmpty(messages []models.Message) []models.Message {
	if messages == nil {
		return []models.Message{}
	}
	return messages
}
