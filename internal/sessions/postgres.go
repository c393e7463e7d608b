package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	platform_key  TEXT NOT NULL,
	messages      JSONB NOT NULL DEFAULT '[]',
	metadata      JSONB NOT NULL DEFAULT '{}',
	preview       TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_platform_key
	ON sessions(platform_key, updated_at DESC);
CREATE TABLE IF NOT EXISTS current_sessions (
	platform_key TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL
);
`

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB

	stmtInsertSession *sql.Stmt
	stmtLoadSession   *sql.Stmt
	stmtSaveMessages  *sql.Stmt
	stmtCurrentID     *sql.Stmt
	stmtSetCurrent    *sql.Stmt
	stmtStatus        *sql.Stmt
	stmtList          *sql.Stmt
}

// DB exposes the underlying connection for related stores.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// NewPostgresStore connects to PostgreSQL, bootstraps the schema and
// prepares the hot-path statements.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtInsertSession, err = s.db.Prepare(`
		INSERT INTO sessions (id, platform_key, messages, metadata, preview, message_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert session: %w", err)
	}

	s.stmtLoadSession, err = s.db.Prepare(`
		SELECT id, platform_key, messages, metadata, created_at, updated_at
		FROM sessions WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("prepare load session: %w", err)
	}

	s.stmtSaveMessages, err = s.db.Prepare(`
		UPDATE sessions SET messages = $1, preview = $2, message_count = $3, updated_at = $4
		WHERE id = $5
	`)
	if err != nil {
		return fmt.Errorf("prepare save messages: %w", err)
	}

	s.stmtCurrentID, err = s.db.Prepare(`
		SELECT session_id FROM current_sessions WHERE platform_key = $1
	`)
	if err != nil {
		return fmt.Errorf("prepare current id: %w", err)
	}

	s.stmtSetCurrent, err = s.db.Prepare(`
		INSERT INTO current_sessions (platform_key, session_id) VALUES ($1, $2)
		ON CONFLICT (platform_key) DO UPDATE SET session_id = EXCLUDED.session_id
	`)
	if err != nil {
		return fmt.Errorf("prepare set current: %w", err)
	}

	s.stmtStatus, err = s.db.Prepare(`
		SELECT s.id, s.message_count, s.updated_at
		FROM sessions s JOIN current_sessions c ON c.session_id = s.id
		WHERE c.platform_key = $1
	`)
	if err != nil {
		return fmt.Errorf("prepare status: %w", err)
	}

	s.stmtList, err = s.db.Prepare(`
		SELECT id, preview, message_count, updated_at
		FROM sessions WHERE platform_key = $1
		ORDER BY updated_at DESC, id DESC LIMIT $2
	`)
	if err != nil {
		return fmt.Errorf("prepare list: %w", err)
	}

	return nil
}

// Close closes the prepared statements and the connection pool.
func (s *PostgresStore) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{
		s.stmtInsertSession, s.stmtLoadSession, s.stmtSaveMessages,
		s.stmtCurrentID, s.stmtSetCurrent, s.stmtStatus, s.stmtList,
	} {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("close store: %v", errs)
	}
	return nil
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, platformKey string, forceNew bool, memoryKey string) (*models.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if !forceNew {
		id, err := s.currentIDIn(ctx, tx, platformKey)
		if err != nil {
			return nil, err
		}
		if id != "" {
			session, err := s.loadSessionIn(ctx, tx, id)
			if err == nil {
				return session, tx.Commit()
			}
			if !errors.Is(err, ErrSessionNotFound) {
				return nil, err
			}
		}
	}

	session, err := s.createSessionIn(ctx, tx, platformKey, memoryKey)
	if err != nil {
		return nil, err
	}
	return session, tx.Commit()
}

func (s *PostgresStore) Save(ctx context.Context, sessionID string, messages []models.Message) error {
	raw, err := json.Marshal(messagesOrEmpty(messages))
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	res, err := s.stmtSaveMessages.ExecContext(ctx,
		string(raw), DerivePreview(messages), len(messages), time.Now(), sessionID,
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

func (s *PostgresStore) CreateNew(ctx context.Context, platformKey string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	session, err := s.createSessionIn(ctx, tx, platformKey, "")
	if err != nil {
		return "", err
	}
	return session.ID, tx.Commit()
}

func (s *PostgresStore) ClearCurrent(ctx context.Context, platformKey string) (*ClearResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	id, err := s.currentIDIn(ctx, tx, platformKey)
	if err != nil {
		return nil, err
	}
	if id != "" {
		res, err := tx.StmtContext(ctx, s.stmtSaveMessages).ExecContext(ctx, "[]", "", 0, time.Now(), id)
		if err != nil {
			return nil, fmt.Errorf("clear session: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			return &ClearResult{SessionID: id}, tx.Commit()
		}
	}

	session, err := s.createSessionIn(ctx, tx, platformKey, "")
	if err != nil {
		return nil, err
	}
	return &ClearResult{SessionID: session.ID, CreatedNew: true}, tx.Commit()
}

func (s *PostgresStore) GetCurrent(ctx context.Context, platformKey string) (*models.Session, error) {
	id, err := s.GetCurrentID(ctx, platformKey)
	if err != nil || id == "" {
		return nil, err
	}
	session, err := s.loadSessionIn(ctx, nil, id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	return session, err
}

func (s *PostgresStore) GetCurrentID(ctx context.Context, platformKey string) (string, error) {
	var id string
	err := s.stmtCurrentID.QueryRowContext(ctx, platformKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get current id: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetCurrentStatus(ctx context.Context, platformKey string) (*Status, error) {
	var status Status
	err := s.stmtStatus.QueryRowContext(ctx, platformKey).Scan(
		&status.SessionID, &status.MessageCount, &status.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	return &status, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, platformKey string, limit int) ([]models.SessionSummary, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	currentID, err := s.GetCurrentID(ctx, platformKey)
	if err != nil {
		return nil, err
	}

	rows, err := s.stmtList.QueryContext(ctx, platformKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.SessionSummary
	for rows.Next() {
		var summary models.SessionSummary
		if err := rows.Scan(&summary.ID, &summary.Preview, &summary.MessageCount, &summary.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		summary.Current = summary.ID == currentID
		out = append(out, summary)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Attach(ctx context.Context, platformKey, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT platform_key FROM sessions WHERE id = $1`, sessionID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if owner != platformKey {
		return ErrForeignSession
	}
	if _, err := tx.StmtContext(ctx, s.stmtSetCurrent).ExecContext(ctx, platformKey, sessionID); err != nil {
		return fmt.Errorf("set current session: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) PurgeIdle(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions
		 WHERE updated_at < $1
		   AND id NOT IN (SELECT session_id FROM current_sessions)`,
		olderThan,
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

// currentIDIn resolves the current pointer inside tx when given,
// otherwise through the prepared statement.
func (s *PostgresStore) currentIDIn(ctx context.Context, tx *sql.Tx, platformKey string) (string, error) {
	stmt := s.stmtCurrentID
	if tx != nil {
		stmt = tx.StmtContext(ctx, stmt)
	}
	var id string
	err := stmt.QueryRowContext(ctx, platformKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get current id: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) loadSessionIn(ctx context.Context, tx *sql.Tx, id string) (*models.Session, error) {
	stmt := s.stmtLoadSession
	if tx != nil {
		stmt = tx.StmtContext(ctx, stmt)
	}
	var (
		session     models.Session
		messagesRaw []byte
		metadataRaw []byte
	)
	err := stmt.QueryRowContext(ctx, id).Scan(
		&session.ID, &session.PlatformKey, &messagesRaw, &metadataRaw,
		&session.CreatedAt, &session.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if len(messagesRaw) > 0 {
		if err := json.Unmarshal(messagesRaw, &session.Messages); err != nil {
			return nil, fmt.Errorf("unmarshal messages: %w", err)
		}
	}
	if len(metadataRaw) > 0 && string(metadataRaw) != "{}" {
		if err := json.Unmarshal(metadataRaw, &session.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &session, nil
}

func (s *PostgresStore) createSessionIn(ctx context.Context, tx *sql.Tx, platformKey, memoryKey string) (*models.Session, error) {
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
	_, err := tx.StmtContext(ctx, s.stmtInsertSession).ExecContext(ctx,
		session.ID, platformKey, "[]", metaRaw, "", 0, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if _, err := tx.StmtContext(ctx, s.stmtSetCurrent).ExecContext(ctx, platformKey, session.ID); err != nil {
		return nil, fmt.Errorf("set current session: %w", err)
	}
	return session, nil
}
