package sessions

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func setupMockStore(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return db, mock, &PostgresStore{db: db}
}

func prepare(t *testing.T, db *sql.DB, query string) *sql.Stmt {
	t.Helper()
	stmt, err := db.Prepare(query)
	if err != nil {
		t.Fatalf("prepare %q: %v", query, err)
	}
	return stmt
}

func TestNewPostgresStoreRequiresDSN(t *testing.T) {
	if _, err := NewPostgresStore(""); err == nil || !strings.Contains(err.Error(), "dsn") {
		t.Errorf("NewPostgresStore(\"\") = %v, want dsn error", err)
	}
}

func TestPostgresStoreSave(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		wantErr   error
		errText   string
	}{
		{
			name: "successful save",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE sessions SET messages").
					WithArgs(sqlmock.AnyArg(), "list /tmp", 4, sqlmock.AnyArg(), "session-1").
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "unknown session",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE sessions SET messages").
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantErr: ErrSessionNotFound,
		},
		{
			name: "database error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE sessions SET messages").
					WillReturnError(errors.New("connection refused"))
			},
			errText: "save session",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockStore(t)
			defer db.Close()

			mock.ExpectPrepare("UPDATE sessions SET messages")
			tt.setupMock(mock)
			store.stmtSaveMessages = prepare(t, db,
				`UPDATE sessions SET messages = $1, preview = $2, message_count = $3, updated_at = $4 WHERE id = $5`)

			err := store.Save(context.Background(), "session-1", toolConversation())

			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Save = %v, want %v", err, tt.wantErr)
				}
			case tt.errText != "":
				if err == nil || !strings.Contains(err.Error(), tt.errText) {
					t.Errorf("Save = %v, want error containing %q", err, tt.errText)
				}
			default:
				if err != nil {
					t.Errorf("Save = %v, want nil", err)
				}
				if err := mock.ExpectationsWereMet(); err != nil {
					t.Errorf("unfulfilled expectations: %v", err)
				}
			}
		})
	}
}

func TestPostgresStoreGetOrCreate(t *testing.T) {
	t.Run("reuses current session", func(t *testing.T) {
		db, mock, store := setupMockStore(t)
		defer db.Close()

		now := time.Now()
		mock.ExpectPrepare("SELECT session_id FROM current_sessions")
		mock.ExpectPrepare("SELECT id, platform_key, messages")
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT session_id FROM current_sessions").
			WithArgs("cli:alice").
			WillReturnRows(sqlmock.NewRows([]string{"session_id"}).AddRow("session-1"))
		mock.ExpectQuery("SELECT id, platform_key, messages").
			WithArgs("session-1").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "platform_key", "messages", "metadata", "created_at", "updated_at",
			}).AddRow(
				"session-1", "cli:alice", []byte(`[{"role":"user","content":"hi"}]`), []byte(`{}`), now, now,
			))
		mock.ExpectCommit()

		store.stmtCurrentID = prepare(t, db, `SELECT session_id FROM current_sessions WHERE platform_key = $1`)
		store.stmtLoadSession = prepare(t, db, `SELECT id, platform_key, messages, metadata, created_at, updated_at FROM sessions WHERE id = $1`)

		session, err := store.GetOrCreate(context.Background(), "cli:alice", false, "")
		if err != nil {
			t.Fatalf("GetOrCreate: %v", err)
		}
		if session.ID != "session-1" || len(session.Messages) != 1 || session.Messages[0].Content != "hi" {
			t.Errorf("session = %+v, want stored session-1 with its history", session)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})

	t.Run("creates when no current", func(t *testing.T) {
		db, mock, store := setupMockStore(t)
		defer db.Close()

		mock.ExpectPrepare("SELECT session_id FROM current_sessions")
		mock.ExpectPrepare("INSERT INTO sessions")
		mock.ExpectPrepare("INSERT INTO current_sessions")
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT session_id FROM current_sessions").
			WithArgs("cli:alice").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec("INSERT INTO sessions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO current_sessions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		store.stmtCurrentID = prepare(t, db, `SELECT session_id FROM current_sessions WHERE platform_key = $1`)
		store.stmtInsertSession = prepare(t, db,
			`INSERT INTO sessions (id, platform_key, messages, metadata, preview, message_count, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
		store.stmtSetCurrent = prepare(t, db,
			`INSERT INTO current_sessions (platform_key, session_id) VALUES ($1, $2) ON CONFLICT (platform_key) DO UPDATE SET session_id = EXCLUDED.session_id`)

		session, err := store.GetOrCreate(context.Background(), "cli:alice", false, "ws:1")
		if err != nil {
			t.Fatalf("GetOrCreate: %v", err)
		}
		if session.ID == "" || session.PlatformKey != "cli:alice" {
			t.Errorf("session = %+v, want fresh session for cli:alice", session)
		}
		if session.Metadata["memory_key"] != "ws:1" {
			t.Errorf("metadata = %v, want recorded memory key", session.Metadata)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})
}

func TestPostgresStoreGetCurrentStatus(t *testing.T) {
	t.Run("current session present", func(t *testing.T) {
		db, mock, store := setupMockStore(t)
		defer db.Close()

		now := time.Now()
		mock.ExpectPrepare("SELECT s.id, s.message_count")
		mock.ExpectQuery("SELECT s.id, s.message_count").
			WithArgs("cli:alice").
			WillReturnRows(sqlmock.NewRows([]string{"id", "message_count", "updated_at"}).
				AddRow("session-1", 7, now))

		store.stmtStatus = prepare(t, db,
			`SELECT s.id, s.message_count, s.updated_at FROM sessions s JOIN current_sessions c ON c.session_id = s.id WHERE c.platform_key = $1`)

		status, err := store.GetCurrentStatus(context.Background(), "cli:alice")
		if err != nil {
			t.Fatalf("GetCurrentStatus: %v", err)
		}
		if status == nil || status.SessionID != "session-1" || status.MessageCount != 7 {
			t.Errorf("status = %+v", status)
		}
	})

	t.Run("no current session", func(t *testing.T) {
		db, mock, store := setupMockStore(t)
		defer db.Close()

		mock.ExpectPrepare("SELECT s.id, s.message_count")
		mock.ExpectQuery("SELECT s.id, s.message_count").
			WithArgs("cli:ghost").
			WillReturnError(sql.ErrNoRows)

		store.stmtStatus = prepare(t, db,
			`SELECT s.id, s.message_count, s.updated_at FROM sessions s JOIN current_sessions c ON c.session_id = s.id WHERE c.platform_key = $1`)

		status, err := store.GetCurrentStatus(context.Background(), "cli:ghost")
		if err != nil || status != nil {
			t.Errorf("GetCurrentStatus = (%+v, %v), want (nil, nil)", status, err)
		}
	})
}

func TestPostgresStoreAttach(t *testing.T) {
	setCurrentSQL := `INSERT INTO current_sessions (platform_key, session_id) VALUES ($1, $2) ON CONFLICT (platform_key) DO UPDATE SET session_id = EXCLUDED.session_id`

	t.Run("attach own session", func(t *testing.T) {
		db, mock, store := setupMockStore(t)
		defer db.Close()

		mock.ExpectPrepare("INSERT INTO current_sessions")
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT platform_key FROM sessions").
			WithArgs("session-1").
			WillReturnRows(sqlmock.NewRows([]string{"platform_key"}).AddRow("cli:alice"))
		mock.ExpectExec("INSERT INTO current_sessions").
			WithArgs("cli:alice", "session-1").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		store.stmtSetCurrent = prepare(t, db, setCurrentSQL)

		if err := store.Attach(context.Background(), "cli:alice", "session-1"); err != nil {
			t.Errorf("Attach = %v, want nil", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})

	t.Run("foreign session refused", func(t *testing.T) {
		db, mock, store := setupMockStore(t)
		defer db.Close()

		mock.ExpectPrepare("INSERT INTO current_sessions")
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT platform_key FROM sessions").
			WithArgs("session-2").
			WillReturnRows(sqlmock.NewRows([]string{"platform_key"}).AddRow("telegram:9"))
		mock.ExpectRollback()

		store.stmtSetCurrent = prepare(t, db, setCurrentSQL)

		err := store.Attach(context.Background(), "cli:alice", "session-2")
		if !errors.Is(err, ErrForeignSession) {
			t.Errorf("Attach foreign = %v, want ErrForeignSession", err)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		db, mock, store := setupMockStore(t)
		defer db.Close()

		mock.ExpectPrepare("INSERT INTO current_sessions")
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT platform_key FROM sessions").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		store.stmtSetCurrent = prepare(t, db, setCurrentSQL)

		if err := store.Attach(context.Background(), "cli:alice", "missing"); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("Attach unknown = %v, want ErrSessionNotFound", err)
		}
	})
}

func TestPostgresStoreListSessions(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectPrepare("SELECT session_id FROM current_sessions")
	mock.ExpectPrepare("SELECT id, preview, message_count")
	mock.ExpectQuery("SELECT session_id FROM current_sessions").
		WithArgs("cli:alice").
		WillReturnRows(sqlmock.NewRows([]string{"session_id"}).AddRow("session-2"))
	mock.ExpectQuery("SELECT id, preview, message_count").
		WithArgs("cli:alice", 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "preview", "message_count", "updated_at"}).
			AddRow("session-2", "newest question", 4, now).
			AddRow("session-1", "older question", 2, now.Add(-time.Hour)))

	store.stmtCurrentID = prepare(t, db, `SELECT session_id FROM current_sessions WHERE platform_key = $1`)
	store.stmtList = prepare(t, db,
		`SELECT id, preview, message_count, updated_at FROM sessions WHERE platform_key = $1 ORDER BY updated_at DESC, id DESC LIMIT $2`)

	summaries, err := store.ListSessions(context.Background(), "cli:alice", 10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("got %d summaries, want 2", len(summaries))
	}
	if !summaries[0].Current || summaries[0].ID != "session-2" {
		t.Errorf("first summary = %+v, want current session-2", summaries[0])
	}
	if summaries[1].Current {
		t.Error("older session should not carry the current marker")
	}
	if summaries[1].Preview != "older question" || summaries[1].MessageCount != 2 {
		t.Errorf("second summary = %+v", summaries[1])
	}
}

func TestPostgresStorePurgeIdle(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectExec("DELETE FROM sessions").
		WillReturnResult(sqlmock.NewResult(0, 3))

	purged, err := store.PurgeIdle(context.Background(), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeIdle: %v", err)
	}
	if purged != 3 {
		t.Errorf("purged = %d, want 3", purged)
	}
}
