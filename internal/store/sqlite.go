package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/embercore/ember/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_key TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			run_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			metadata TEXT,
			FOREIGN KEY (session_key) REFERENCES sessions(session_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_key, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetOrCreate loads a session and its history, creating the session on
// first reference.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, key string) (*domain.Session, error) {
	session, err := s.getSession(ctx, key)
	if err != nil {
		return nil, err
	}
	if session == nil {
		now := time.Now().UTC()
		session = &domain.Session{Key: key, CreatedAt: now, UpdatedAt: now}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (session_key, created_at, updated_at) VALUES (?, ?, ?)`,
			session.Key, session.CreatedAt, session.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		return session, nil
	}

	messages, err := s.getMessages(ctx, key)
	if err != nil {
		return nil, err
	}
	session.Messages = messages
	return session, nil
}

// GetSession loads a session with its history, or nil when absent.
func (s *SQLiteStore) GetSession(ctx context.Context, key string) (*domain.Session, error) {
	session, err := s.getSession(ctx, key)
	if err != nil || session == nil {
		return session, err
	}
	messages, err := s.getMessages(ctx, key)
	if err != nil {
		return nil, err
	}
	session.Messages = messages
	return session, nil
}

// Save inserts messages appended since load and updates the session row.
func (s *SQLiteStore) Save(ctx context.Context, session *domain.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range session.Messages {
		msg := &session.Messages[i]
		if msg.MessageID != "" {
			continue // already persisted
		}
		msg.MessageID = "msg_" + uuid.New().String()[:8]
		var metadata interface{}
		if len(msg.Metadata) > 0 {
			metadata = string(msg.Metadata)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (message_id, session_key, run_id, role, content, created_at, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.MessageID, session.Key, nullable(msg.RunID), msg.Role, msg.Content, msg.CreatedAt, metadata)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
	}

	var metadata interface{}
	if len(session.Metadata) > 0 {
		metadata = string(session.Metadata)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ?, metadata = ? WHERE session_key = ?`,
		session.UpdatedAt, metadata, session.Key)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return tx.Commit()
}

// ListSessions returns all sessions ordered by most recently updated.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_key, created_at, updated_at, metadata FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var sess domain.Session
		var metadata sql.NullString
		if err := rows.Scan(&sess.Key, &sess.CreatedAt, &sess.UpdatedAt, &metadata); err != nil {
			return nil, err
		}
		if metadata.Valid {
			sess.Metadata = json.RawMessage(metadata.String)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) getSession(ctx context.Context, key string) (*domain.Session, error) {
	var sess domain.Session
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT session_key, created_at, updated_at, metadata FROM sessions WHERE session_key = ?`,
		key).Scan(&sess.Key, &sess.CreatedAt, &sess.UpdatedAt, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if metadata.Valid {
		sess.Metadata = json.RawMessage(metadata.String)
	}
	return &sess, nil
}

func (s *SQLiteStore) getMessages(ctx context.Context, key string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, session_key, run_id, role, content, created_at, metadata
		 FROM messages WHERE session_key = ? ORDER BY created_at ASC, message_id ASC`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var runID, metadata sql.NullString
		if err := rows.Scan(&msg.MessageID, &msg.SessionKey, &runID, &msg.Role, &msg.Content, &msg.CreatedAt, &metadata); err != nil {
			return nil, err
		}
		if runID.Valid {
			msg.RunID = runID.String
		}
		if metadata.Valid {
			msg.Metadata = json.RawMessage(metadata.String)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
