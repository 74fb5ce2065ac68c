package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps sessions in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates or opens the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sessions db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			messages_json TEXT NOT NULL DEFAULT '[]',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chat_sessions_updated_idx ON chat_sessions(updated_at_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sessions db: %w", err)
		}
	}
	return nil
}

// Save inserts or replaces the session.
func (s *SQLiteStore) Save(ctx context.Context, cs ChatSession) error {
	msgs, err := json.Marshal(cs.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO chat_sessions(id, title, messages_json, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	title = excluded.title,
	messages_json = excluded.messages_json,
	updated_at_ms = excluded.updated_at_ms`,
		cs.ID, cs.Title, string(msgs), cs.CreatedAt.UnixMilli(), cs.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Load returns one session or ErrNotFound.
func (s *SQLiteStore) Load(ctx context.Context, id string) (ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, title, messages_json, created_at_ms, updated_at_ms
FROM chat_sessions WHERE id = ?`, id)
	cs, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatSession{}, ErrNotFound
	}
	return cs, err
}

// List returns every session, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context) ([]ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, title, messages_json, created_at_ms, updated_at_ms
FROM chat_sessions
ORDER BY updated_at_ms DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []ChatSession
	for rows.Next() {
		cs, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// Delete removes the session. Deleting an unknown ID is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (ChatSession, error) {
	var (
		cs                   ChatSession
		msgsRaw              string
		createdMS, updatedMS int64
	)
	if err := row.Scan(&cs.ID, &cs.Title, &msgsRaw, &createdMS, &updatedMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChatSession{}, err
		}
		return ChatSession{}, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal([]byte(msgsRaw), &cs.Messages); err != nil {
		return ChatSession{}, fmt.Errorf("decode messages of %s: %w", cs.ID, err)
	}
	cs.CreatedAt = time.UnixMilli(createdMS)
	cs.UpdatedAt = time.UnixMilli(updatedMS)
	return cs, nil
}
