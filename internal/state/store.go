// Package state persists the small amount of session state that must survive
// a restart: reload cache entries, canonical agent thread ids, and the context
// tape. Everything else is rebuilt from live traffic.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/mirageos/mirage/internal/common/logger"
	"github.com/mirageos/mirage/internal/session/reload"
	v1 "github.com/mirageos/mirage/pkg/api/v1"
)

const schema = `
CREATE TABLE IF NOT EXISTS reload_entries (
	event_id     TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	fingerprint  TEXT NOT NULL,
	actions      TEXT NOT NULL,
	window_ids   TEXT NOT NULL DEFAULT '[]',
	fail_count   INTEGER NOT NULL DEFAULT 0,
	invalidated  INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reload_session ON reload_entries(session_id);
CREATE INDEX IF NOT EXISTS idx_reload_fingerprint ON reload_entries(session_id, fingerprint);

CREATE TABLE IF NOT EXISTS agent_threads (
	session_id      TEXT NOT NULL,
	canonical_agent TEXT NOT NULL,
	thread_id       TEXT NOT NULL,
	updated_at      TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, canonical_agent)
);

CREATE TABLE IF NOT EXISTS tape_messages (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id    TEXT NOT NULL,
	role          TEXT NOT NULL,
	content       TEXT NOT NULL,
	source_window TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tape_session ON tape_messages(session_id, id);
`

// Store wraps the sqlite database.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string, log *logger.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log.Info("state store opened", zap.String("path", path))
	return &Store{db: db, logger: log}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type reloadRow struct {
	EventID     string    `db:"event_id"`
	SessionID   string    `db:"session_id"`
	Fingerprint string    `db:"fingerprint"`
	Actions     string    `db:"actions"`
	WindowIDs   string    `db:"window_ids"`
	FailCount   int       `db:"fail_count"`
	Invalidated bool      `db:"invalidated"`
	CreatedAt   time.Time `db:"created_at"`
}

// SaveReloadEntry inserts or replaces a reload cache entry.
func (s *Store) SaveReloadEntry(ctx context.Context, sessionID string, e *reload.Entry) error {
	actions, err := json.Marshal(e.Actions)
	if err != nil {
		return fmt.Errorf("failed to encode actions: %w", err)
	}
	windowIDs, err := json.Marshal(e.WindowIDs)
	if err != nil {
		return fmt.Errorf("failed to encode window ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reload_entries (event_id, session_id, fingerprint, actions, window_ids, fail_count, invalidated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			fail_count = excluded.fail_count,
			invalidated = excluded.invalidated`,
		e.EventID, sessionID, e.Fingerprint, string(actions), string(windowIDs),
		e.FailCount, e.Invalidated, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save reload entry: %w", err)
	}
	return nil
}

// ListReloadEntries returns all entries recorded for a session.
func (s *Store) ListReloadEntries(ctx context.Context, sessionID string) ([]*reload.Entry, error) {
	var rows []reloadRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT event_id, session_id, fingerprint, actions, window_ids, fail_count, invalidated, created_at
		FROM reload_entries WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reload entries: %w", err)
	}

	entries := make([]*reload.Entry, 0, len(rows))
	for _, r := range rows {
		e := &reload.Entry{
			EventID:     r.EventID,
			Fingerprint: r.Fingerprint,
			CreatedAt:   r.CreatedAt,
			FailCount:   r.FailCount,
			Invalidated: r.Invalidated,
		}
		if err := json.Unmarshal([]byte(r.Actions), &e.Actions); err != nil {
			s.logger.Warn("skipping reload entry with corrupt actions",
				zap.String("event_id", r.EventID), zap.Error(err))
			continue
		}
		if err := json.Unmarshal([]byte(r.WindowIDs), &e.WindowIDs); err != nil {
			e.WindowIDs = nil
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// DeleteReloadEntries removes every entry for a session.
func (s *Store) DeleteReloadEntries(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM reload_entries WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete reload entries: %w", err)
	}
	return nil
}

// SaveThread records the provider thread id for a canonical agent so the
// conversation can resume after a restart.
func (s *Store) SaveThread(ctx context.Context, sessionID, canonicalAgent, threadID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_threads (session_id, canonical_agent, thread_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, canonical_agent) DO UPDATE SET
			thread_id = excluded.thread_id,
			updated_at = excluded.updated_at`,
		sessionID, canonicalAgent, threadID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save thread id: %w", err)
	}
	return nil
}

// LoadThread returns the stored thread id, or "" when none exists.
func (s *Store) LoadThread(ctx context.Context, sessionID, canonicalAgent string) (string, error) {
	var threadID string
	err := s.db.GetContext(ctx, &threadID,
		`SELECT thread_id FROM agent_threads WHERE session_id = ? AND canonical_agent = ?`,
		sessionID, canonicalAgent)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load thread id: %w", err)
	}
	return threadID, nil
}

// DeleteThread forgets the thread id for a canonical agent.
func (s *Store) DeleteThread(ctx context.Context, sessionID, canonicalAgent string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_threads WHERE session_id = ? AND canonical_agent = ?`,
		sessionID, canonicalAgent); err != nil {
		return fmt.Errorf("failed to delete thread id: %w", err)
	}
	return nil
}

// SaveTape replaces the persisted context tape for a session.
func (s *Store) SaveTape(ctx context.Context, sessionID string, messages []v1.ContextMessage) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tape_messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to clear tape: %w", err)
	}
	for _, m := range messages {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tape_messages (session_id, role, content, source_window, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			sessionID, string(m.Role), m.Content, m.Source.WindowID, m.Timestamp); err != nil {
			return fmt.Errorf("failed to save tape message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tape: %w", err)
	}
	return nil
}

type tapeRow struct {
	Role         string    `db:"role"`
	Content      string    `db:"content"`
	SourceWindow string    `db:"source_window"`
	CreatedAt    time.Time `db:"created_at"`
}

// LoadTape returns the persisted context tape in insertion order.
func (s *Store) LoadTape(ctx context.Context, sessionID string) ([]v1.ContextMessage, error) {
	var rows []tapeRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT role, content, source_window, created_at
		FROM tape_messages WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tape: %w", err)
	}

	messages := make([]v1.ContextMessage, 0, len(rows))
	for _, r := range rows {
		messages = append(messages, v1.ContextMessage{
			Role:      v1.MessageRole(r.Role),
			Content:   r.Content,
			Source:    v1.Source{WindowID: r.SourceWindow},
			Timestamp: r.CreatedAt,
		})
	}
	return messages, nil
}

// ClearSession removes everything persisted for a session.
func (s *Store) ClearSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM reload_entries WHERE session_id = ?`,
		`DELETE FROM agent_threads WHERE session_id = ?`,
		`DELETE FROM tape_messages WHERE session_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, sessionID); err != nil {
			return fmt.Errorf("failed to clear session state: %w", err)
		}
	}
	return tx.Commit()
}
