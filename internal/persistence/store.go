// Package persistence is the data access layer: users, threads, actions,
// thread-action junctions, response chunks, and per-user handler
// configuration, backed by SQLite. Every exported mutation runs as a
// discrete transaction; reads run as plain queries outside any
// transaction, so a multi-query read such as GetThread does not see a
// single snapshot. Every ownership-checked read matches a
// composite (id, user_id) predicate so a foreign row is indistinguishable
// from a missing one.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite handle. A single connection is kept open because
// SQLite supports only one writer at a time.
type Store struct {
	db *sql.DB
}

// Open opens (and creates, if needed) the database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	ctx := context.Background()
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the raw handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			is_active INTEGER NOT NULL DEFAULT 1,
			email TEXT NOT NULL UNIQUE,
			password_version INTEGER NOT NULL DEFAULT 1,
			password_hash TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS threads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id),
			created_at DATETIME NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id),
			handler_name TEXT NOT NULL,
			is_completed INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			completed_at DATETIME,
			request JSON NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			raw_text TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS thread_actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id INTEGER NOT NULL REFERENCES threads(id),
			action_id INTEGER NOT NULL REFERENCES actions(id),
			display_order INTEGER NOT NULL,
			show_question INTEGER NOT NULL DEFAULT 0,
			show_answer INTEGER NOT NULL DEFAULT 1,
			UNIQUE(thread_id, action_id)
		);`,
		`CREATE TABLE IF NOT EXISTS action_response_chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action_id INTEGER NOT NULL REFERENCES actions(id),
			chunk_order INTEGER NOT NULL,
			mime TEXT NOT NULL,
			text_content TEXT,
			binary_content BLOB,
			UNIQUE(action_id, chunk_order)
		);`,
		`CREATE TABLE IF NOT EXISTS action_handler_configurations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			handler_name TEXT NOT NULL,
			user_id INTEGER NOT NULL REFERENCES users(id),
			created_at DATETIME NOT NULL,
			updated_at DATETIME,
			configuration JSON NOT NULL,
			UNIQUE(handler_name, user_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_threads_user ON threads(user_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_thread_actions_thread ON thread_actions(thread_id, display_order);`,
		`CREATE INDEX IF NOT EXISTS idx_thread_actions_action ON thread_actions(action_id);`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_action ON action_response_chunks(action_id, chunk_order);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// withTx runs f inside a transaction, retrying transient SQLite lock
// errors with exponential backoff and bounded jitter.
func (s *Store) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// utcNow truncates to whole seconds so DATETIME round-trips are stable.
func utcNow() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
