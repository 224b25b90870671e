// Package storage persists feed items, signal values, hypothesis evaluations,
// and source status in an embedded SQLite database. The store owns its schema
// and migrates it on open; callers never see SQL.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("storage: not found")

// Store wraps the embedded database.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (creating if necessary) the database at path and migrates the
// schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	// modernc's driver serializes per connection; a single connection avoids
	// SQLITE_BUSY between writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, logger: logger}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for packages that keep their own tables
// in the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS feed_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_name TEXT NOT NULL,
		title TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		published TEXT,
		content_hash TEXT NOT NULL,
		fetched_at TEXT NOT NULL,
		UNIQUE(source_name, content_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_feed_items_source ON feed_items(source_name)`,
	`CREATE INDEX IF NOT EXISTS idx_feed_items_fetched ON feed_items(fetched_at)`,
	`CREATE TABLE IF NOT EXISTS signal_values (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		signal_name TEXT NOT NULL,
		value REAL NOT NULL,
		source_count INTEGER NOT NULL,
		item_count INTEGER NOT NULL,
		country TEXT NOT NULL DEFAULT '',
		computed_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signal_values_name ON signal_values(signal_name, computed_at)`,
	`CREATE TABLE IF NOT EXISTS hypothesis_evaluations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		hypothesis_name TEXT NOT NULL,
		probability REAL NOT NULL,
		mc_mean REAL,
		ci_low REAL,
		ci_high REAL,
		trials INTEGER NOT NULL,
		country TEXT NOT NULL DEFAULT '',
		evaluated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_hypothesis_name ON hypothesis_evaluations(hypothesis_name, evaluated_at)`,
	`CREATE TABLE IF NOT EXISTS source_status (
		source_name TEXT PRIMARY KEY,
		last_fetch TEXT NOT NULL,
		ok INTEGER NOT NULL,
		item_count INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	)`,
}

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return nil
}

// withRetry runs op, retrying briefly when the database reports it is busy or
// locked. Other errors are returned immediately.
func withRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(10*time.Millisecond),
			backoff.WithMaxInterval(200*time.Millisecond),
		), 5), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func cutoff(now time.Time, days int) string {
	return formatTime(now.AddDate(0, 0, -days))
}
