// Package audit keeps an append-only log of API activity in the embedded
// database. Entries are never updated or deleted; the one exception is
// erasure, which nulls out the principal on matching rows while keeping the
// operational record.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry is one audit record.
type Entry struct {
	ID        string         `json:"id"`
	Principal string         `json:"principal,omitempty"`
	EventType string         `json:"event_type"`
	Method    string         `json:"method,omitempty"`
	Endpoint  string         `json:"endpoint,omitempty"`
	Status    int            `json:"status,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	At        time.Time      `json:"at"`
}

// Query filters Log.Query. Zero fields are ignored.
type Query struct {
	Principal string
	EventType string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Log writes and reads the audit table. It shares the engine's database file.
type Log struct {
	db *sql.DB
}

// New creates the Log and its table if missing.
func New(db *sql.DB) (*Log, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		principal TEXT,
		event_type TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT '',
		endpoint TEXT NOT NULL DEFAULT '',
		status INTEGER NOT NULL DEFAULT 0,
		request_id TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		at TEXT NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("audit: create table: %w", err)
	}
	if _, err := db.Exec(
		`CREATE INDEX IF NOT EXISTS idx_audit_principal ON audit_log(principal, at)`); err != nil {
		return nil, fmt.Errorf("audit: create index: %w", err)
	}
	return &Log{db: db}, nil
}

// Append writes one entry. ID and timestamp are filled in when empty.
func (l *Log) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("audit: marshal metadata: %w", err)
	}

	var principal any
	if e.Principal != "" {
		principal = e.Principal
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, principal, event_type, method, endpoint, status, request_id, metadata, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, principal, e.EventType, e.Method, e.Endpoint, e.Status,
		e.RequestID, string(meta), e.At.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// Query returns matching entries, newest first.
func (l *Log) Query(ctx context.Context, q Query) ([]Entry, error) {
	stmt := `SELECT id, principal, event_type, method, endpoint, status, request_id, metadata, at
	         FROM audit_log WHERE 1=1`
	var args []any
	if q.Principal != "" {
		stmt += ` AND principal = ?`
		args = append(args, q.Principal)
	}
	if q.EventType != "" {
		stmt += ` AND event_type = ?`
		args = append(args, q.EventType)
	}
	if !q.Since.IsZero() {
		stmt += ` AND at >= ?`
		args = append(args, q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		stmt += ` AND at <= ?`
		args = append(args, q.Until.UTC().Format(time.RFC3339))
	}
	stmt += ` ORDER BY at DESC`
	if q.Limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := l.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			principal sql.NullString
			meta      string
			at        string
		)
		if err := rows.Scan(&e.ID, &principal, &e.EventType, &e.Method,
			&e.Endpoint, &e.Status, &e.RequestID, &meta, &at); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Principal = principal.String
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			e.Metadata = nil
		}
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			e.At = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Erase nulls the principal on every entry attributed to it and returns the
// number of rows touched. The entries themselves remain.
func (l *Log) Erase(ctx context.Context, principal string) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE audit_log SET principal = NULL WHERE principal = ?`, principal)
	if err != nil {
		return 0, fmt.Errorf("audit: erase principal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("audit: erase principal: %w", err)
	}
	return n, nil
}
