package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so TEXT comparison orders like time.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the SQLite database at dbPath and migrates it.
// Use ":memory:" for a throwaway database.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection serializes writers and keeps :memory: databases alive
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// SetClock replaces the clock used for created_at/updated_at stamps.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS deletion_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		broker_id TEXT NOT NULL,
		broker_name TEXT NOT NULL,
		framework TEXT NOT NULL,
		status TEXT NOT NULL,
		email_subject TEXT NOT NULL,
		email_body TEXT NOT NULL,
		send_attempts INTEGER NOT NULL DEFAULT 0,
		last_send_error TEXT,
		next_retry_at TEXT,
		sent_message_id TEXT,
		thread_id TEXT,
		sent_at TEXT,
		confirmed_at TEXT,
		rejected_at TEXT,
		notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_dr_user_broker ON deletion_requests(user_id, broker_id);
	CREATE INDEX IF NOT EXISTS idx_dr_status ON deletion_requests(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_dr_next_retry ON deletion_requests(next_retry_at);
	CREATE INDEX IF NOT EXISTS idx_dr_thread ON deletion_requests(thread_id);

	CREATE TABLE IF NOT EXISTS broker_responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		thread_id TEXT,
		deletion_request_id INTEGER REFERENCES deletion_requests(id),
		sender_email TEXT,
		subject TEXT,
		body TEXT,
		received_at TEXT,
		response_type TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		matched_by TEXT,
		source TEXT,
		rationale TEXT,
		action_url TEXT,
		is_processed INTEGER NOT NULL DEFAULT 0,
		processed_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_br_user_message ON broker_responses(user_id, message_id);
	CREATE INDEX IF NOT EXISTS idx_br_request ON broker_responses(deletion_request_id);

	CREATE TABLE IF NOT EXISTS email_scans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		sender_email TEXT,
		sender_domain TEXT,
		subject TEXT,
		received_at TEXT,
		is_broker_email INTEGER NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0,
		broker_id TEXT,
		classification_notes TEXT,
		body_preview TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_es_user_message ON email_scans(user_id, message_id);
	CREATE INDEX IF NOT EXISTS idx_es_broker ON email_scans(user_id, is_broker_email);

	CREATE TABLE IF NOT EXISTS activity_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		message TEXT NOT NULL,
		details TEXT,
		broker_id TEXT,
		deletion_request_id INTEGER,
		response_id INTEGER,
		email_scan_id INTEGER,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_al_user ON activity_logs(user_id, created_at);

	CREATE TABLE IF NOT EXISTS scan_watermarks (
		user_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		last_received_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, mode)
	);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

type scanner interface{ Scan(...any) error }

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// tolerate rows written by hand with RFC 3339
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func parseNullInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func noRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
