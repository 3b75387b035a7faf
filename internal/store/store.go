// Package store is the sqlite-backed License Store. It exclusively owns
// LicenseKey mutation; the admission engine and the sweeper reach it through
// the license.Store interface, the admin surface through the richer methods
// on Store directly.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite database handle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the license database at dbPath. Pragmas ride in
// the DSN so every pooled connection is configured identically; sqlite works
// best with a single writer connection.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("store: database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("store: creating data directory: %w", err)
	}

	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			"cache_size(-64000)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:     db,
		logger: logger.With(slog.String("component", "store")),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: initializing schema: %w", err)
	}

	s.logger.Info("license store opened", slog.String("db_path", dbPath))
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS license_keys (
		id TEXT PRIMARY KEY,
		license_key TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'pending',
		assigned_to TEXT,
		assigned_email TEXT,
		max_activations INTEGER NOT NULL DEFAULT 1,
		current_activations INTEGER NOT NULL DEFAULT 0,
		bound_hwid TEXT,
		bound_ip TEXT,
		last_activated_at INTEGER,
		expires_at INTEGER,
		notes TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_license_keys_status ON license_keys(status);
	CREATE INDEX IF NOT EXISTS idx_license_keys_expires ON license_keys(expires_at) WHERE expires_at IS NOT NULL;

	CREATE TABLE IF NOT EXISTS activation_attempts (
		id TEXT PRIMARY KEY,
		license_key_id TEXT REFERENCES license_keys(id) ON DELETE CASCADE,
		ip_address TEXT,
		hwid TEXT,
		machine_name TEXT,
		os_version TEXT,
		app_version TEXT,
		success INTEGER NOT NULL,
		failure_code TEXT,
		failure_reason TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_key ON activation_attempts(license_key_id);
	CREATE INDEX IF NOT EXISTS idx_attempts_created ON activation_attempts(created_at);

	CREATE TABLE IF NOT EXISTS security_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		ip_address TEXT,
		license_key_id TEXT REFERENCES license_keys(id) ON DELETE SET NULL,
		attempted_key TEXT,
		details TEXT,
		resolved INTEGER NOT NULL DEFAULT 0,
		resolved_by TEXT,
		resolved_at INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_ip_type ON security_events(ip_address, event_type, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_resolved ON security_events(resolved);

	CREATE TABLE IF NOT EXISTS status_reports (
		id TEXT PRIMARY KEY,
		license_key_id TEXT NOT NULL REFERENCES license_keys(id) ON DELETE CASCADE,
		ip_address TEXT,
		hwid TEXT,
		app_version TEXT,
		os_version TEXT,
		status TEXT NOT NULL,
		error_message TEXT,
		uptime_seconds INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reports_key ON status_reports(license_key_id);
	CREATE INDEX IF NOT EXISTS idx_reports_created ON status_reports(created_at);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		read INTEGER NOT NULL DEFAULT 0,
		related_event_id TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS downloads (
		id TEXT PRIMARY KEY,
		ip_address TEXT,
		user_agent TEXT,
		referrer TEXT,
		app_version TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().Unix())
	return err
}

// Ping verifies the database is reachable, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: closing database: %w", err)
	}
	return nil
}

// isUniqueViolation recognizes sqlite unique-index conflicts.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// nullableUnix converts an optional timestamp to its column value.
func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

// unixPtr converts a nullable column back to an optional timestamp.
func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

// nullableStr maps empty strings to NULL on the way in.
func nullableStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
