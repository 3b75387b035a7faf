package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"keygate/internal/license"
	"keygate/pkg/contracts/domain"
)

const eventColumns = `id, event_type, severity, ip_address, license_key_id,
	attempted_key, details, resolved, resolved_by, resolved_at, created_at`

// InsertEvent writes one security event.
func (s *Store) InsertEvent(ctx context.Context, e *domain.SecurityEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.EventType), string(e.Severity), nullableStr(e.IPAddress),
		nullableStr(e.LicenseKeyID), nullableStr(e.AttemptedKey),
		nullableStr(e.Details), boolInt(e.Resolved),
		nullableStr(e.ResolvedBy), nullableUnix(e.ResolvedAt),
		e.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("inserting event %s: %w", e.ID, err)
	}
	return nil
}

// CountEventsByIP counts events of one type from an IP since the cutoff.
// The brute-force detector recomputes its sliding window through this.
func (s *Store) CountEventsByIP(ctx context.Context, ip string, eventType domain.SecurityEventType, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM security_events
		WHERE ip_address = ? AND event_type = ? AND created_at >= ?`,
		ip, string(eventType), since.Unix()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting events for %s: %w", ip, err)
	}
	return count, nil
}

// ListEvents returns events newest-first, optionally only unresolved ones.
func (s *Store) ListEvents(ctx context.Context, unresolvedOnly bool, limit, offset int) ([]*domain.SecurityEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + eventColumns + ` FROM security_events`
	if unresolvedOnly {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []*domain.SecurityEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ResolveEvent marks an event handled by an operator. Idempotent on
// already-resolved events.
func (s *Store) ResolveEvent(ctx context.Context, id, resolvedBy string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE security_events SET resolved = 1, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND resolved = 0`,
		nullableStr(resolvedBy), now.Unix(), id)
	if err != nil {
		return fmt.Errorf("resolving event %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM security_events WHERE id = ?`, id).Scan(&exists); err != nil {
			return fmt.Errorf("resolving event %s: %w", id, err)
		}
		if exists == 0 {
			return license.ErrNotFound
		}
	}
	return nil
}

// SecurityStats aggregates event counts for the dashboard.
func (s *Store) SecurityStats(ctx context.Context, now time.Time) (*domain.SecurityStats, error) {
	stats := &domain.SecurityStats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM security_events`).Scan(&stats.Total)
	if err != nil {
		return nil, fmt.Errorf("computing security stats: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM security_events WHERE resolved = 0`).
		Scan(&stats.Unresolved)
	if err != nil {
		return nil, fmt.Errorf("counting unresolved events: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM security_events WHERE severity = ?`,
		string(domain.SeverityCritical)).Scan(&stats.Critical)
	if err != nil {
		return nil, fmt.Errorf("counting critical events: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM security_events WHERE created_at >= ?`,
		now.Add(-24*time.Hour).Unix()).Scan(&stats.Last24h)
	if err != nil {
		return nil, fmt.Errorf("counting recent events: %w", err)
	}
	return stats, nil
}

func scanEvent(rows *sql.Rows) (*domain.SecurityEvent, error) {
	var (
		e                 domain.SecurityEvent
		ip, keyID         sql.NullString
		attempted         sql.NullString
		details, resolver sql.NullString
		resolved          int
		resolvedAt        sql.NullInt64
		createdAt         int64
	)
	err := rows.Scan(&e.ID, &e.EventType, &e.Severity, &ip, &keyID, &attempted,
		&details, &resolved, &resolver, &resolvedAt, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("scanning event row: %w", err)
	}
	e.IPAddress = ip.String
	e.LicenseKeyID = keyID.String
	e.AttemptedKey = attempted.String
	e.Details = details.String
	e.Resolved = resolved != 0
	e.ResolvedBy = resolver.String
	e.ResolvedAt = unixPtr(resolvedAt)
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &e, nil
}
