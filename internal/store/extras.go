package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"keygate/internal/license"
	"keygate/pkg/contracts/domain"
)

// InsertStatusReport writes one client heartbeat.
func (s *Store) InsertStatusReport(ctx context.Context, r *domain.StatusReport) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO status_reports (id, license_key_id, ip_address, hwid,
			app_version, os_version, status, error_message, uptime_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.LicenseKeyID, nullableStr(r.IPAddress), nullableStr(r.HardwareID),
		nullableStr(r.AppVersion), nullableStr(r.OSVersion), string(r.Status),
		nullableStr(r.ErrorMessage), r.UptimeSeconds, r.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("inserting status report %s: %w", r.ID, err)
	}
	return nil
}

// ReportsForKey returns a key's heartbeats, newest-first.
func (s *Store) ReportsForKey(ctx context.Context, keyID string, limit int) ([]*domain.StatusReport, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, license_key_id, ip_address, hwid, app_version, os_version,
			status, error_message, uptime_seconds, created_at
		FROM status_reports WHERE license_key_id = ?
		ORDER BY created_at DESC LIMIT ?`, keyID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing reports for key %s: %w", keyID, err)
	}
	defer rows.Close()

	var reports []*domain.StatusReport
	for rows.Next() {
		var (
			r         domain.StatusReport
			ip, hwid  sql.NullString
			appv, osv sql.NullString
			errMsg    sql.NullString
			createdAt int64
		)
		err := rows.Scan(&r.ID, &r.LicenseKeyID, &ip, &hwid, &appv, &osv,
			&r.Status, &errMsg, &r.UptimeSeconds, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scanning report row: %w", err)
		}
		r.IPAddress = ip.String
		r.HardwareID = hwid.String
		r.AppVersion = appv.String
		r.OSVersion = osv.String
		r.ErrorMessage = errMsg.String
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		reports = append(reports, &r)
	}
	return reports, rows.Err()
}

// InsertNotification writes one admin notification.
func (s *Store) InsertNotification(ctx context.Context, n *domain.Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, type, title, message, read, related_event_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, string(n.Type), n.Title, n.Message, boolInt(n.Read),
		nullableStr(n.RelatedEventID), n.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("inserting notification %s: %w", n.ID, err)
	}
	return nil
}

// ListNotifications returns notifications newest-first.
func (s *Store) ListNotifications(ctx context.Context, unreadOnly bool, limit int) ([]*domain.Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT id, type, title, message, read, related_event_id, created_at
		FROM notifications`
	if unreadOnly {
		query += ` WHERE read = 0`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	defer rows.Close()

	var list []*domain.Notification
	for rows.Next() {
		var (
			n         domain.Notification
			read      int
			related   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&n.ID, &n.Type, &n.Title, &n.Message, &read,
			&related, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning notification row: %w", err)
		}
		n.Read = read != 0
		n.RelatedEventID = related.String
		n.CreatedAt = time.Unix(createdAt, 0).UTC()
		list = append(list, &n)
	}
	return list, rows.Err()
}

// MarkNotificationRead flags one notification as seen.
func (s *Store) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking notification %s read: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return license.ErrNotFound
	}
	return nil
}

// UnreadNotificationCount powers the admin badge counter.
func (s *Store) UnreadNotificationCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE read = 0`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unread notifications: %w", err)
	}
	return count, nil
}

// InsertDownload records one installer download.
func (s *Store) InsertDownload(ctx context.Context, d *domain.Download) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO downloads (id, ip_address, user_agent, referrer, app_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, nullableStr(d.IPAddress), nullableStr(d.UserAgent),
		nullableStr(d.Referrer), nullableStr(d.AppVersion), d.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("inserting download %s: %w", d.ID, err)
	}
	return nil
}

// DownloadStats summarizes installer download volume.
func (s *Store) DownloadStats(ctx context.Context, now time.Time) (*domain.DownloadStats, error) {
	stats := &domain.DownloadStats{}
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekStart := dayStart.AddDate(0, 0, -int(dayStart.Weekday()))

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM downloads`).Scan(&stats.Total)
	if err != nil {
		return nil, fmt.Errorf("counting downloads: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM downloads WHERE created_at >= ?`,
		dayStart.Unix()).Scan(&stats.Today)
	if err != nil {
		return nil, fmt.Errorf("counting today's downloads: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM downloads WHERE created_at >= ?`,
		weekStart.Unix()).Scan(&stats.ThisWeek)
	if err != nil {
		return nil, fmt.Errorf("counting this week's downloads: %w", err)
	}
	return stats, nil
}

// DashboardStats aggregates the admin dashboard counters in one call.
func (s *Store) DashboardStats(ctx context.Context, now time.Time) (*domain.DashboardStats, error) {
	licenses, err := s.LicenseStats(ctx)
	if err != nil {
		return nil, err
	}
	security, err := s.SecurityStats(ctx, now)
	if err != nil {
		return nil, err
	}
	downloads, err := s.DownloadStats(ctx, now)
	if err != nil {
		return nil, err
	}
	return &domain.DashboardStats{
		Licenses:  *licenses,
		Security:  *security,
		Downloads: *downloads,
	}, nil
}
