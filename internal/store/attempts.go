package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"keygate/pkg/contracts/domain"
)

const attemptColumns = `id, license_key_id, ip_address, hwid, machine_name,
	os_version, app_version, success, failure_code, failure_reason, created_at`

// AppendAttempt writes one immutable audit record. The key reference is NULL
// for attempts against strings that resolved to no key.
func (s *Store) AppendAttempt(ctx context.Context, a *domain.ActivationAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activation_attempts (`+attemptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, nullableStr(a.LicenseKeyID), nullableStr(a.IPAddress),
		nullableStr(a.HardwareID), nullableStr(a.MachineName),
		nullableStr(a.OSVersion), nullableStr(a.AppVersion),
		boolInt(a.Success), nullableStr(string(a.FailureCode)),
		nullableStr(a.FailureReason), a.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("appending attempt %s: %w", a.ID, err)
	}
	return nil
}

// AttemptsForKey returns the audit trail for one key, newest-first.
func (s *Store) AttemptsForKey(ctx context.Context, keyID string, limit int) ([]*domain.ActivationAttempt, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM activation_attempts
		WHERE license_key_id = ? ORDER BY created_at DESC LIMIT ?`, keyID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing attempts for key %s: %w", keyID, err)
	}
	defer rows.Close()
	return scanAttempts(rows)
}

// RecentAttempts returns the latest attempts across all keys, newest-first.
func (s *Store) RecentAttempts(ctx context.Context, limit int) ([]*domain.ActivationAttempt, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM activation_attempts
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent attempts: %w", err)
	}
	defer rows.Close()
	return scanAttempts(rows)
}

func scanAttempts(rows *sql.Rows) ([]*domain.ActivationAttempt, error) {
	var attempts []*domain.ActivationAttempt
	for rows.Next() {
		var (
			a          domain.ActivationAttempt
			keyID, ip  sql.NullString
			hwid, mach sql.NullString
			osv, appv  sql.NullString
			code, msg  sql.NullString
			success    int
			createdAt  int64
		)
		err := rows.Scan(&a.ID, &keyID, &ip, &hwid, &mach, &osv, &appv,
			&success, &code, &msg, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scanning attempt row: %w", err)
		}
		a.LicenseKeyID = keyID.String
		a.IPAddress = ip.String
		a.HardwareID = hwid.String
		a.MachineName = mach.String
		a.OSVersion = osv.String
		a.AppVersion = appv.String
		a.Success = success != 0
		a.FailureCode = domain.FailureReason(code.String)
		a.FailureReason = msg.String
		a.CreatedAt = time.Unix(createdAt, 0).UTC()
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
