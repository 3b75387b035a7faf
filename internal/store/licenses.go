package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"keygate/internal/license"
	"keygate/pkg/contracts/domain"
)

// ErrRevokedKeyImmutable rejects edits that would move a key out of the
// revoked state. Revocation is reversed only by issuing a new key.
var ErrRevokedKeyImmutable = errors.New("store: revoked keys cannot change status")

const keyColumns = `id, license_key, status, assigned_to, assigned_email,
	max_activations, current_activations, bound_hwid, bound_ip,
	last_activated_at, expires_at, notes, created_at, updated_at`

func scanKey(row interface{ Scan(...any) error }) (*domain.LicenseKey, error) {
	var (
		k                      domain.LicenseKey
		assignedTo, email      sql.NullString
		boundHWID, boundIP     sql.NullString
		notes                  sql.NullString
		lastActivated, expires sql.NullInt64
		createdAt, updatedAt   int64
	)
	err := row.Scan(&k.ID, &k.Key, &k.Status, &assignedTo, &email,
		&k.MaxActivations, &k.CurrentActivations, &boundHWID, &boundIP,
		&lastActivated, &expires, &notes, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	k.AssignedTo = assignedTo.String
	k.AssignedEmail = email.String
	k.BoundHardwareID = boundHWID.String
	k.BoundIP = boundIP.String
	k.Notes = notes.String
	k.LastActivatedAt = unixPtr(lastActivated)
	k.ExpiresAt = unixPtr(expires)
	k.CreatedAt = time.Unix(createdAt, 0).UTC()
	k.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &k, nil
}

// InsertKey persists a newly issued key. A duplicate license_key value
// surfaces as license.ErrDuplicateKey so the issuer can regenerate.
func (s *Store) InsertKey(ctx context.Context, k *domain.LicenseKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO license_keys (`+keyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.Key, string(k.Status),
		nullableStr(k.AssignedTo), nullableStr(k.AssignedEmail),
		k.MaxActivations, k.CurrentActivations,
		nullableStr(k.BoundHardwareID), nullableStr(k.BoundIP),
		nullableUnix(k.LastActivatedAt), nullableUnix(k.ExpiresAt),
		nullableStr(k.Notes), k.CreatedAt.Unix(), k.UpdatedAt.Unix())
	if isUniqueViolation(err) {
		return fmt.Errorf("inserting key %s: %w", k.ID, license.ErrDuplicateKey)
	}
	if err != nil {
		return fmt.Errorf("inserting key %s: %w", k.ID, err)
	}
	return nil
}

// KeyByLicense resolves a key by its exact license string. A missing key
// returns (nil, nil); admission treats that as a resolution failure, not a
// store error.
func (s *Store) KeyByLicense(ctx context.Context, licenseKey string) (*domain.LicenseKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM license_keys WHERE license_key = ?`, licenseKey)
	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving license key: %w", err)
	}
	return k, nil
}

// KeyByID fetches a key by entity id.
func (s *Store) KeyByID(ctx context.Context, id string) (*domain.LicenseKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM license_keys WHERE id = ?`, id)
	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, license.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching key %s: %w", id, err)
	}
	return k, nil
}

// ListKeys returns keys newest-first, optionally filtered by status.
func (s *Store) ListKeys(ctx context.Context, status domain.LicenseStatus, limit, offset int) ([]*domain.LicenseKey, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + keyColumns + ` FROM license_keys`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer rows.Close()

	var keys []*domain.LicenseKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning key row: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey applies a partial edit. Revoked keys refuse status changes;
// revocation is terminal from the edit surface.
func (s *Store) UpdateKey(ctx context.Context, id string, req *domain.UpdateLicenseRequest, now time.Time) (*domain.LicenseKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("updating key %s: %w", id, err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM license_keys WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, license.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("updating key %s: %w", id, err)
	}
	if req.Status != nil && domain.LicenseStatus(current) == domain.LicenseStatusRevoked &&
		*req.Status != domain.LicenseStatusRevoked {
		return nil, ErrRevokedKeyImmutable
	}

	set := []string{"updated_at = ?"}
	args := []any{now.Unix()}
	appendSet := func(col string, v any) {
		set = append(set, col+" = ?")
		args = append(args, v)
	}
	if req.Status != nil {
		appendSet("status", string(*req.Status))
	}
	if req.AssignedTo != nil {
		appendSet("assigned_to", nullableStr(*req.AssignedTo))
	}
	if req.AssignedEmail != nil {
		appendSet("assigned_email", nullableStr(*req.AssignedEmail))
	}
	if req.MaxActivations != nil {
		appendSet("max_activations", *req.MaxActivations)
	}
	if req.Notes != nil {
		appendSet("notes", nullableStr(*req.Notes))
	}
	if req.ClearExpiresAt {
		appendSet("expires_at", nil)
	} else if req.ExpiresAt != nil {
		appendSet("expires_at", req.ExpiresAt.Unix())
	}

	query := "UPDATE license_keys SET " + set[0]
	for _, clause := range set[1:] {
		query += ", " + clause
	}
	query += " WHERE id = ?"
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("updating key %s: %w", id, err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM license_keys WHERE id = ?`, id)
	k, err := scanKey(row)
	if err != nil {
		return nil, fmt.Errorf("updating key %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("updating key %s: %w", id, err)
	}
	return k, nil
}

// RevokeKey moves a key to revoked. Idempotent.
func (s *Store) RevokeKey(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE license_keys SET status = ?, updated_at = ? WHERE id = ?`,
		string(domain.LicenseStatusRevoked), now.Unix(), id)
	if err != nil {
		return fmt.Errorf("revoking key %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return license.ErrNotFound
	}
	return nil
}

// DeleteKey removes a key. Attempts and status reports cascade away;
// security events keep their rows with the key reference nulled.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM license_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting key %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return license.ErrNotFound
	}
	return nil
}

// Activate performs the admission commit: re-validate the key and claim an
// activation slot in one transaction, so concurrent racers cannot drive the
// counter past the cap.
func (s *Store) Activate(ctx context.Context, keyID, hardwareID, ip string, now time.Time) (license.ActivationOutcome, *domain.LicenseKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("activating key %s: %w", keyID, err)
	}
	defer tx.Rollback()

	var (
		status  string
		bound   sql.NullString
		expires sql.NullInt64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, bound_hwid, expires_at FROM license_keys WHERE id = ?`, keyID).
		Scan(&status, &bound, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, license.ErrNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("activating key %s: %w", keyID, err)
	}

	// Re-check expiry inside the transaction: the key may have crossed its
	// deadline between the engine's gate and this commit.
	if domain.LicenseStatus(status) == domain.LicenseStatusExpired ||
		(expires.Valid && expires.Int64 < now.Unix()) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE license_keys SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(domain.LicenseStatusExpired), now.Unix(), keyID, string(domain.LicenseStatusActive)); err != nil {
			return 0, nil, fmt.Errorf("activating key %s: %w", keyID, err)
		}
		k, err := s.reloadKey(ctx, tx, keyID)
		if err != nil {
			return 0, nil, err
		}
		if err := tx.Commit(); err != nil {
			return 0, nil, fmt.Errorf("activating key %s: %w", keyID, err)
		}
		return license.OutcomeExpired, k, nil
	}
	if domain.LicenseStatus(status) != domain.LicenseStatusActive {
		return 0, nil, fmt.Errorf("activating key %s: key is %s", keyID, status)
	}

	if bound.Valid && bound.String != "" && hardwareID == bound.String {
		// Same machine re-validating: refresh telemetry, leave the counter
		// alone.
		if _, err := tx.ExecContext(ctx,
			`UPDATE license_keys SET bound_ip = ?, last_activated_at = ?, updated_at = ? WHERE id = ?`,
			nullableStr(ip), now.Unix(), now.Unix(), keyID); err != nil {
			return 0, nil, fmt.Errorf("activating key %s: %w", keyID, err)
		}
		k, err := s.reloadKey(ctx, tx, keyID)
		if err != nil {
			return 0, nil, err
		}
		if err := tx.Commit(); err != nil {
			return 0, nil, fmt.Errorf("activating key %s: %w", keyID, err)
		}
		return license.OutcomeAdmittedSame, k, nil
	}

	// New activation: the guarded increment is the capacity check. An empty
	// incoming hardware id keeps the existing binding.
	res, err := tx.ExecContext(ctx, `
		UPDATE license_keys
		SET current_activations = current_activations + 1,
		    bound_hwid = CASE WHEN ? != '' THEN ? ELSE bound_hwid END,
		    bound_ip = ?,
		    last_activated_at = ?,
		    updated_at = ?
		WHERE id = ? AND status = ? AND current_activations < max_activations`,
		hardwareID, hardwareID, nullableStr(ip), now.Unix(), now.Unix(),
		keyID, string(domain.LicenseStatusActive))
	if err != nil {
		return 0, nil, fmt.Errorf("activating key %s: %w", keyID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil, fmt.Errorf("activating key %s: %w", keyID, err)
	}

	k, err := s.reloadKey(ctx, tx, keyID)
	if err != nil {
		return 0, nil, err
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("activating key %s: %w", keyID, err)
	}
	if n == 0 {
		return license.OutcomeOverflow, k, nil
	}
	return license.OutcomeAdmittedNew, k, nil
}

func (s *Store) reloadKey(ctx context.Context, tx *sql.Tx, id string) (*domain.LicenseKey, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM license_keys WHERE id = ?`, id)
	k, err := scanKey(row)
	if err != nil {
		return nil, fmt.Errorf("reloading key %s: %w", id, err)
	}
	return k, nil
}

// TransitionToExpiredIfDue flips an active key whose deadline has passed to
// expired. The guard makes it idempotent; both the lazy admission path and
// the sweeper call it.
func (s *Store) TransitionToExpiredIfDue(ctx context.Context, keyID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE license_keys SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND expires_at IS NOT NULL AND expires_at < ?`,
		string(domain.LicenseStatusExpired), now.Unix(), keyID,
		string(domain.LicenseStatusActive), now.Unix())
	if err != nil {
		return false, fmt.Errorf("expiring key %s: %w", keyID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expiring key %s: %w", keyID, err)
	}
	return n > 0, nil
}

// DueExpirations lists active keys whose deadline has passed.
func (s *Store) DueExpirations(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM license_keys
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?`,
		string(domain.LicenseStatusActive), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("listing due expirations: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// PurgeableKeys lists expired keys whose deadline passed before cutoff.
func (s *Store) PurgeableKeys(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM license_keys
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?`,
		string(domain.LicenseStatusExpired), cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("listing purgeable keys: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// ExpiringWithin lists active keys whose deadline falls inside (now, until].
func (s *Store) ExpiringWithin(ctx context.Context, now, until time.Time) ([]*domain.LicenseKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+keyColumns+` FROM license_keys
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at > ? AND expires_at <= ?
		ORDER BY expires_at ASC`,
		string(domain.LicenseStatusActive), now.Unix(), until.Unix())
	if err != nil {
		return nil, fmt.Errorf("listing expiring keys: %w", err)
	}
	defer rows.Close()

	var keys []*domain.LicenseKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning key row: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// LicenseStats aggregates key counts by status.
func (s *Store) LicenseStats(ctx context.Context) (*domain.LicenseStats, error) {
	stats := &domain.LicenseStats{}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM license_keys GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("computing license stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning stats row: %w", err)
		}
		stats.Total += count
		switch domain.LicenseStatus(status) {
		case domain.LicenseStatusPending:
			stats.Pending = count
		case domain.LicenseStatusActive:
			stats.Active = count
		case domain.LicenseStatusExpired:
			stats.Expired = count
		case domain.LicenseStatusRevoked:
			stats.Revoked = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
