package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/license"
	"keygate/pkg/contracts/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(filepath.Join(t.TempDir(), "keygate.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestKey(status domain.LicenseStatus, expiresAt *time.Time) *domain.LicenseKey {
	now := time.Now().UTC().Truncate(time.Second)
	key, _ := license.Generate()
	return &domain.LicenseKey{
		ID:             uuid.NewString(),
		Key:            key,
		Status:         status,
		MaxActivations: 1,
		ExpiresAt:      expiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func TestOpenCreatesSchema(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}

func TestInsertKeyDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	k := newTestKey(domain.LicenseStatusPending, nil)
	require.NoError(t, s.InsertKey(ctx, k))

	dup := newTestKey(domain.LicenseStatusPending, nil)
	dup.Key = k.Key
	err := s.InsertKey(ctx, dup)
	require.Error(t, err)
	assert.ErrorIs(t, err, license.ErrDuplicateKey)
}

func TestKeyByLicenseMissReturnsNilNil(t *testing.T) {
	s := newTestStore(t)

	k, err := s.KeyByLicense(context.Background(), "AAAAA-BBBBB-CCCCC-DDDDD")
	require.NoError(t, err)
	assert.Nil(t, k)
}

func TestKeyByLicenseRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expires := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	k := newTestKey(domain.LicenseStatusActive, &expires)
	k.AssignedTo = "Acme Corp"
	k.AssignedEmail = "ops@acme.test"
	k.Notes = "bulk order"
	require.NoError(t, s.InsertKey(ctx, k))

	got, err := s.KeyByLicense(ctx, k.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, k.ID, got.ID)
	assert.Equal(t, domain.LicenseStatusActive, got.Status)
	assert.Equal(t, "Acme Corp", got.AssignedTo)
	assert.Equal(t, "ops@acme.test", got.AssignedEmail)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, expires.Unix(), got.ExpiresAt.Unix())
}

func TestKeyByIDNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.KeyByID(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, license.ErrNotFound)
}

func TestActivateNewBinding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	k := newTestKey(domain.LicenseStatusActive, nil)
	k.MaxActivations = 2
	require.NoError(t, s.InsertKey(ctx, k))

	outcome, updated, err := s.Activate(ctx, k.ID, "HW-1", "10.0.0.1", now)
	require.NoError(t, err)
	assert.Equal(t, license.OutcomeAdmittedNew, outcome)
	assert.Equal(t, 1, updated.CurrentActivations)
	assert.Equal(t, "HW-1", updated.BoundHardwareID)
	assert.Equal(t, "10.0.0.1", updated.BoundIP)
	require.NotNil(t, updated.LastActivatedAt)
}

func TestActivateSameHardwareDoesNotConsumeSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	k := newTestKey(domain.LicenseStatusActive, nil)
	require.NoError(t, s.InsertKey(ctx, k))

	_, _, err := s.Activate(ctx, k.ID, "HW-1", "10.0.0.1", now)
	require.NoError(t, err)

	outcome, updated, err := s.Activate(ctx, k.ID, "HW-1", "10.0.0.2", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, license.OutcomeAdmittedSame, outcome)
	assert.Equal(t, 1, updated.CurrentActivations, "re-validation must not consume a slot")
	assert.Equal(t, "10.0.0.2", updated.BoundIP, "re-validation refreshes the bound IP")
}

func TestActivateOverflowLeavesCounterUnchanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	k := newTestKey(domain.LicenseStatusActive, nil)
	require.NoError(t, s.InsertKey(ctx, k))

	_, _, err := s.Activate(ctx, k.ID, "HW-1", "10.0.0.1", now)
	require.NoError(t, err)

	outcome, updated, err := s.Activate(ctx, k.ID, "HW-2", "10.0.0.9", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, license.OutcomeOverflow, outcome)
	assert.Equal(t, 1, updated.CurrentActivations, "overflow must not bump the counter")
	assert.Equal(t, "HW-1", updated.BoundHardwareID, "overflow must not rebind")
}

func TestActivateEmptyHardwareKeepsBinding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	k := newTestKey(domain.LicenseStatusActive, nil)
	k.MaxActivations = 2
	require.NoError(t, s.InsertKey(ctx, k))

	_, _, err := s.Activate(ctx, k.ID, "HW-1", "10.0.0.1", now)
	require.NoError(t, err)

	outcome, updated, err := s.Activate(ctx, k.ID, "", "10.0.0.2", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, license.OutcomeAdmittedNew, outcome)
	assert.Equal(t, "HW-1", updated.BoundHardwareID, "empty incoming hwid keeps the existing binding")
	assert.Equal(t, 2, updated.CurrentActivations)
}

func TestActivateExpiredKeyTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	k := newTestKey(domain.LicenseStatusActive, timePtr(now.Add(-time.Hour)))
	require.NoError(t, s.InsertKey(ctx, k))

	outcome, updated, err := s.Activate(ctx, k.ID, "HW-1", "10.0.0.1", now)
	require.NoError(t, err)
	assert.Equal(t, license.OutcomeExpired, outcome)
	assert.Equal(t, domain.LicenseStatusExpired, updated.Status)
	assert.Equal(t, 0, updated.CurrentActivations)
}

func TestActivateMissingKey(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.Activate(context.Background(), uuid.NewString(), "HW-1", "10.0.0.1", time.Now())
	assert.ErrorIs(t, err, license.ErrNotFound)
}

func TestActivateConcurrentLastSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	k := newTestKey(domain.LicenseStatusActive, nil)
	k.MaxActivations = 2
	require.NoError(t, s.InsertKey(ctx, k))

	type result struct {
		outcome license.ActivationOutcome
		err     error
	}
	results := make(chan result, 3)
	for i := 0; i < 3; i++ {
		hwid := string(rune('A' + i))
		go func(hwid string) {
			outcome, _, err := s.Activate(ctx, k.ID, "HW-"+hwid, "10.0.0.1", now)
			results <- result{outcome, err}
		}(hwid)
	}

	admitted, overflow := 0, 0
	for i := 0; i < 3; i++ {
		r := <-results
		require.NoError(t, r.err)
		switch r.outcome {
		case license.OutcomeAdmittedNew:
			admitted++
		case license.OutcomeOverflow:
			overflow++
		}
	}
	assert.Equal(t, 2, admitted)
	assert.Equal(t, 1, overflow)

	got, err := s.KeyByID(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentActivations, "counter must never exceed the cap")
}

func TestTransitionToExpiredIfDueIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	k := newTestKey(domain.LicenseStatusActive, timePtr(now.Add(-time.Hour)))
	require.NoError(t, s.InsertKey(ctx, k))

	transitioned, err := s.TransitionToExpiredIfDue(ctx, k.ID, now)
	require.NoError(t, err)
	assert.True(t, transitioned)

	transitioned, err = s.TransitionToExpiredIfDue(ctx, k.ID, now)
	require.NoError(t, err)
	assert.False(t, transitioned, "second transition must be a no-op")

	got, err := s.KeyByID(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LicenseStatusExpired, got.Status)
}

func TestTransitionToExpiredNotDue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tests := []struct {
		name string
		key  *domain.LicenseKey
	}{
		{"no expiry date", newTestKey(domain.LicenseStatusActive, nil)},
		{"future expiry", newTestKey(domain.LicenseStatusActive, timePtr(now.Add(time.Hour)))},
		{"pending key", newTestKey(domain.LicenseStatusPending, timePtr(now.Add(-time.Hour)))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, s.InsertKey(ctx, tt.key))
			transitioned, err := s.TransitionToExpiredIfDue(ctx, tt.key.ID, now)
			require.NoError(t, err)
			assert.False(t, transitioned)
		})
	}
}

func TestUpdateKeyRevokedImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	k := newTestKey(domain.LicenseStatusRevoked, nil)
	require.NoError(t, s.InsertKey(ctx, k))

	active := domain.LicenseStatusActive
	_, err := s.UpdateKey(ctx, k.ID, &domain.UpdateLicenseRequest{Status: &active}, now)
	assert.ErrorIs(t, err, ErrRevokedKeyImmutable)

	// Non-status edits on a revoked key are still allowed.
	notes := "chargeback confirmed"
	updated, err := s.UpdateKey(ctx, k.ID, &domain.UpdateLicenseRequest{Notes: &notes}, now)
	require.NoError(t, err)
	assert.Equal(t, "chargeback confirmed", updated.Notes)
	assert.Equal(t, domain.LicenseStatusRevoked, updated.Status)
}

func TestUpdateKeyPartialEdit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expires := now.Add(24 * time.Hour).Truncate(time.Second)
	k := newTestKey(domain.LicenseStatusPending, &expires)
	k.AssignedTo = "before"
	require.NoError(t, s.InsertKey(ctx, k))

	maxActivations := 3
	updated, err := s.UpdateKey(ctx, k.ID, &domain.UpdateLicenseRequest{
		MaxActivations: &maxActivations,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, 3, updated.MaxActivations)
	assert.Equal(t, "before", updated.AssignedTo, "untouched field must survive")
	require.NotNil(t, updated.ExpiresAt)

	updated, err = s.UpdateKey(ctx, k.ID, &domain.UpdateLicenseRequest{ClearExpiresAt: true}, now)
	require.NoError(t, err)
	assert.Nil(t, updated.ExpiresAt)
}

func TestRevokeKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	k := newTestKey(domain.LicenseStatusActive, nil)
	require.NoError(t, s.InsertKey(ctx, k))

	require.NoError(t, s.RevokeKey(ctx, k.ID, now))
	got, err := s.KeyByID(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LicenseStatusRevoked, got.Status)

	assert.ErrorIs(t, s.RevokeKey(ctx, uuid.NewString(), now), license.ErrNotFound)
}

func TestDeleteKeyCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	k := newTestKey(domain.LicenseStatusExpired, nil)
	require.NoError(t, s.InsertKey(ctx, k))

	require.NoError(t, s.AppendAttempt(ctx, &domain.ActivationAttempt{
		ID:           uuid.NewString(),
		LicenseKeyID: k.ID,
		IPAddress:    "10.0.0.1",
		Success:      true,
		CreatedAt:    now,
	}))
	require.NoError(t, s.InsertStatusReport(ctx, &domain.StatusReport{
		ID:           uuid.NewString(),
		LicenseKeyID: k.ID,
		Status:       domain.ClientStatusRunning,
		CreatedAt:    now,
	}))
	require.NoError(t, s.InsertEvent(ctx, &domain.SecurityEvent{
		ID:           uuid.NewString(),
		EventType:    domain.EventHWIDMismatch,
		Severity:     domain.SeverityHigh,
		LicenseKeyID: k.ID,
		CreatedAt:    now,
	}))

	require.NoError(t, s.DeleteKey(ctx, k.ID))

	attempts, err := s.AttemptsForKey(ctx, k.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, attempts, "attempts must cascade away with the key")

	reports, err := s.ReportsForKey(ctx, k.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, reports, "status reports must cascade away with the key")

	events, err := s.ListEvents(ctx, false, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1, "security events must survive a purge")
	assert.Empty(t, events[0].LicenseKeyID, "surviving event loses its key reference")
}

func TestRecentAttemptsUnresolvedKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// A NULL key reference is how attempts against unknown key strings land.
	require.NoError(t, s.AppendAttempt(ctx, &domain.ActivationAttempt{
		ID:            uuid.NewString(),
		IPAddress:     "10.0.0.1",
		Success:       false,
		FailureCode:   domain.FailureInvalidKey,
		FailureReason: "invalid license key",
		CreatedAt:     now,
	}))

	attempts, err := s.RecentAttempts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Empty(t, attempts[0].LicenseKeyID)
	assert.Equal(t, domain.FailureInvalidKey, attempts[0].FailureCode)
}

func TestResolveEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := &domain.SecurityEvent{
		ID:        uuid.NewString(),
		EventType: domain.EventInvalidKey,
		Severity:  domain.SeverityMedium,
		IPAddress: "10.0.0.1",
		CreatedAt: now,
	}
	require.NoError(t, s.InsertEvent(ctx, e))

	require.NoError(t, s.ResolveEvent(ctx, e.ID, "admin@example.test", now))
	// Resolving twice is a no-op, not an error.
	require.NoError(t, s.ResolveEvent(ctx, e.ID, "someone-else", now))

	events, err := s.ListEvents(ctx, false, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Resolved)
	assert.Equal(t, "admin@example.test", events[0].ResolvedBy, "first resolver wins")

	assert.ErrorIs(t, s.ResolveEvent(ctx, uuid.NewString(), "admin", now), license.ErrNotFound)
}

func TestCountEventsByIPWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, age := range []time.Duration{time.Minute, 2 * time.Minute, 10 * time.Minute} {
		require.NoError(t, s.InsertEvent(ctx, &domain.SecurityEvent{
			ID:        uuid.NewString(),
			EventType: domain.EventInvalidKey,
			Severity:  domain.SeverityMedium,
			IPAddress: "10.0.0.1",
			CreatedAt: now.Add(-age),
		}))
	}

	n, err := s.CountEventsByIP(ctx, "10.0.0.1", domain.EventInvalidKey, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n, "events older than the window must not count")

	n, err = s.CountEventsByIP(ctx, "10.0.0.2", domain.EventInvalidKey, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLicenseStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, status := range []domain.LicenseStatus{
		domain.LicenseStatusActive, domain.LicenseStatusActive,
		domain.LicenseStatusPending,
		domain.LicenseStatusExpired,
		domain.LicenseStatusRevoked,
	} {
		require.NoError(t, s.InsertKey(ctx, newTestKey(status, nil)))
	}

	stats, err := s.LicenseStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 1, stats.Revoked)
}

func TestNotifications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	n := &domain.Notification{
		ID:        uuid.NewString(),
		Type:      domain.NotificationSecurity,
		Title:     "Brute Force Attempt Detected",
		Message:   "Multiple failed activation attempts from IP: 10.0.0.1",
		CreatedAt: now,
	}
	require.NoError(t, s.InsertNotification(ctx, n))

	count, err := s.UnreadNotificationCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, s.MarkNotificationRead(ctx, n.ID))
	count, err = s.UnreadNotificationCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	unread, err := s.ListNotifications(ctx, true, 10)
	require.NoError(t, err)
	assert.Empty(t, unread)

	assert.ErrorIs(t, s.MarkNotificationRead(ctx, uuid.NewString()), license.ErrNotFound)
}

func TestDownloadStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, age := range []time.Duration{0, time.Hour, 30 * 24 * time.Hour} {
		require.NoError(t, s.InsertDownload(ctx, &domain.Download{
			ID:        uuid.NewString(),
			IPAddress: "10.0.0.1",
			CreatedAt: now.Add(-age),
		}))
	}

	stats, err := s.DownloadStats(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.GreaterOrEqual(t, stats.ThisWeek, 1)
	assert.LessOrEqual(t, stats.ThisWeek, 2)
}

func TestSecurityStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	events := []*domain.SecurityEvent{
		{ID: uuid.NewString(), EventType: domain.EventBruteForce, Severity: domain.SeverityCritical, CreatedAt: now},
		{ID: uuid.NewString(), EventType: domain.EventInvalidKey, Severity: domain.SeverityMedium, CreatedAt: now.Add(-48 * time.Hour)},
	}
	for _, e := range events {
		require.NoError(t, s.InsertEvent(ctx, e))
	}
	require.NoError(t, s.ResolveEvent(ctx, events[1].ID, "admin", now))

	stats, err := s.SecurityStats(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Unresolved)
	assert.Equal(t, 1, stats.Critical)
	assert.Equal(t, 1, stats.Last24h)
}
