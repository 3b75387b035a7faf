package license_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/license"
	"keygate/internal/store"
	"keygate/pkg/contracts/domain"
)

type engineFixture struct {
	engine   *license.Engine
	detector *license.Detector
	store    *store.Store
	now      time.Time
}

func newEngineFixture(t *testing.T, threshold int) *engineFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "keygate.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	now := time.Now().UTC().Truncate(time.Second)
	clock := func() time.Time { return now }

	detector := license.NewDetector(st, logger, license.DetectorConfig{
		Window:    5 * time.Minute,
		Threshold: threshold,
		Now:       clock,
	})
	engine := license.NewEngine(st, detector, logger, license.EngineConfig{Now: clock})
	return &engineFixture{engine: engine, detector: detector, store: st, now: now}
}

func (f *engineFixture) issueActive(t *testing.T, maxActivations int, expiresAt *time.Time) *domain.LicenseKey {
	t.Helper()
	key, err := f.engine.Issue(context.Background(), domain.IssueRequest{
		Status:         domain.LicenseStatusActive,
		MaxActivations: maxActivations,
		ExpiresAt:      expiresAt,
	})
	require.NoError(t, err)
	return key
}

func (f *engineFixture) eventsOfType(t *testing.T, eventType domain.SecurityEventType) []*domain.SecurityEvent {
	t.Helper()
	all, err := f.store.ListEvents(context.Background(), false, 500, 0)
	require.NoError(t, err)
	var matched []*domain.SecurityEvent
	for _, e := range all {
		if e.EventType == eventType {
			matched = append(matched, e)
		}
	}
	return matched
}

func (f *engineFixture) attemptCount(t *testing.T) int {
	t.Helper()
	attempts, err := f.store.RecentAttempts(context.Background(), 1000)
	require.NoError(t, err)
	return len(attempts)
}

func TestIssueDefaults(t *testing.T) {
	f := newEngineFixture(t, 5)
	ctx := context.Background()

	key, err := f.engine.Issue(ctx, domain.IssueRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.LicenseStatusPending, key.Status)
	assert.Equal(t, 1, key.MaxActivations)
	assert.NotEmpty(t, key.ID)

	stored, err := f.store.KeyByLicense(ctx, key.Key)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, key.ID, stored.ID)
}

func TestIssueRejectsTerminalStatus(t *testing.T) {
	f := newEngineFixture(t, 5)

	for _, status := range []domain.LicenseStatus{domain.LicenseStatusExpired, domain.LicenseStatusRevoked} {
		_, err := f.engine.Issue(context.Background(), domain.IssueRequest{Status: status})
		assert.Error(t, err)
	}
}

func TestValidateAdmitsActiveKey(t *testing.T) {
	f := newEngineFixture(t, 5)
	ctx := context.Background()

	expires := f.now.Add(30 * 24 * time.Hour)
	key := f.issueActive(t, 1, &expires)

	resp, err := f.engine.Validate(ctx, domain.ValidateRequest{
		LicenseKey: key.Key,
		HardwareID: "HW-1",
	}, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	require.NotNil(t, resp.ExpiresAt)
	assert.Equal(t, expires.Unix(), resp.ExpiresAt.Unix())

	stored, err := f.store.KeyByID(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, "HW-1", stored.BoundHardwareID)
	assert.Equal(t, 1, stored.CurrentActivations)

	attempts, err := f.store.AttemptsForKey(ctx, key.ID, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Success)
}

func TestValidateNormalizesKey(t *testing.T) {
	f := newEngineFixture(t, 5)

	key := f.issueActive(t, 1, nil)
	resp, err := f.engine.Validate(context.Background(), domain.ValidateRequest{
		LicenseKey: "  " + strings.ToLower(key.Key) + "\n",
		HardwareID: "HW-1",
	}, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, resp.Valid)
}

func TestValidateInvalidKey(t *testing.T) {
	f := newEngineFixture(t, 5)
	ctx := context.Background()

	_, err := f.engine.Validate(ctx, domain.ValidateRequest{
		LicenseKey: "AAAAA-BBBBB-CCCCC-DDDDD",
	}, "10.0.0.1")
	assert.ErrorIs(t, err, license.ErrNotFound)

	events := f.eventsOfType(t, domain.EventInvalidKey)
	require.Len(t, events, 1)
	assert.Equal(t, domain.SeverityMedium, events[0].Severity)
	assert.Equal(t, "10.0.0.1", events[0].IPAddress)
	assert.NotContains(t, events[0].AttemptedKey, "DDDDD", "attempted key must be masked")

	attempts, err := f.store.RecentAttempts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.False(t, attempts[0].Success)
	assert.Equal(t, domain.FailureInvalidKey, attempts[0].FailureCode)
	assert.Empty(t, attempts[0].LicenseKeyID)
}

func TestValidateRateLimitAfterThreshold(t *testing.T) {
	f := newEngineFixture(t, 3)
	ctx := context.Background()

	valid := f.issueActive(t, 1, nil)

	for i := 0; i < 3; i++ {
		_, err := f.engine.Validate(ctx, domain.ValidateRequest{
			LicenseKey: "AAAAA-BBBBB-CCCCC-DDDDD",
		}, "10.0.0.9")
		assert.ErrorIs(t, err, license.ErrNotFound)
	}

	// Threshold crossing raises exactly one brute_force event and notifies.
	require.Len(t, f.eventsOfType(t, domain.EventBruteForce), 1)
	unread, err := f.store.UnreadNotificationCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	attemptsBefore := f.attemptCount(t)

	// Even a valid key is rejected while the IP is limited, and the
	// rejection must not touch the audit trail.
	_, err = f.engine.Validate(ctx, domain.ValidateRequest{
		LicenseKey: valid.Key,
		HardwareID: "HW-1",
	}, "10.0.0.9")
	assert.ErrorIs(t, err, license.ErrRateLimited)
	assert.Equal(t, attemptsBefore, f.attemptCount(t), "rate-limited rejection must write nothing")

	// A different IP is unaffected.
	resp, err := f.engine.Validate(ctx, domain.ValidateRequest{
		LicenseKey: valid.Key,
		HardwareID: "HW-1",
	}, "10.0.0.10")
	require.NoError(t, err)
	assert.True(t, resp.Valid)
}

func TestValidateRevokedKey(t *testing.T) {
	f := newEngineFixture(t, 5)
	ctx := context.Background()

	key := f.issueActive(t, 1, nil)
	require.NoError(t, f.store.RevokeKey(ctx, key.ID, f.now))

	_, err := f.engine.Validate(ctx, domain.ValidateRequest{
		LicenseKey: key.Key,
		HardwareID: "HW-1",
	}, "10.0.0.1")
	assert.ErrorIs(t, err, license.ErrRevoked)

	events := f.eventsOfType(t, domain.EventRevokedKeyAttempt)
	require.Len(t, events, 1)
	assert.Equal(t, domain.SeverityHigh, events[0].Severity)

	attempts, err := f.store.AttemptsForKey(ctx, key.ID, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.FailureRevoked, attempts[0].FailureCode)
}

func TestValidatePendingKey(t *testing.T) {
	f := newEngineFixture(t, 5)
	ctx := context.Background()

	key, err := f.engine.Issue(ctx, domain.IssueRequest{})
	require.NoError(t, err)

	_, err = f.engine.Validate(ctx, domain.ValidateRequest{
		LicenseKey: key.Key,
	}, "10.0.0.1")
	assert.ErrorIs(t, err, license.ErrNotActivated)

	// An unactivated key is an expected pre-purchase state, not abuse.
	all, listErr := f.store.ListEvents(ctx, false, 100, 0)
	require.NoError(t, listErr)
	assert.Empty(t, all)

	attempts, err := f.store.AttemptsForKey(ctx, key.ID, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.FailureNotActivated, attempts[0].FailureCode)
}

func TestValidateLazyExpiry(t *testing.T) {
	f := newEngineFixture(t, 5)
	ctx := context.Background()

	expired := f.now.Add(-time.Hour)
	key := f.issueActive(t, 1, &expired)

	_, err := f.engine.Validate(ctx, domain.ValidateRequest{
		LicenseKey: key.Key,
		HardwareID: "HW-1",
	}, "10.0.0.1")
	assert.ErrorIs(t, err, license.ErrExpired)

	stored, err := f.store.KeyByID(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LicenseStatusExpired, stored.Status, "attempt must lazily expire the key")
	require.Len(t, f.eventsOfType(t, domain.EventExpiredKeyAttempt), 1)

	// A second attempt sees the already-expired row: audit only, no new event.
	_, err = f.engine.Validate(ctx, domain.ValidateRequest{
		LicenseKey: key.Key,
		HardwareID: "HW-1",
	}, "10.0.0.1")
	assert.ErrorIs(t, err, license.ErrExpired)
	assert.Len(t, f.eventsOfType(t, domain.EventExpiredKeyAttempt), 1)

	attempts, err := f.store.AttemptsForKey(ctx, key.ID, 10)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}

func TestValidateSameHardwareAtCapacity(t *testing.T) {
	f := newEngineFixture(t, 5)
	ctx := context.Background()

	key := f.issueActive(t, 1, nil)
	req := domain.ValidateRequest{LicenseKey: key.Key, HardwareID: "HW-1"}

	resp, err := f.engine.Validate(ctx, req, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, resp.Valid)

	resp, err = f.engine.Validate(ctx, req, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, resp.Valid, "bound machine must re-validate at capacity")

	stored, err := f.store.KeyByID(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentActivations)
	assert.Equal(t, "10.0.0.2", stored.BoundIP)
}

func TestValidateOverflow(t *testing.T) {
	f := newEngineFixture(t, 5)
	ctx := context.Background()

	key := f.issueActive(t, 1, nil)

	_, err := f.engine.Validate(ctx, domain.ValidateRequest{
		LicenseKey: key.Key,
		HardwareID: "HW-1",
	}, "10.0.0.1")
	require.NoError(t, err)

	_, err = f.engine.Validate(ctx, domain.ValidateRequest{
		LicenseKey: key.Key,
		HardwareID: "HW-2",
	}, "10.0.0.2")
	assert.ErrorIs(t, err, license.ErrMaxActivations)

	assert.Len(t, f.eventsOfType(t, domain.EventHWIDMismatch), 1)
	assert.Len(t, f.eventsOfType(t, domain.EventOverflow), 1)

	stored, err := f.store.KeyByID(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentActivations, "overflow must not consume a slot")
	assert.Equal(t, "HW-1", stored.BoundHardwareID)
}

func TestDetectorIsRateLimited(t *testing.T) {
	f := newEngineFixture(t, 2)
	ctx := context.Background()

	limited, err := f.detector.IsRateLimited(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, limited)

	for i := 0; i < 2; i++ {
		_, err := f.detector.Raise(ctx, license.Signal{
			Type:      domain.EventInvalidKey,
			IPAddress: "10.0.0.1",
		})
		require.NoError(t, err)
	}

	limited, err = f.detector.IsRateLimited(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, limited)

	limited, err = f.detector.IsRateLimited(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.False(t, limited)
}

func TestDetectorHWIDMismatchNotifies(t *testing.T) {
	f := newEngineFixture(t, 5)
	ctx := context.Background()

	event, err := f.detector.Raise(ctx, license.Signal{
		Type:         domain.EventHWIDMismatch,
		IPAddress:    "10.0.0.1",
		LicenseKeyID: "some-key-id",
		Details:      "hwid mismatch, expected HW-1 got HW-2",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityHigh, event.Severity)

	notifications, err := f.store.ListNotifications(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, domain.NotificationSecurity, notifications[0].Type)
	assert.Equal(t, event.ID, notifications[0].RelatedEventID)
}
