package license

import (
	"context"
	"time"

	"keygate/pkg/contracts/domain"
)

// ActivationOutcome is the result of the atomic capacity-check-and-commit
// step executed inside the store.
type ActivationOutcome int

const (
	// OutcomeAdmittedNew means a fresh hardware binding consumed one
	// activation slot; the counter was incremented and the binding rebound.
	OutcomeAdmittedNew ActivationOutcome = iota
	// OutcomeAdmittedSame means the already-bound machine re-validated;
	// only the IP and timestamp were touched.
	OutcomeAdmittedSame
	// OutcomeOverflow means the key is at capacity and the incoming
	// hardware differs from the bound one.
	OutcomeOverflow
	// OutcomeExpired means the transaction observed the key past its
	// expiry (or already expired) and lazily transitioned it.
	OutcomeExpired
)

// Store is the persistence contract the core depends on. The admission
// engine only ever mutates license keys through Activate and
// TransitionToExpiredIfDue; everything else is an append or a read.
//
// Lookup methods return (nil, nil) when no row matches. Mutation methods
// return ErrDuplicateKey (wrapped) on a unique-key conflict and plain errors
// for store unavailability.
type Store interface {
	// KeyByLicense resolves a canonical key string to its record.
	KeyByLicense(ctx context.Context, key string) (*domain.LicenseKey, error)

	// InsertKey persists a freshly issued key.
	InsertKey(ctx context.Context, k *domain.LicenseKey) error

	// Activate atomically re-checks status, expiry, and capacity for the
	// key and commits the admission decision in a single transaction.
	// The returned LicenseKey reflects the post-commit row.
	Activate(ctx context.Context, keyID, hardwareID, ip string, now time.Time) (ActivationOutcome, *domain.LicenseKey, error)

	// TransitionToExpiredIfDue flips an active key past its expiry to
	// expired. Idempotent: returns false without error when the key is
	// not active, not due, or already expired.
	TransitionToExpiredIfDue(ctx context.Context, keyID string, now time.Time) (bool, error)

	// AppendAttempt writes one immutable audit record.
	AppendAttempt(ctx context.Context, a *domain.ActivationAttempt) error

	// InsertEvent writes one security event.
	InsertEvent(ctx context.Context, e *domain.SecurityEvent) error

	// CountEventsByIP counts events of one type from an IP since a cutoff.
	CountEventsByIP(ctx context.Context, ip string, eventType domain.SecurityEventType, since time.Time) (int, error)

	// InsertNotification writes one admin notification.
	InsertNotification(ctx context.Context, n *domain.Notification) error

	// DueExpirations lists ids of active keys whose expiry has passed.
	DueExpirations(ctx context.Context, now time.Time) ([]string, error)

	// PurgeableKeys lists ids of expired keys whose expiry predates cutoff.
	PurgeableKeys(ctx context.Context, cutoff time.Time) ([]string, error)

	// DeleteKey removes a key; dependent attempts and status reports
	// cascade away with it.
	DeleteKey(ctx context.Context, keyID string) error

	// ExpiringWithin lists keys still active whose expiry falls inside
	// the (now, until] window, for expiry warnings.
	ExpiringWithin(ctx context.Context, now, until time.Time) ([]*domain.LicenseKey, error)
}
