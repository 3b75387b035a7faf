package license

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"keygate/pkg/contracts/domain"
)

// Sweeper defaults. Expiration runs hourly, purge daily, matching the
// upstream scheduler cadence.
const (
	DefaultSweepInterval  = time.Hour
	DefaultPurgeInterval  = 24 * time.Hour
	DefaultRetentionDays  = 30
	DefaultExpiryWarnDays = 7
	DefaultStartupDelay   = 10 * time.Second
)

// SweeperConfig tunes the scheduled expiration and purge jobs.
type SweeperConfig struct {
	SweepInterval  time.Duration
	PurgeInterval  time.Duration
	RetentionDays  int
	ExpiryWarnDays int
	StartupDelay   time.Duration
	Now            func() time.Time
}

// Sweeper owns the time-driven side of the license lifecycle: transitioning
// active keys past their expiry to expired, and purging expired keys after
// the retention window along with their dependent audit records. Both jobs
// are idempotent and safe to run concurrently with admission requests.
type Sweeper struct {
	store  Store
	logger *slog.Logger
	cfg    SweeperConfig
	now    func() time.Time
}

// NewSweeper creates a sweeper with an injected clock so tests can drive
// time deterministically. Zero config fields fall back to defaults.
func NewSweeper(store Store, logger *slog.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = DefaultPurgeInterval
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if cfg.ExpiryWarnDays <= 0 {
		cfg.ExpiryWarnDays = DefaultExpiryWarnDays
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{
		store:  store,
		logger: logger.With(slog.String("component", "sweeper")),
		cfg:    cfg,
		now:    cfg.Now,
	}
}

// Run drives the scheduled jobs until the context is canceled. An initial
// sweep fires shortly after startup so a restarted server catches up on
// expirations it slept through.
func (s *Sweeper) Run(ctx context.Context) error {
	startupDelay := s.cfg.StartupDelay
	if startupDelay <= 0 {
		startupDelay = DefaultStartupDelay
	}

	startup := time.NewTimer(startupDelay)
	defer startup.Stop()
	sweepTicker := time.NewTicker(s.cfg.SweepInterval)
	defer sweepTicker.Stop()
	purgeTicker := time.NewTicker(s.cfg.PurgeInterval)
	defer purgeTicker.Stop()

	s.logger.InfoContext(ctx, "sweeper started",
		slog.Duration("sweep_interval", s.cfg.SweepInterval),
		slog.Duration("purge_interval", s.cfg.PurgeInterval),
		slog.Int("retention_days", s.cfg.RetentionDays),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-startup.C:
			s.runSweep(ctx)
		case <-sweepTicker.C:
			s.runSweep(ctx)
		case <-purgeTicker.C:
			s.runPurge(ctx)
		}
	}
}

func (s *Sweeper) runSweep(ctx context.Context) {
	n, err := s.SweepExpirations(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "expiration sweep failed", slog.String("error", err.Error()))
		return
	}
	s.logger.InfoContext(ctx, "expiration sweep completed", slog.Int("expired", n))
}

func (s *Sweeper) runPurge(ctx context.Context) {
	n, err := s.PurgeOldExpired(ctx, s.cfg.RetentionDays)
	if err != nil {
		s.logger.ErrorContext(ctx, "purge failed", slog.String("error", err.Error()))
		return
	}
	s.logger.InfoContext(ctx, "purge completed", slog.Int("purged", n))
	s.warnExpiring(ctx)
}

// SweepExpirations transitions every active key whose expiry has passed to
// expired and returns how many keys it newly transitioned. Idempotent: a key
// already expired is simply not matched again, so overlapping runs and the
// lazy-expiry path converge on the same terminal state. A failure on one key
// is logged and does not block the rest of the sweep.
func (s *Sweeper) SweepExpirations(ctx context.Context) (int, error) {
	now := s.now()
	ids, err := s.store.DueExpirations(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sweep: listing due keys: %w", err)
	}

	expired := 0
	for _, id := range ids {
		transitioned, err := s.store.TransitionToExpiredIfDue(ctx, id, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to expire key",
				slog.String("license_key_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if transitioned {
			expired++
			sweeperExpiredTotal.Inc()
		}
	}
	return expired, nil
}

// PurgeOldExpired deletes expired keys whose expiry predates the retention
// window, cascading to their activation attempts and status reports. This is
// destructive and irreversible: once purged, no audit trail remains for the
// key. Returns how many keys were deleted.
func (s *Sweeper) PurgeOldExpired(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = s.cfg.RetentionDays
	}
	cutoff := s.now().AddDate(0, 0, -retentionDays)
	ids, err := s.store.PurgeableKeys(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge: listing purgeable keys: %w", err)
	}

	purged := 0
	for _, id := range ids {
		if err := s.store.DeleteKey(ctx, id); err != nil {
			s.logger.ErrorContext(ctx, "failed to purge key",
				slog.String("license_key_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		purged++
		sweeperPurgedTotal.Inc()
	}
	return purged, nil
}

// warnExpiring writes one summary notification when keys are approaching
// their expiry, so an admin can reach out before clients go dark.
func (s *Sweeper) warnExpiring(ctx context.Context) {
	now := s.now()
	until := now.AddDate(0, 0, s.cfg.ExpiryWarnDays)
	keys, err := s.store.ExpiringWithin(ctx, now, until)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list expiring keys", slog.String("error", err.Error()))
		return
	}
	if len(keys) == 0 {
		return
	}

	n := &domain.Notification{
		ID:        uuid.NewString(),
		Type:      domain.NotificationLicense,
		Title:     "Licenses Expiring Soon",
		Message:   fmt.Sprintf("%d license(s) expire within %d days", len(keys), s.cfg.ExpiryWarnDays),
		CreatedAt: now,
	}
	if err := s.store.InsertNotification(ctx, n); err != nil {
		s.logger.ErrorContext(ctx, "failed to write expiry warning", slog.String("error", err.Error()))
	}
}
