package license

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"keygate/pkg/contracts/domain"
)

const (
	// DefaultRateLimitWindow is the trailing window inspected per IP.
	DefaultRateLimitWindow = 5 * time.Minute
	// DefaultRateLimitThreshold is the invalid-key count at which an IP
	// becomes rate-limited for validation purposes.
	DefaultRateLimitThreshold = 5
)

// DetectorConfig tunes the sliding-window rate limit policy.
type DetectorConfig struct {
	Window    time.Duration
	Threshold int
	Now       func() time.Time
}

// Detector correlates validation attempts into classified security events
// and answers the rate-limit check the admission engine runs first. It only
// reads attempt history and writes events; it never mutates license keys.
type Detector struct {
	store     Store
	logger    *slog.Logger
	window    time.Duration
	threshold int
	now       func() time.Time
}

// NewDetector creates a detector bound to the given store. Zero config
// fields fall back to the defaults above.
func NewDetector(store Store, logger *slog.Logger, cfg DetectorConfig) *Detector {
	if cfg.Window <= 0 {
		cfg.Window = DefaultRateLimitWindow
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultRateLimitThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Detector{
		store:     store,
		logger:    logger.With(slog.String("component", "abuse_detector")),
		window:    cfg.Window,
		threshold: cfg.Threshold,
		now:       cfg.Now,
	}
}

// IsRateLimited reports whether the IP has accumulated at least the
// threshold of invalid-key events inside the trailing window. The window
// slides: the count is recomputed from the store on every check, so an IP
// unblocks as soon as old failures age out.
func (d *Detector) IsRateLimited(ctx context.Context, ip string) (bool, error) {
	since := d.now().Add(-d.window)
	n, err := d.store.CountEventsByIP(ctx, ip, domain.EventInvalidKey, since)
	if err != nil {
		return false, StoreUnavailable(err)
	}
	return n >= d.threshold, nil
}

// Signal describes one abuse observation to classify and record.
type Signal struct {
	Type         domain.SecurityEventType
	IPAddress    string
	LicenseKeyID string
	AttemptedKey string
	Details      string
}

// Raise writes one security event for the signal. Calls are unconditional:
// repeated identical signals each produce their own event; the upstream rate
// limit is the only throttle on volume.
//
// An invalid_key signal that brings the IP's window count up to the
// threshold additionally raises a brute_force event and an admin
// notification, since the rate-limited rejections that follow write nothing.
func (d *Detector) Raise(ctx context.Context, sig Signal) (*domain.SecurityEvent, error) {
	event := &domain.SecurityEvent{
		ID:           uuid.NewString(),
		EventType:    sig.Type,
		Severity:     severityFor(sig.Type),
		IPAddress:    sig.IPAddress,
		LicenseKeyID: sig.LicenseKeyID,
		AttemptedKey: maskKey(sig.AttemptedKey),
		Details:      sig.Details,
		CreatedAt:    d.now(),
	}
	if err := d.store.InsertEvent(ctx, event); err != nil {
		return nil, StoreUnavailable(err)
	}
	securityEventsTotal.WithLabelValues(string(sig.Type)).Inc()

	d.logger.WarnContext(ctx, "security event raised",
		slog.String("event_id", event.ID),
		slog.String("event_type", string(event.EventType)),
		slog.String("severity", string(event.Severity)),
		slog.String("ip_address", event.IPAddress),
		slog.String("license_key_id", event.LicenseKeyID),
	)

	switch sig.Type {
	case domain.EventInvalidKey:
		if err := d.checkBruteForce(ctx, sig.IPAddress); err != nil {
			return nil, err
		}
	case domain.EventHWIDMismatch:
		d.notify(ctx, domain.Notification{
			Type:           domain.NotificationSecurity,
			Title:          "HWID Mismatch Detected",
			Message:        fmt.Sprintf("License %s attempted activation from different hardware", sig.LicenseKeyID),
			RelatedEventID: event.ID,
		})
	}

	return event, nil
}

// checkBruteForce raises a brute_force event when the IP crosses the
// rate-limit threshold. The invalid_key event just written is included in
// the count, so this fires on the signal that tips the window over.
func (d *Detector) checkBruteForce(ctx context.Context, ip string) error {
	since := d.now().Add(-d.window)
	n, err := d.store.CountEventsByIP(ctx, ip, domain.EventInvalidKey, since)
	if err != nil {
		return StoreUnavailable(err)
	}
	if n < d.threshold {
		return nil
	}

	event := &domain.SecurityEvent{
		ID:        uuid.NewString(),
		EventType: domain.EventBruteForce,
		Severity:  domain.SeverityCritical,
		IPAddress: ip,
		Details:   fmt.Sprintf("%d failed activation attempts within %s", n, d.window),
		CreatedAt: d.now(),
	}
	if err := d.store.InsertEvent(ctx, event); err != nil {
		return StoreUnavailable(err)
	}
	securityEventsTotal.WithLabelValues(string(domain.EventBruteForce)).Inc()

	d.logger.ErrorContext(ctx, "brute force threshold crossed",
		slog.String("event_id", event.ID),
		slog.String("ip_address", ip),
		slog.Int("failed_attempts", n),
	)

	d.notify(ctx, domain.Notification{
		Type:           domain.NotificationSecurity,
		Title:          "Brute Force Attempt Detected",
		Message:        fmt.Sprintf("Multiple failed activation attempts from IP: %s", ip),
		RelatedEventID: event.ID,
	})
	return nil
}

// notify writes an admin notification. Notification loss is tolerable, so
// failures are logged rather than propagated.
func (d *Detector) notify(ctx context.Context, n domain.Notification) {
	n.ID = uuid.NewString()
	n.CreatedAt = d.now()
	if err := d.store.InsertNotification(ctx, &n); err != nil {
		d.logger.ErrorContext(ctx, "failed to write notification",
			slog.String("title", n.Title),
			slog.String("error", err.Error()),
		)
	}
}

// severityFor maps event types to their triage severity.
func severityFor(t domain.SecurityEventType) domain.EventSeverity {
	switch t {
	case domain.EventBruteForce:
		return domain.SeverityCritical
	case domain.EventRevokedKeyAttempt, domain.EventHWIDMismatch:
		return domain.SeverityHigh
	case domain.EventInvalidKey, domain.EventOverflow:
		return domain.SeverityMedium
	case domain.EventExpiredKeyAttempt:
		return domain.SeverityLow
	default:
		return domain.SeverityMedium
	}
}

// maskKey truncates an attempted key for storage so the event log cannot be
// harvested for nearly-valid keys.
func maskKey(key string) string {
	if len(key) <= 10 {
		return key
	}
	return key[:10] + "..."
}
