package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"keygate/pkg/contracts/domain"
)

const defaultIssueRetries = 5

// EngineConfig tunes the admission engine.
type EngineConfig struct {
	// IssueRetries bounds how often Issue regenerates after a key collision.
	IssueRetries int
	Now          func() time.Time
}

// Engine runs the activation admission algorithm: rate check, key
// resolution, status gate, binding check, capacity check, commit — in that
// order, because the order decides which security event fires first.
type Engine struct {
	store        Store
	detector     *Detector
	logger       *slog.Logger
	issueRetries int
	now          func() time.Time
}

// NewEngine wires an engine to its store and abuse detector.
func NewEngine(store Store, detector *Detector, logger *slog.Logger, cfg EngineConfig) *Engine {
	if cfg.IssueRetries <= 0 {
		cfg.IssueRetries = defaultIssueRetries
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		store:        store,
		detector:     detector,
		logger:       logger.With(slog.String("component", "admission_engine")),
		issueRetries: cfg.IssueRetries,
		now:          cfg.Now,
	}
}

// Validate decides whether an activation attempt for (key, hardware, ip) is
// admitted. Every rejection except RATE_LIMITED durably records a failed
// ActivationAttempt; the rate-limited path short-circuits before any store
// write so it cannot be used to flood the audit log.
func (e *Engine) Validate(ctx context.Context, req domain.ValidateRequest, ip string) (*domain.ValidateResponse, error) {
	tracer := otel.Tracer("admission-engine")
	ctx, span := tracer.Start(ctx, "engine.validate",
		trace.WithAttributes(
			attribute.String("client.ip", ip),
			attribute.Bool("client.has_hwid", req.HardwareID != ""),
		),
	)
	defer span.End()

	start := e.now()
	resp, err := e.validate(ctx, req, ip)
	validationDuration.Observe(e.now().Sub(start).Seconds())
	validationsTotal.WithLabelValues(resultLabel(err)).Inc()

	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("admission.result", resultLabel(err)))
		return nil, err
	}
	span.SetAttributes(attribute.String("admission.result", "admitted"))
	return resp, nil
}

func (e *Engine) validate(ctx context.Context, req domain.ValidateRequest, ip string) (*domain.ValidateResponse, error) {
	now := e.now()
	keyString := NormalizeKey(req.LicenseKey)

	// Step 1: rate check. Rejection here touches neither the store nor the
	// audit trail.
	limited, err := e.detector.IsRateLimited(ctx, ip)
	if err != nil {
		return nil, err
	}
	if limited {
		e.logger.WarnContext(ctx, "validation rate limited",
			slog.String("ip_address", ip),
		)
		return nil, ErrRateLimited
	}

	// Step 2: resolution.
	key, err := e.store.KeyByLicense(ctx, keyString)
	if err != nil {
		return nil, StoreUnavailable(err)
	}
	if key == nil {
		if _, err := e.detector.Raise(ctx, Signal{
			Type:         domain.EventInvalidKey,
			IPAddress:    ip,
			AttemptedKey: keyString,
			Details:      "attempted activation with invalid license key",
		}); err != nil {
			return nil, err
		}
		if err := e.recordFailure(ctx, "", req, ip, domain.FailureInvalidKey, "invalid license key"); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	// Step 3: status gate.
	switch {
	case key.Status == domain.LicenseStatusRevoked:
		if _, err := e.detector.Raise(ctx, Signal{
			Type:         domain.EventRevokedKeyAttempt,
			IPAddress:    ip,
			LicenseKeyID: key.ID,
			Details:      "attempted activation with revoked license key",
		}); err != nil {
			return nil, err
		}
		if err := e.recordFailure(ctx, key.ID, req, ip, domain.FailureRevoked, "license revoked"); err != nil {
			return nil, err
		}
		return nil, ErrRevoked

	case key.Status == domain.LicenseStatusExpired:
		// Already expired: the transition (and its security event) happened
		// on whichever path observed it first. Only the audit write remains.
		if err := e.recordFailure(ctx, key.ID, req, ip, domain.FailureExpired, "license expired"); err != nil {
			return nil, err
		}
		return nil, ErrExpired

	case key.Status == domain.LicenseStatusActive && key.IsExpiredAt(now):
		// Lazy expiry: an attempt that observes a stale active row flips it
		// through the same idempotent primitive the sweeper uses.
		if _, err := e.store.TransitionToExpiredIfDue(ctx, key.ID, now); err != nil {
			return nil, StoreUnavailable(err)
		}
		if _, err := e.detector.Raise(ctx, Signal{
			Type:         domain.EventExpiredKeyAttempt,
			IPAddress:    ip,
			LicenseKeyID: key.ID,
			Details:      "attempted activation with expired license key",
		}); err != nil {
			return nil, err
		}
		if err := e.recordFailure(ctx, key.ID, req, ip, domain.FailureExpired, "license expired"); err != nil {
			return nil, err
		}
		return nil, ErrExpired

	case key.Status == domain.LicenseStatusPending:
		// Expected pre-purchase state, not abuse: no security event.
		if err := e.recordFailure(ctx, key.ID, req, ip, domain.FailureNotActivated, "license not yet activated"); err != nil {
			return nil, err
		}
		return nil, ErrNotActivated
	}

	// Step 4: binding check. Advisory only; capacity decides admission.
	if key.BoundHardwareID != "" && req.HardwareID != "" && key.BoundHardwareID != req.HardwareID {
		if _, err := e.detector.Raise(ctx, Signal{
			Type:         domain.EventHWIDMismatch,
			IPAddress:    ip,
			LicenseKeyID: key.ID,
			Details:      fmt.Sprintf("hwid mismatch, expected %s got %s", key.BoundHardwareID, req.HardwareID),
		}); err != nil {
			return nil, err
		}
	}

	// Steps 5+6: capacity check and commit, atomically in the store.
	outcome, updated, err := e.store.Activate(ctx, key.ID, req.HardwareID, ip, now)
	if err != nil {
		return nil, StoreUnavailable(err)
	}

	switch outcome {
	case OutcomeOverflow:
		if _, err := e.detector.Raise(ctx, Signal{
			Type:         domain.EventOverflow,
			IPAddress:    ip,
			LicenseKeyID: key.ID,
			Details:      "max activations reached",
		}); err != nil {
			return nil, err
		}
		if err := e.recordFailure(ctx, key.ID, req, ip, domain.FailureMaxActivations, "maximum activations reached"); err != nil {
			return nil, err
		}
		return nil, ErrMaxActivations

	case OutcomeExpired:
		// Raced with the expiry boundary between the read and the commit.
		if _, err := e.detector.Raise(ctx, Signal{
			Type:         domain.EventExpiredKeyAttempt,
			IPAddress:    ip,
			LicenseKeyID: key.ID,
			Details:      "attempted activation with expired license key",
		}); err != nil {
			return nil, err
		}
		if err := e.recordFailure(ctx, key.ID, req, ip, domain.FailureExpired, "license expired"); err != nil {
			return nil, err
		}
		return nil, ErrExpired
	}

	attempt := e.newAttempt(key.ID, req, ip)
	attempt.Success = true
	if err := e.store.AppendAttempt(ctx, attempt); err != nil {
		return nil, StoreUnavailable(err)
	}

	e.logger.InfoContext(ctx, "activation admitted",
		slog.String("license_key_id", updated.ID),
		slog.Bool("new_binding", outcome == OutcomeAdmittedNew),
		slog.Int("current_activations", updated.CurrentActivations),
		slog.Int("max_activations", updated.MaxActivations),
	)

	return &domain.ValidateResponse{
		Valid:      true,
		ExpiresAt:  updated.ExpiresAt,
		AssignedTo: updated.AssignedTo,
	}, nil
}

// Issue creates a new license key. Administrative path: no rate check, no
// security events. Generator collisions are retried a bounded number of
// times before surfacing DUPLICATE_KEY to the caller.
func (e *Engine) Issue(ctx context.Context, req domain.IssueRequest) (*domain.LicenseKey, error) {
	status := req.Status
	if status == "" {
		status = domain.LicenseStatusPending
	}
	if status != domain.LicenseStatusPending && status != domain.LicenseStatusActive {
		return nil, fmt.Errorf("issue: initial status must be pending or active, got %q", status)
	}
	maxActivations := req.MaxActivations
	if maxActivations <= 0 {
		maxActivations = 1
	}

	var lastErr error
	for i := 0; i < e.issueRetries; i++ {
		keyString, err := Generate()
		if err != nil {
			return nil, fmt.Errorf("issue: %w", err)
		}

		now := e.now()
		key := &domain.LicenseKey{
			ID:             uuid.NewString(),
			Key:            keyString,
			Status:         status,
			AssignedTo:     req.AssignedTo,
			AssignedEmail:  req.AssignedEmail,
			MaxActivations: maxActivations,
			ExpiresAt:      req.ExpiresAt,
			Notes:          req.Notes,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		err = e.store.InsertKey(ctx, key)
		if err == nil {
			e.logger.InfoContext(ctx, "license key issued",
				slog.String("license_key_id", key.ID),
				slog.String("status", string(key.Status)),
				slog.Int("max_activations", key.MaxActivations),
			)
			return key, nil
		}
		if !errors.Is(err, ErrDuplicateKey) {
			return nil, StoreUnavailable(err)
		}
		lastErr = err
		e.logger.WarnContext(ctx, "generated key collided, retrying",
			slog.Int("attempt", i+1),
		)
	}
	return nil, fmt.Errorf("issue: retries exhausted: %w", lastErr)
}

// recordFailure appends the mandatory audit record for a rejected attempt.
// A write failure here fails the whole request: losing the audit trail on a
// rejection is a correctness bug, not acceptable degradation.
func (e *Engine) recordFailure(ctx context.Context, keyID string, req domain.ValidateRequest, ip string, code domain.FailureReason, reason string) error {
	attempt := e.newAttempt(keyID, req, ip)
	attempt.Success = false
	attempt.FailureCode = code
	attempt.FailureReason = reason
	if err := e.store.AppendAttempt(ctx, attempt); err != nil {
		return StoreUnavailable(err)
	}
	return nil
}

func (e *Engine) newAttempt(keyID string, req domain.ValidateRequest, ip string) *domain.ActivationAttempt {
	return &domain.ActivationAttempt{
		ID:           uuid.NewString(),
		LicenseKeyID: keyID,
		IPAddress:    ip,
		HardwareID:   req.HardwareID,
		MachineName:  req.MachineName,
		OSVersion:    req.OSVersion,
		AppVersion:   req.AppVersion,
		CreatedAt:    e.now(),
	}
}

// resultLabel maps an admission outcome to its metrics label.
func resultLabel(err error) string {
	if err == nil {
		return "admitted"
	}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		switch domainErr.Code {
		case CodeNotFound:
			return "not_found"
		case CodeRevoked:
			return "revoked"
		case CodeExpired:
			return "expired"
		case CodeNotActivated:
			return "not_activated"
		case CodeMaxActivations:
			return "max_activations"
		case CodeRateLimited:
			return "rate_limited"
		case CodeStoreUnavailable:
			return "store_unavailable"
		}
	}
	return "error"
}
