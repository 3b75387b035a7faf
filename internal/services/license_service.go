// Package services holds the use-case layer between the HTTP transport and
// the license core. Handlers call services; services call the engine, the
// detector, and the store.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"keygate/internal/license"
	"keygate/internal/store"
	"keygate/pkg/contracts/domain"
)

// LicenseService exposes the client-facing and administrative license
// operations.
type LicenseService interface {
	// Client surface.
	Validate(ctx context.Context, req *domain.ValidateRequest, ip string) (*domain.ValidateResponse, error)
	ReportStatus(ctx context.Context, req *domain.StatusReportRequest, ip string) error
	TrackDownload(ctx context.Context, req *domain.TrackDownloadRequest, ip, userAgent, referrer string) error

	// Admin surface.
	Issue(ctx context.Context, req *domain.IssueRequest) (*domain.LicenseKey, error)
	List(ctx context.Context, status domain.LicenseStatus, limit, offset int) ([]*domain.LicenseKey, error)
	Get(ctx context.Context, id string) (*domain.LicenseKey, error)
	Update(ctx context.Context, id string, req *domain.UpdateLicenseRequest) (*domain.LicenseKey, error)
	Revoke(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (*domain.LicenseStats, error)
	Attempts(ctx context.Context, keyID string, limit int) ([]*domain.ActivationAttempt, error)
	RecentAttempts(ctx context.Context, limit int) ([]*domain.ActivationAttempt, error)
}

type licenseService struct {
	engine *license.Engine
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLicenseService wires the license use cases.
func NewLicenseService(engine *license.Engine, st *store.Store, logger *slog.Logger) LicenseService {
	return &licenseService{
		engine: engine,
		store:  st,
		logger: logger.With(slog.String("service", "license")),
		now:    time.Now,
	}
}

func (s *licenseService) Validate(ctx context.Context, req *domain.ValidateRequest, ip string) (*domain.ValidateResponse, error) {
	return s.engine.Validate(ctx, *req, ip)
}

// ReportStatus stores a client heartbeat. An unknown key is a 404 and writes
// nothing; reports never mutate license state and are accepted regardless of
// how the license would currently validate.
func (s *licenseService) ReportStatus(ctx context.Context, req *domain.StatusReportRequest, ip string) error {
	key, err := s.store.KeyByLicense(ctx, license.NormalizeKey(req.LicenseKey))
	if err != nil {
		return license.StoreUnavailable(err)
	}
	if key == nil {
		return license.ErrNotFound
	}

	report := &domain.StatusReport{
		ID:            uuid.New().String(),
		LicenseKeyID:  key.ID,
		IPAddress:     ip,
		HardwareID:    req.HardwareID,
		AppVersion:    req.AppVersion,
		OSVersion:     req.OSVersion,
		Status:        req.Status,
		ErrorMessage:  req.ErrorMessage,
		UptimeSeconds: req.UptimeSeconds,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.InsertStatusReport(ctx, report); err != nil {
		return license.StoreUnavailable(err)
	}
	return nil
}

func (s *licenseService) TrackDownload(ctx context.Context, req *domain.TrackDownloadRequest, ip, userAgent, referrer string) error {
	d := &domain.Download{
		ID:         uuid.New().String(),
		IPAddress:  ip,
		UserAgent:  userAgent,
		Referrer:   referrer,
		AppVersion: req.AppVersion,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.InsertDownload(ctx, d); err != nil {
		return license.StoreUnavailable(err)
	}
	return nil
}

func (s *licenseService) Issue(ctx context.Context, req *domain.IssueRequest) (*domain.LicenseKey, error) {
	key, err := s.engine.Issue(ctx, *req)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "license issued",
		slog.String("key_id", key.ID),
		slog.String("status", string(key.Status)),
		slog.Int("max_activations", key.MaxActivations))
	return key, nil
}

func (s *licenseService) List(ctx context.Context, status domain.LicenseStatus, limit, offset int) ([]*domain.LicenseKey, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("unknown status filter %q", status)
	}
	keys, err := s.store.ListKeys(ctx, status, limit, offset)
	if err != nil {
		return nil, license.StoreUnavailable(err)
	}
	return keys, nil
}

func (s *licenseService) Get(ctx context.Context, id string) (*domain.LicenseKey, error) {
	key, err := s.store.KeyByID(ctx, id)
	if err != nil {
		if errors.Is(err, license.ErrNotFound) {
			return nil, err
		}
		return nil, license.StoreUnavailable(err)
	}
	return key, nil
}

func (s *licenseService) Update(ctx context.Context, id string, req *domain.UpdateLicenseRequest) (*domain.LicenseKey, error) {
	if req.Status != nil && !req.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q", *req.Status)
	}
	key, err := s.store.UpdateKey(ctx, id, req, s.now().UTC())
	if err != nil {
		if errors.Is(err, license.ErrNotFound) || errors.Is(err, store.ErrRevokedKeyImmutable) {
			return nil, err
		}
		return nil, license.StoreUnavailable(err)
	}
	s.logger.InfoContext(ctx, "license updated", slog.String("key_id", id))
	return key, nil
}

func (s *licenseService) Revoke(ctx context.Context, id string) error {
	if err := s.store.RevokeKey(ctx, id, s.now().UTC()); err != nil {
		if errors.Is(err, license.ErrNotFound) {
			return err
		}
		return license.StoreUnavailable(err)
	}
	s.logger.InfoContext(ctx, "license revoked", slog.String("key_id", id))
	return nil
}

func (s *licenseService) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteKey(ctx, id); err != nil {
		if errors.Is(err, license.ErrNotFound) {
			return err
		}
		return license.StoreUnavailable(err)
	}
	s.logger.InfoContext(ctx, "license deleted", slog.String("key_id", id))
	return nil
}

func (s *licenseService) Stats(ctx context.Context) (*domain.LicenseStats, error) {
	stats, err := s.store.LicenseStats(ctx)
	if err != nil {
		return nil, license.StoreUnavailable(err)
	}
	return stats, nil
}

func (s *licenseService) Attempts(ctx context.Context, keyID string, limit int) ([]*domain.ActivationAttempt, error) {
	if _, err := s.store.KeyByID(ctx, keyID); err != nil {
		if errors.Is(err, license.ErrNotFound) {
			return nil, err
		}
		return nil, license.StoreUnavailable(err)
	}
	attempts, err := s.store.AttemptsForKey(ctx, keyID, limit)
	if err != nil {
		return nil, license.StoreUnavailable(err)
	}
	return attempts, nil
}

func (s *licenseService) RecentAttempts(ctx context.Context, limit int) ([]*domain.ActivationAttempt, error) {
	attempts, err := s.store.RecentAttempts(ctx, limit)
	if err != nil {
		return nil, license.StoreUnavailable(err)
	}
	return attempts, nil
}
