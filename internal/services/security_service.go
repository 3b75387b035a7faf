package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"keygate/internal/license"
	"keygate/internal/store"
	"keygate/pkg/contracts/domain"
)

// SecurityService exposes the admin view over security events,
// notifications, and dashboard aggregates.
type SecurityService interface {
	ListEvents(ctx context.Context, unresolvedOnly bool, limit, offset int) ([]*domain.SecurityEvent, error)
	ResolveEvent(ctx context.Context, id, resolvedBy string) error
	SecurityStats(ctx context.Context) (*domain.SecurityStats, error)

	ListNotifications(ctx context.Context, unreadOnly bool, limit int) ([]*domain.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	UnreadNotificationCount(ctx context.Context) (int, error)

	DashboardStats(ctx context.Context) (*domain.DashboardStats, error)
	DownloadStats(ctx context.Context) (*domain.DownloadStats, error)
}

type securityService struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewSecurityService wires the security admin use cases.
func NewSecurityService(st *store.Store, logger *slog.Logger) SecurityService {
	return &securityService{
		store:  st,
		logger: logger.With(slog.String("service", "security")),
		now:    time.Now,
	}
}

func (s *securityService) ListEvents(ctx context.Context, unresolvedOnly bool, limit, offset int) ([]*domain.SecurityEvent, error) {
	events, err := s.store.ListEvents(ctx, unresolvedOnly, limit, offset)
	if err != nil {
		return nil, license.StoreUnavailable(err)
	}
	return events, nil
}

func (s *securityService) ResolveEvent(ctx context.Context, id, resolvedBy string) error {
	if err := s.store.ResolveEvent(ctx, id, resolvedBy, s.now().UTC()); err != nil {
		if errors.Is(err, license.ErrNotFound) {
			return err
		}
		return license.StoreUnavailable(err)
	}
	s.logger.InfoContext(ctx, "security event resolved",
		slog.String("event_id", id),
		slog.String("resolved_by", resolvedBy))
	return nil
}

func (s *securityService) SecurityStats(ctx context.Context) (*domain.SecurityStats, error) {
	stats, err := s.store.SecurityStats(ctx, s.now().UTC())
	if err != nil {
		return nil, license.StoreUnavailable(err)
	}
	return stats, nil
}

func (s *securityService) ListNotifications(ctx context.Context, unreadOnly bool, limit int) ([]*domain.Notification, error) {
	list, err := s.store.ListNotifications(ctx, unreadOnly, limit)
	if err != nil {
		return nil, license.StoreUnavailable(err)
	}
	return list, nil
}

func (s *securityService) MarkNotificationRead(ctx context.Context, id string) error {
	if err := s.store.MarkNotificationRead(ctx, id); err != nil {
		if errors.Is(err, license.ErrNotFound) {
			return err
		}
		return license.StoreUnavailable(err)
	}
	return nil
}

func (s *securityService) UnreadNotificationCount(ctx context.Context) (int, error) {
	count, err := s.store.UnreadNotificationCount(ctx)
	if err != nil {
		return 0, license.StoreUnavailable(err)
	}
	return count, nil
}

func (s *securityService) DashboardStats(ctx context.Context) (*domain.DashboardStats, error) {
	stats, err := s.store.DashboardStats(ctx, s.now().UTC())
	if err != nil {
		return nil, license.StoreUnavailable(err)
	}
	return stats, nil
}

func (s *securityService) DownloadStats(ctx context.Context) (*domain.DownloadStats, error) {
	stats, err := s.store.DownloadStats(ctx, s.now().UTC())
	if err != nil {
		return nil, license.StoreUnavailable(err)
	}
	return stats, nil
}
