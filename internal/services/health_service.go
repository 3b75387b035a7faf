package services

import (
	"context"
	"log/slog"
	"time"

	"keygate/internal/store"
)

// HealthStatus is the liveness/readiness report.
type HealthStatus struct {
	Status    string    `json:"status"`
	Store     string    `json:"store"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthService reports process and store health.
type HealthService interface {
	Check(ctx context.Context) *HealthStatus
}

type healthService struct {
	store   *store.Store
	logger  *slog.Logger
	started time.Time
}

// NewHealthService wires the health check.
func NewHealthService(st *store.Store, logger *slog.Logger) HealthService {
	return &healthService{
		store:   st,
		logger:  logger.With(slog.String("service", "health")),
		started: time.Now(),
	}
}

func (s *healthService) Check(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Status:    "ok",
		Store:     "ok",
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.store.Ping(pingCtx); err != nil {
		s.logger.ErrorContext(ctx, "store ping failed", slog.String("error", err.Error()))
		status.Status = "degraded"
		status.Store = "unavailable"
	}
	return status
}
