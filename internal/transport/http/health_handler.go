package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"keygate/internal/services"
)

// HealthHandler serves liveness and readiness.
type HealthHandler struct {
	service services.HealthService
	logger  *slog.Logger
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(service services.HealthService, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// Check handles GET /healthz. Degraded still answers 200 so orchestration
// does not restart the process for a transient store hiccup; readiness
// consumers inspect the body.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	status := h.service.Check(r.Context())
	render.Status(r, http.StatusOK)
	render.JSON(w, r, status)
}
