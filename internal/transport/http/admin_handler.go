package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "keygate/internal/errors"
	"keygate/internal/license"
	"keygate/internal/middleware"
	"keygate/internal/services"
	"keygate/internal/store"
	"keygate/pkg/contracts/domain"
)

// AdminHandler handles the authenticated admin API.
type AdminHandler struct {
	licenses services.LicenseService
	security services.SecurityService
	sweeper  *license.Sweeper
	validate *validator.Validate
	logger   *slog.Logger
}

// NewAdminHandler creates the admin API handler.
func NewAdminHandler(licenses services.LicenseService, security services.SecurityService, sweeper *license.Sweeper, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		licenses: licenses,
		security: security,
		sweeper:  sweeper,
		validate: validator.New(),
		logger:   logger.With(slog.String("handler", "admin")),
	}
}

// Routes returns the chi router for the admin API. Auth is applied by the
// caller when mounting.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/licenses", func(r chi.Router) {
		r.Post("/", h.IssueLicense)
		r.Get("/", h.ListLicenses)
		r.Get("/stats", h.LicenseStats)
		r.Get("/attempts", h.RecentAttempts)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetLicense)
			r.Patch("/", h.UpdateLicense)
			r.Delete("/", h.DeleteLicense)
			r.Post("/revoke", h.RevokeLicense)
			r.Get("/attempts", h.LicenseAttempts)
		})
	})

	r.Route("/events", func(r chi.Router) {
		r.Get("/", h.ListEvents)
		r.Get("/stats", h.SecurityStats)
		r.Post("/{id}/resolve", h.ResolveEvent)
	})

	r.Route("/notifications", func(r chi.Router) {
		r.Get("/", h.ListNotifications)
		r.Get("/unread-count", h.UnreadCount)
		r.Post("/{id}/read", h.MarkNotificationRead)
	})

	r.Get("/dashboard", h.Dashboard)
	r.Get("/downloads/stats", h.DownloadStats)
	r.Post("/sweep", h.RunSweep)
	r.Post("/purge", h.RunPurge)

	return r
}

// IssueLicense handles POST /api/v1/admin/licenses.
func (h *AdminHandler) IssueLicense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	var req domain.IssueRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, apierrors.NewBadRequestProblem(
			"Request body is not valid JSON.", reqID, r.URL.Path))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, apierrors.NewValidationProblem(err, reqID, r.URL.Path))
		return
	}

	key, err := h.licenses.Issue(ctx, &req)
	if err != nil {
		render.Render(w, r, apierrors.MapLicenseError(err, reqID, r.URL.Path))
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, key)
}

// ListLicenses handles GET /api/v1/admin/licenses.
func (h *AdminHandler) ListLicenses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	status := domain.LicenseStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		render.Render(w, r, apierrors.NewBadRequestProblem(
			"Unknown status filter.", reqID, r.URL.Path))
		return
	}

	keys, err := h.licenses.List(ctx, status, queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		render.Render(w, r, apierrors.MapLicenseError(err, reqID, r.URL.Path))
		return
	}
	if keys == nil {
		keys = []*domain.LicenseKey{}
	}
	render.JSON(w, r, keys)
}

// GetLicense handles GET /api/v1/admin/licenses/{id}.
func (h *AdminHandler) GetLicense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	key, err := h.licenses.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		render.Render(w, r, apierrors.MapLicenseError(err, reqID, r.URL.Path))
		return
	}
	render.JSON(w, r, key)
}

// UpdateLicense handles PATCH /api/v1/admin/licenses/{id}.
func (h *AdminHandler) UpdateLicense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	var req domain.UpdateLicenseRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, apierrors.NewBadRequestProblem(
			"Request body is not valid JSON.", reqID, r.URL.Path))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, apierrors.NewValidationProblem(err, reqID, r.URL.Path))
		return
	}

	key, err := h.licenses.Update(ctx, chi.URLParam(r, "id"), &req)
	if err != nil {
		if errors.Is(err, store.ErrRevokedKeyImmutable) {
			render.Render(w, r, apierrors.NewConflictProblem(
				"Revoked keys cannot change status. Issue a new key instead.",
				reqID, r.URL.Path))
			return
		}
		render.Render(w, r, apierrors.MapLicenseError(err, reqID, r.URL.Path))
		return
	}
	render.JSON(w, r, key)
}

// DeleteLicense handles DELETE /api/v1/admin/licenses/{id}.
func (h *AdminHandler) DeleteLicense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	if err := h.licenses.Delete(ctx, chi.URLParam(r, "id")); err != nil {
		render.Render(w, r, apierrors.MapLicenseError(err, reqID, r.URL.Path))
		return
	}
	render.NoContent(w, r)
}

// RevokeLicense handles POST /api/v1/admin/licenses/{id}/revoke.
func (h *AdminHandler) RevokeLicense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	if err := h.licenses.Revoke(ctx, chi.URLParam(r, "id")); err != nil {
		render.Render(w, r, apierrors.MapLicenseError(err, reqID, r.URL.Path))
		return
	}
	render.JSON(w, r, map[string]bool{"revoked": true})
}

// LicenseStats handles GET /api/v1/admin/licenses/stats.
func (h *AdminHandler) LicenseStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	stats, err := h.licenses.Stats(ctx)
	if err != nil {
		render.Render(w, r, apierrors.MapLicenseError(err, reqID, r.URL.Path))
		return
	}
	render.JSON(w, r, stats)
}

// LicenseAttempts handles GET /api/v1/admin/licenses/{id}/attempts.
func (h *AdminHandler) LicenseAttempts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	attempts, err := h.licenses.Attempts(ctx, chi.URLParam(r, "id"), queryInt(r, "limit", 100))
	if err != nil {
		render.Render(w, r, apierrors.MapLicenseError(err, reqID, r.URL.Path))
		return
	}
	if attempts == nil {
		attempts = []*domain.ActivationAttempt{}
	}
	render.JSON(w, r, attempts)
}

// RecentAttempts handles GET /api/v1/admin/licenses/attempts.
func (h *AdminHandler) RecentAttempts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	attempts, err := h.licenses.RecentAttempts(ctx, queryInt(r, "limit", 100))
	if err != nil {
		render.Render(w, r, apierrors.MapLicenseError(err, reqID, r.URL.Path))
		return
	}
	if attempts == nil {
		attempts = []*domain.ActivationAttempt{}
	}
	render.JSON(w, r, attempts)
}

// ListEvents handles GET /api/v1/admin/events.
func (h *AdminHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	unresolvedOnly := r.URL.Query().Get("unresolved") == "true"
	events, err := h.security.ListEvents(ctx, unresolvedOnly,
		queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		render.Render(w, r, apierrors.MapLicenseError(err, reqID, r.URL.Path))
		return
	}
	if events == nil {
		events = []*domain.SecurityEvent{}
	}
	render.JSON(w, r, events)
}

// ResolveEvent handles POST /api/v1/admin/events/{id}/resolve.
func (h *AdminHandler) ResolveEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	var req domain.ResolveEventRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, apierrors.NewBadRequestProblem(
			"Request body is not valid JSON.", reqID, r.URL.Path))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, apierrors.NewValidationProblem(err, reqID, r.URL.Path))
		return
	}

	if err := h.security.ResolveEvent(ctx, chi.URLParam(r, "id"), req.ResolvedBy); err != nil {
		render.Render(w, r, apierrors.MapLicenseError(err, reqID, r.URL.Path))
		return
	}
	render.JSON(w, r, map[string]bool{"resolved": true})
}

// SecurityStats handles GET /api/v1/admin/events/stats.
func (h *AdminHandler) SecurityStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	stats, err := h.security.SecurityStats(ctx)
	if err != nil {
		render.Render(w, r, apierrors.MapLicenseError(err, reqID, r.URL.Path))
		return
	}
	render.JSON(w, r, stats)
}

// ListNotifications handles GET /api/v1/admin/notifications.
func (h *AdminHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	unreadOnly := r.URL.Query().Get("unread") == "true"
	list, err := h.security.ListNotifications(ctx, unreadOnly, queryInt(r, "limit", 50))
	if err != nil {
		render.Render(w, r, apierrors.MapLicenseError(err, reqID, r.URL.Path))
		return
	}
	if list == nil {
		list = []*domain.Notification{}
	}
	render.JSON(w, r, list)
}

// MarkNotificationRead handles POST /api/v1/admin/notifications/{id}/read.
func (h *AdminHandler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	if err := h.security.MarkNotificationRead(ctx, chi.URLParam(r, "id")); err != nil {
		render.Render(w, r, apierrors.MapLicenseError(err, reqID, r.URL.Path))
		return
	}
	render.JSON(w, r, map[string]bool{"read": true})
}

// UnreadCount handles GET /api/v1/admin/notifications/unread-count.
func (h *AdminHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	count, err := h.security.UnreadNotificationCount(ctx)
	if err != nil {
		render.Render(w, r, apierrors.MapLicenseError(err, reqID, r.URL.Path))
		return
	}
	render.JSON(w, r, map[string]int{"unread": count})
}

// Dashboard handles GET /api/v1/admin/dashboard.
func (h *AdminHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	stats, err := h.security.DashboardStats(ctx)
	if err != nil {
		render.Render(w, r, apierrors.MapLicenseError(err, reqID, r.URL.Path))
		return
	}
	render.JSON(w, r, stats)
}

// DownloadStats handles GET /api/v1/admin/downloads/stats.
func (h *AdminHandler) DownloadStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	stats, err := h.security.DownloadStats(ctx)
	if err != nil {
		render.Render(w, r, apierrors.MapLicenseError(err, reqID, r.URL.Path))
		return
	}
	render.JSON(w, r, stats)
}

// RunSweep handles POST /api/v1/admin/sweep: a manual expiration sweep.
func (h *AdminHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	expired, err := h.sweeper.SweepExpirations(ctx)
	if err != nil {
		render.Render(w, r, apierrors.MapLicenseError(license.StoreUnavailable(err), reqID, r.URL.Path))
		return
	}
	render.JSON(w, r, map[string]int{"expired": expired})
}

// RunPurge handles POST /api/v1/admin/purge: a manual retention purge,
// optionally with an overridden retention window.
func (h *AdminHandler) RunPurge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	var req domain.PurgeRequest
	if r.ContentLength > 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			render.Render(w, r, apierrors.NewBadRequestProblem(
				"Request body is not valid JSON.", reqID, r.URL.Path))
			return
		}
		if err := h.validate.Struct(&req); err != nil {
			render.Render(w, r, apierrors.NewValidationProblem(err, reqID, r.URL.Path))
			return
		}
	}

	purged, err := h.sweeper.PurgeOldExpired(ctx, req.RetentionDays)
	if err != nil {
		render.Render(w, r, apierrors.MapLicenseError(license.StoreUnavailable(err), reqID, r.URL.Path))
		return
	}
	render.JSON(w, r, map[string]int{"purged": purged})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
