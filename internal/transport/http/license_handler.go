// Package http holds the chi HTTP handlers: the client-facing license API,
// the admin API, and health.
package http

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "keygate/internal/errors"
	"keygate/internal/middleware"
	"keygate/internal/services"
	"keygate/pkg/contracts/domain"
)

// LicenseHandler handles the client-facing license endpoints.
type LicenseHandler struct {
	service  services.LicenseService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewLicenseHandler creates the client API handler.
func NewLicenseHandler(service services.LicenseService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:  service,
		validate: validator.New(),
		logger:   logger.With(slog.String("handler", "license")),
	}
}

// Routes returns the chi router for the client license API.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/validate", h.Validate)
	r.Post("/report", h.Report)
	r.Post("/downloads/track", h.TrackDownload)
	return r
}

// Validate handles POST /api/v1/license/validate.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.validate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/v1/license/validate"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	var req domain.ValidateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, apierrors.NewBadRequestProblem(
			"Request body is not valid JSON.", reqID, r.URL.Path))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, apierrors.NewValidationProblem(err, reqID, r.URL.Path))
		return
	}

	resp, err := h.service.Validate(ctx, &req, clientIP(r))
	if err != nil {
		span.RecordError(err)
		problem := apierrors.MapLicenseError(err, reqID, r.URL.Path)
		if problem.Status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "300")
		}
		render.Render(w, r, problem)
		return
	}

	span.SetAttributes(attribute.Bool("license.valid", true))
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// Report handles POST /api/v1/license/report.
func (h *LicenseHandler) Report(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	var req domain.StatusReportRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, apierrors.NewBadRequestProblem(
			"Request body is not valid JSON.", reqID, r.URL.Path))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, apierrors.NewValidationProblem(err, reqID, r.URL.Path))
		return
	}

	if err := h.service.ReportStatus(ctx, &req, clientIP(r)); err != nil {
		render.Render(w, r, apierrors.MapLicenseError(err, reqID, r.URL.Path))
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]bool{"accepted": true})
}

// TrackDownload handles POST /api/v1/license/downloads/track.
func (h *LicenseHandler) TrackDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	var req domain.TrackDownloadRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, apierrors.NewBadRequestProblem(
			"Request body is not valid JSON.", reqID, r.URL.Path))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, apierrors.NewValidationProblem(err, reqID, r.URL.Path))
		return
	}

	err := h.service.TrackDownload(ctx, &req, clientIP(r),
		r.UserAgent(), r.Header.Get("Referer"))
	if err != nil {
		render.Render(w, r, apierrors.MapLicenseError(err, reqID, r.URL.Path))
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]bool{"accepted": true})
}

// clientIP returns the caller's address without the port. RealIP middleware
// has already folded X-Forwarded-For into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
