package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"keygate/internal/config"
	apperrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
	"keygate/internal/license"
	custommw "keygate/internal/middleware"
	"keygate/internal/services"
	"keygate/internal/store"
	handlers "keygate/internal/transport/http"
)

const (
	AppName = "KeyGate"
	Version = "1.0.0"
)

// Application is the top-level container wiring configuration, storage, the
// license engine, background sweeper and the HTTP transport together.
type Application struct {
	Config  *config.Config
	Logger  *slog.Logger
	Router  *chi.Mux
	Server  *http.Server
	Store   *store.Store
	Engine  *license.Engine
	Sweeper *license.Sweeper

	licenseService  services.LicenseService
	securityService services.SecurityService
	healthService   services.HealthService

	shutdownTracing func(context.Context) error
}

// New builds the full application from configuration. Nothing is listening
// yet when it returns; call Run to serve.
func New(ctx context.Context) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig builds the application from an already-loaded configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Application, error) {
	logger := infrastructure.NewLogger(cfg.Logging)

	logger.Info("application starting",
		slog.String("name", AppName),
		slog.String("version", Version),
		slog.Int("port", cfg.Server.Port))

	shutdownTracing, err := infrastructure.InitTracing(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", cfg.Store.Path, err)
	}

	detector := license.NewDetector(st, logger, license.DetectorConfig{
		Window:    cfg.Security.Abuse.Window,
		Threshold: cfg.Security.Abuse.Threshold,
	})
	engine := license.NewEngine(st, detector, logger, license.EngineConfig{})
	sweeper := license.NewSweeper(st, logger, license.SweeperConfig{
		SweepInterval:  cfg.Sweeper.SweepInterval,
		PurgeInterval:  cfg.Sweeper.PurgeInterval,
		RetentionDays:  cfg.Sweeper.RetentionDays,
		ExpiryWarnDays: cfg.Sweeper.ExpiryWarnDays,
		StartupDelay:   cfg.Sweeper.StartupDelay,
	})

	app := &Application{
		Config:          cfg,
		Logger:          logger,
		Store:           st,
		Engine:          engine,
		Sweeper:         sweeper,
		licenseService:  services.NewLicenseService(engine, st, logger),
		securityService: services.NewSecurityService(st, logger),
		healthService:   services.NewHealthService(st, logger),
		shutdownTracing: shutdownTracing,
	}

	app.setupRouter()
	app.Server = &http.Server{
		Addr:           cfg.Server.Addr(),
		Handler:        app.Router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	return app, nil
}

// setupRouter assembles the middleware chain and mounts the client, admin
// and operational surfaces.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	errorHandler := apperrors.NewErrorHandler(a.Logger, a.Config.Logging.Development)

	r.Use(custommw.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(custommw.StructuredLogger(a.Logger))
	r.Use(errorHandler.Recoverer)
	r.Use(custommw.SecurityHeaders)

	if a.Config.Security.RateLimit.Enabled {
		limiter := custommw.NewRateLimiter(
			a.Config.Security.RateLimit.RPS,
			a.Config.Security.RateLimit.Burst,
			a.Logger,
		)
		r.Use(limiter.Handler)
	}

	r.Use(chimiddleware.Timeout(a.Config.Server.RequestTimeout))

	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	healthHandler := handlers.NewHealthHandler(a.healthService, a.Logger)
	r.Get("/healthz", healthHandler.Check)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		licenseHandler := handlers.NewLicenseHandler(a.licenseService, a.Logger)
		r.Mount("/license", licenseHandler.Routes())

		// Admin routes only exist when an admin token hash is configured;
		// without one there is no credential to check against.
		if a.Config.Security.AdminTokenHash != "" {
			adminHandler := handlers.NewAdminHandler(a.licenseService, a.securityService, a.Sweeper, a.Logger)
			r.Route("/admin", func(r chi.Router) {
				r.Use(custommw.AdminAuth(a.Config.Security.AdminTokenHash, a.Logger))
				r.Mount("/", adminHandler.Routes())
			})
		} else {
			a.Logger.Warn("admin token hash not configured, admin API disabled")
		}
	})

	a.Router = r
}

// Run serves HTTP and runs the background sweeper until the context is
// cancelled or a SIGINT/SIGTERM arrives, then shuts down gracefully.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("http server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.Sweeper.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		return a.shutdown()
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// shutdown drains the HTTP server, flushes traces and closes the store.
func (a *Application) shutdown() error {
	a.Logger.Info("shutting down",
		slog.Duration("timeout", a.Config.Server.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	a.Logger.Info("shutdown complete")
	return nil
}
