// Package server assembles the management API: router, middleware,
// websocket hub and the HTTP listener lifecycle.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/efuentes-sec/ztcore/internal/adapters/web"
	"github.com/efuentes-sec/ztcore/internal/adapters/web/handlers"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second

	// defaultRateLimit is the per-IP request budget per minute when the
	// configuration does not set one.
	defaultRateLimit = 60
)

// Deps collects everything the management API serves.
type Deps struct {
	Addr            string
	RateLimitPerMin int
	AllowedOrigin   string

	Store      ports.IdentityStore
	Trust      ports.TrustScorer
	Decisions  ports.DecisionPoint
	Onboarding ports.OnboardingService
	Releaser   handlers.QuarantineReleaser
	Auth       ports.AuthService
	Audit      ports.DecisionAuditLog
	Reports    ports.ReportService
	Exporter   ports.ReportExporter
	Status     ports.StatusService
	Hub        *web.Hub
}

// Server handles HTTP and websocket connections for the management
// API.
type Server struct {
	Addr           string
	AuthService    ports.AuthService
	Hub            *web.Hub
	AuthHandler    *handlers.AuthHandler
	DeviceHandler  *handlers.DeviceHandler
	NetworkHandler *handlers.NetworkHandler
	ReportHandler  *handlers.ReportHandler

	rateLimitPerMin int
	allowedOrigin   string
	srv             *http.Server
}

// NewServer wires the handler set against the provided services.
func NewServer(d Deps) *Server {
	limit := d.RateLimitPerMin
	if limit <= 0 {
		limit = defaultRateLimit
	}

	return &Server{
		Addr:            d.Addr,
		AuthService:     d.Auth,
		Hub:             d.Hub,
		AuthHandler:     handlers.NewAuthHandler(d.Auth),
		DeviceHandler:   handlers.NewDeviceHandler(d.Store, d.Onboarding, d.Trust, d.Releaser),
		NetworkHandler:  handlers.NewNetworkHandler(d.Store, d.Trust, d.Decisions, d.Audit, d.Hub),
		ReportHandler:   handlers.NewReportHandler(d.Reports, d.Exporter, d.Status),
		rateLimitPerMin: limit,
		allowedOrigin:   d.AllowedOrigin,
	}
}

// Run starts the hub and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.Hub.Start(ctx)

	handler := otelhttp.NewHandler(SetupRoutes(s), "ztcore-api")

	s.srv = &http.Server{
		Addr:              s.Addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("Management API shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Management API shutdown", "error", err)
		}
	}()

	slog.Info("Management API listening", "addr", s.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
