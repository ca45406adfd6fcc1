package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/efuentes-sec/ztcore/internal/adapters/web/middleware"
	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

// loginBurst is the stricter per-IP budget on the credential endpoint.
const loginBurst = 5

// SetupRoutes builds the full management API surface. Liveness and
// metrics stay outside authentication; everything under /api requires
// a session, and mutating routes require the admin role.
func SetupRoutes(s *Server) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	apiLimiter := middleware.NewRateLimiter(s.rateLimitPerMin, time.Minute)
	loginLimiter := middleware.NewRateLimiter(loginBurst, time.Minute)

	auth := middleware.AuthMiddleware(s.AuthService)
	admin := middleware.RoleMiddleware(domain.RoleAdmin)
	protect := func(h http.HandlerFunc) http.Handler { return auth(h) }
	protectAdmin := func(h http.HandlerFunc) http.Handler { return auth(admin(h)) }

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.RateLimitMiddleware(apiLimiter))

	// Sessions and users.
	api.Handle("/login", middleware.RateLimitMiddleware(loginLimiter)(http.HandlerFunc(s.AuthHandler.HandleLogin))).Methods(http.MethodPost)
	api.Handle("/logout", protect(s.AuthHandler.HandleLogout)).Methods(http.MethodPost)
	api.Handle("/me", protect(s.AuthHandler.HandleMe)).Methods(http.MethodGet)
	api.Handle("/users", protectAdmin(s.AuthHandler.HandleCreateUser)).Methods(http.MethodPost)

	// Identity and onboarding. The pending routes are registered before
	// the {id} routes so "pending" is not captured as a device ID.
	api.Handle("/devices", protect(s.DeviceHandler.HandleList)).Methods(http.MethodGet)
	api.Handle("/devices/pending", protect(s.DeviceHandler.HandleListPending)).Methods(http.MethodGet)
	api.Handle("/devices/pending", protectAdmin(s.DeviceHandler.HandleRegisterPending)).Methods(http.MethodPost)
	api.Handle("/devices/{id}", protect(s.DeviceHandler.HandleGet)).Methods(http.MethodGet)
	api.Handle("/devices/{id}/approve", protectAdmin(s.DeviceHandler.HandleApprove)).Methods(http.MethodPost)
	api.Handle("/devices/{id}/reject", protectAdmin(s.DeviceHandler.HandleReject)).Methods(http.MethodPost)
	api.Handle("/devices/{id}/revoke", protectAdmin(s.DeviceHandler.HandleRevoke)).Methods(http.MethodPost)
	api.Handle("/devices/{id}/finalize", protectAdmin(s.DeviceHandler.HandleFinalize)).Methods(http.MethodPost)
	api.Handle("/devices/{id}/release", protectAdmin(s.DeviceHandler.HandleRelease)).Methods(http.MethodPost)

	// Per-device posture.
	api.Handle("/devices/{id}/trust", protect(s.DeviceHandler.HandleTrust)).Methods(http.MethodGet)
	api.Handle("/devices/{id}/trust/history", protect(s.DeviceHandler.HandleTrustHistory)).Methods(http.MethodGet)
	api.Handle("/devices/{id}/policy", protect(s.DeviceHandler.HandlePolicy)).Methods(http.MethodGet)
	api.Handle("/devices/{id}/baseline", protect(s.DeviceHandler.HandleBaseline)).Methods(http.MethodGet)
	api.Handle("/devices/{id}/history", protect(s.DeviceHandler.HandleHistory)).Methods(http.MethodGet)

	// Network-wide read surfaces.
	api.Handle("/topology", protect(s.NetworkHandler.HandleTopology)).Methods(http.MethodGet)
	api.Handle("/decisions", protect(s.NetworkHandler.HandleDecisions)).Methods(http.MethodGet)
	api.Handle("/threats", protect(s.NetworkHandler.HandleThreats)).Methods(http.MethodGet)
	api.Handle("/mitigations", protect(s.NetworkHandler.HandleMitigations)).Methods(http.MethodGet)
	api.Handle("/alerts", protect(s.NetworkHandler.HandleAlerts)).Methods(http.MethodGet)

	// Reporting.
	api.Handle("/report/pdf", protect(s.ReportHandler.HandleReportPDF)).Methods(http.MethodGet)
	api.Handle("/status", protect(s.ReportHandler.HandleStatus)).Methods(http.MethodGet)

	// Dashboard event stream.
	r.Handle("/ws", auth(http.HandlerFunc(s.Hub.HandleWebSocket)))

	return middleware.SecurityHeaders(s.allowedOrigin)(r)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
