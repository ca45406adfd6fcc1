// Package app assembles the control plane: storage, switch access, the
// core services, the periodic jobs and the management API.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/efuentes-sec/ztcore/internal/adapters/audit"
	"github.com/efuentes-sec/ztcore/internal/adapters/ca"
	"github.com/efuentes-sec/ztcore/internal/adapters/honeypot"
	"github.com/efuentes-sec/ztcore/internal/adapters/reporting"
	"github.com/efuentes-sec/ztcore/internal/adapters/storage"
	"github.com/efuentes-sec/ztcore/internal/adapters/switchctl"
	"github.com/efuentes-sec/ztcore/internal/adapters/web"
	webserver "github.com/efuentes-sec/ztcore/internal/adapters/web/server"
	"github.com/efuentes-sec/ztcore/internal/config"
	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
	"github.com/efuentes-sec/ztcore/internal/core/services/analyst"
	"github.com/efuentes-sec/ztcore/internal/core/services/attestation"
	"github.com/efuentes-sec/ztcore/internal/core/services/auth"
	"github.com/efuentes-sec/ztcore/internal/core/services/bus"
	"github.com/efuentes-sec/ztcore/internal/core/services/deception"
	"github.com/efuentes-sec/ztcore/internal/core/services/onboarding"
	"github.com/efuentes-sec/ztcore/internal/core/services/orchestrator"
	reportingservice "github.com/efuentes-sec/ztcore/internal/core/services/reporting"
	"github.com/efuentes-sec/ztcore/internal/core/services/scheduler"
	"github.com/efuentes-sec/ztcore/internal/core/services/trust"
	"github.com/efuentes-sec/ztcore/internal/mock"
	"github.com/efuentes-sec/ztcore/internal/telemetry"
)

// Job cadences that are operational knobs rather than policy; the
// policy windows all come from Config.
const (
	finalizeScanInterval = 30 * time.Second
	failClosedRetry      = 30 * time.Second
	threatAgingInterval  = 5 * time.Minute
	positiveTickInterval = time.Hour
	adminUsername        = "admin"
)

// Application holds the core components of the control plane and
// manages their lifecycle.
type Application struct {
	Config *config.Config

	Store  *storage.SQLiteStore
	Audit  *audit.Log
	CA     *ca.FileCA
	Bus    *bus.Bus
	Switch ports.SwitchController

	Trust        *trust.Scorer
	Onboarding   *onboarding.Coordinator
	Orchestrator *orchestrator.Orchestrator
	Detector     *analyst.Detector
	Poller       *analyst.Poller
	Attestation  *attestation.Loop
	Deception    *deception.Service
	Mitigator    *deception.Mitigator
	Tailer       *honeypot.Tailer
	Reports      *reportingservice.Service
	Auth         *auth.Service
	Scheduler    *scheduler.Scheduler
	WebServer    *webserver.Server
	Mock         *mock.Generator

	mockSwitch *switchctl.MockSwitch
}

// New creates an Application and bootstraps its components.
func New(cfg *config.Config) (*Application, error) {
	app := &Application{Config: cfg}
	if err := app.bootstrap(); err != nil {
		return nil, fmt.Errorf("application bootstrap failed: %w", err)
	}
	return app, nil
}

// bootstrap orchestrates the initialization sequence.
func (app *Application) bootstrap() error {
	// 1. Foundation
	telemetry.InitMetrics()

	if err := app.initStorage(); err != nil {
		return err
	}
	app.Bus = bus.New(app.Config.EventQueueSize)

	// 2. Switch access
	if err := app.initSwitch(); err != nil {
		return err
	}

	// 3. Core services
	app.initServices()

	if err := app.Auth.EnsureAdmin(context.Background(), adminUsername, app.Config.AdminInitialPassword); err != nil {
		return fmt.Errorf("provision admin user: %w", err)
	}

	// 4. Packet intake: one switch callback fans out to the profiler
	// and the honeypot binding table.
	app.Switch.OnPacketIn(func(obs domain.PacketObservation) {
		app.Onboarding.HandlePacket(obs)
		app.Deception.ObservePacket(obs)
	})

	// 5. Synthetic fleet, mock mode only
	if app.mockSwitch != nil {
		app.Mock = mock.New(app.mockSwitch, app.Onboarding, mock.Config{})
	}

	// 6. Periodic jobs and management API
	if err := app.registerJobs(); err != nil {
		return err
	}
	app.initServer()
	return nil
}

func (app *Application) initStorage() error {
	if err := os.MkdirAll(filepath.Dir(app.Config.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}
	store, err := storage.New(app.Config.DBPath)
	if err != nil {
		return fmt.Errorf("open identity store: %w", err)
	}
	app.Store = store

	if err := os.MkdirAll(filepath.Dir(app.Config.AuditDBPath), 0o755); err != nil {
		return fmt.Errorf("create audit db directory: %w", err)
	}
	auditLog, err := audit.New(app.Config.AuditDBPath)
	if err != nil {
		return fmt.Errorf("open decision audit log: %w", err)
	}
	app.Audit = auditLog

	authority, err := ca.New(app.Config.CADir)
	if err != nil {
		return fmt.Errorf("init certificate authority: %w", err)
	}
	app.CA = authority
	return nil
}

func (app *Application) initSwitch() error {
	if app.Config.MockMode {
		slog.Info("Mock mode active, using in-memory switch")
		app.mockSwitch = switchctl.NewMock()
		app.Switch = app.mockSwitch
		return nil
	}

	sw, err := switchctl.New(switchctl.Config{
		BaseURL:        app.Config.SwitchAPIURL,
		PacketInURL:    packetInURL(app.Config.SwitchAPIURL),
		DPIDs:          app.Config.SwitchDPIDs,
		HoneypotPort:   app.Config.HoneypotPort,
		RequestTimeout: seconds(app.Config.RequestTimeoutS),
		MaxQueue:       app.Config.SwitchMaxQueue,
		MaxDisconnect:  seconds(app.Config.SwitchMaxDisconnectS),
	})
	if err != nil {
		return fmt.Errorf("init switch controller client: %w", err)
	}
	app.Switch = sw
	return nil
}

func (app *Application) initServices() {
	cfg := app.Config

	app.Trust = trust.New(app.Store, app.Bus, trust.Config{
		Initial:    cfg.InitialTrustScore,
		Thresholds: cfg.TrustThresholds,
		Hysteresis: cfg.TrustHysteresis,
	})

	app.Orchestrator = orchestrator.New(app.Store, app.Switch, app.Trust, app.Bus, app.Audit, orchestrator.Config{
		AlertWindow:    seconds(cfg.AlertWindowS),
		RecoveryWindow: seconds(cfg.RecoveryWindowS),
		Hysteresis:     cfg.TrustHysteresis,
	})

	app.Onboarding = onboarding.New(app.Store, app.CA, app.Switch, app.Trust, app.Bus, onboarding.Config{
		ProfilingWindow: seconds(cfg.ProfilingDurationS),
		MinPackets:      cfg.ProfilingMinPackets,
	})

	app.Poller = analyst.NewPoller(app.Store, app.Switch, app.Bus, analyst.PollerConfig{
		Interval: seconds(cfg.FlowPollIntervalS),
	})
	app.Detector = analyst.NewDetector(app.Store, app.Trust, app.Bus, analyst.DetectorConfig{
		Cooldown: seconds(cfg.AnomalyWindowS),
		Alpha:    cfg.BaselineEMAAlpha,
	})

	app.Attestation = attestation.New(app.Store, app.CA, app.Switch, app.Trust, app.Bus, attestation.Config{
		Interval:       seconds(cfg.AttestationIntervalS),
		HeartbeatTypes: cfg.HeartbeatDeviceTypes,
	})

	app.Deception = deception.New(app.Store, app.Trust, app.Orchestrator, app.Bus, deception.Config{
		ThreatTTL: seconds(cfg.ThreatTTLS),
	})
	app.Orchestrator.BindThreatIntel(app.Deception)
	app.Mitigator = deception.NewMitigator(app.Deception, app.Store, app.Orchestrator, app.Bus)
	app.Tailer = honeypot.New(cfg.HoneypotLogPath, honeypot.Config{})

	app.Reports = reportingservice.New(app.Store, app.Trust, app.Orchestrator, app.Switch, app.Bus)
	app.Auth = auth.New(app.Store, auth.Config{})
	app.Scheduler = scheduler.New()
}

func (app *Application) registerJobs() error {
	type job struct {
		name     string
		interval time.Duration
		run      func(ctx context.Context)
	}

	jobs := []job{
		{"flow-poll", seconds(app.Config.FlowPollIntervalS), func(ctx context.Context) { app.Poller.Run(ctx) }},
		{"attestation", seconds(app.Config.AttestationIntervalS), func(ctx context.Context) { app.Attestation.Run(ctx) }},
		{"finalize-profiling", finalizeScanInterval, func(ctx context.Context) { app.Onboarding.FinalizeDue(ctx) }},
		{"threat-aging", threatAgingInterval, func(ctx context.Context) { app.Deception.AgeOut(ctx) }},
		{"fail-closed-retry", failClosedRetry, func(ctx context.Context) { app.Orchestrator.RetryFailClosed(ctx) }},
	}
	if app.Config.PositiveTickEnabled {
		jobs = append(jobs, job{"positive-tick", positiveTickInterval, func(ctx context.Context) {
			app.Trust.PositiveTick(ctx, positiveTickInterval)
		}})
	}

	for _, j := range jobs {
		if err := app.Scheduler.AddEvery(j.name, j.interval, j.run); err != nil {
			return err
		}
	}
	return nil
}

func (app *Application) initServer() {
	hub := web.NewHub(app.Bus, app.Store, app.Trust, app.Orchestrator)
	app.WebServer = webserver.NewServer(webserver.Deps{
		Addr:            app.Config.ListenAddr,
		RateLimitPerMin: app.Config.APIRateLimitPerMin,
		AllowedOrigin:   app.Config.AllowedOrigin,
		Store:           app.Store,
		Trust:           app.Trust,
		Decisions:       app.Orchestrator,
		Onboarding:      app.Onboarding,
		Releaser:        app.Orchestrator,
		Auth:            app.Auth,
		Audit:           app.Audit,
		Reports:         app.Reports,
		Exporter:        reporting.NewPDFExporter(),
		Status:          app.Reports,
		Hub:             hub,
	})
}

// Run restores persisted state, starts every component and blocks until
// ctx is cancelled or a component fails.
func (app *Application) Run(ctx context.Context) error {
	slog.Info("Starting control plane components...")

	// 1. Restore persisted state before anything can act on it.
	if err := app.Trust.Warm(ctx); err != nil {
		return fmt.Errorf("restore trust scores: %w", err)
	}
	if err := app.Deception.Warm(ctx); err != nil {
		return fmt.Errorf("restore threat table: %w", err)
	}
	if err := app.Onboarding.Resume(ctx); err != nil {
		return fmt.Errorf("resume profiling devices: %w", err)
	}
	if err := app.Orchestrator.Restore(ctx); err != nil {
		return fmt.Errorf("restore decisions: %w", err)
	}

	// 2. Event-driven loops
	app.Orchestrator.Start(ctx)
	app.Detector.Start(ctx)
	app.Reports.Start(ctx)
	app.Mitigator.Start(ctx)
	app.Deception.Start(ctx, app.Tailer.Events())
	app.Tailer.Start(ctx)
	if app.Mock != nil {
		go app.Mock.Run(ctx)
	}

	// 3. Periodic jobs
	app.Scheduler.Start()

	// 4. Management API
	errChan := make(chan error, 1)
	go func() {
		if err := app.WebServer.Run(ctx); err != nil {
			errChan <- fmt.Errorf("management api: %w", err)
		}
	}()

	slog.Info("Zero trust control plane ready", "addr", app.Config.ListenAddr, "mock_mode", app.Config.MockMode)

	select {
	case <-ctx.Done():
		slog.Info("Termination signal received")
	case err := <-errChan:
		app.cleanup()
		return err
	}
	return app.cleanup()
}

func (app *Application) cleanup() error {
	slog.Info("Cleaning up resources...")

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.Scheduler.Stop(stopCtx)

	if err := app.Switch.Close(); err != nil {
		slog.Warn("Switch client close failed", "error", err)
	}
	app.Bus.Close()
	if err := app.Audit.Close(); err != nil {
		slog.Warn("Audit log close failed", "error", err)
	}
	if err := app.Store.Close(); err != nil {
		slog.Warn("Identity store close failed", "error", err)
	}
	return nil
}

// packetInURL derives the controller's packet-in websocket endpoint
// from its REST root.
func packetInURL(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil {
		return ""
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/ws/packetin"
	return u.String()
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
