// Package attestation re-verifies enrolled devices on a fixed cadence:
// certificate validity, liveness, and traffic activity for device types
// that are expected to emit a heartbeat. All checks must pass together;
// any failure costs trust, and identity-level failures quarantine the
// device outright.
package attestation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
	"github.com/efuentes-sec/ztcore/internal/telemetry"
)

// DefaultInterval is the attestation cadence.
const DefaultInterval = 5 * time.Minute

// Config tunes the loop. Zero values fall back to the defaults.
type Config struct {
	// Interval is the attestation cadence. Liveness tolerates up to
	// twice this value since the last contact.
	Interval time.Duration
	// HeartbeatTypes lists device types expected to send traffic every
	// interval. Silence from one of these is an attestation failure.
	HeartbeatTypes []string
}

// Loop implements the periodic attestation job.
type Loop struct {
	store ports.IdentityStore
	ca    ports.CertificateAuthority
	sw    ports.SwitchController
	trust ports.TrustScorer
	bus   ports.EventBus

	interval  time.Duration
	heartbeat map[string]struct{}

	mu       sync.Mutex
	lastPkts map[string]int64
}

// New creates the attestation loop.
func New(store ports.IdentityStore, ca ports.CertificateAuthority, sw ports.SwitchController, trust ports.TrustScorer, bus ports.EventBus, cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	hb := make(map[string]struct{}, len(cfg.HeartbeatTypes))
	for _, t := range cfg.HeartbeatTypes {
		hb[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return &Loop{
		store:     store,
		ca:        ca,
		sw:        sw,
		trust:     trust,
		bus:       bus,
		interval:  cfg.Interval,
		heartbeat: hb,
		lastPkts:  make(map[string]int64),
	}
}

// Interval returns the configured cadence, for scheduler wiring.
func (l *Loop) Interval() time.Duration { return l.interval }

// Run attests every active device once and returns how many were
// checked and how many failed. Wire it as a scheduler job.
func (l *Loop) Run(ctx context.Context) (checked, failed int) {
	devices, err := l.store.ListDevices(ctx, domain.StatusActive)
	if err != nil {
		slog.Error("Attestation scan failed", "error", err)
		return 0, 0
	}

	stats, statsErr := l.sw.FlowStats(ctx)
	if statsErr != nil {
		slog.Warn("Flow stats unavailable, skipping activity checks", "error", statsErr)
	}

	now := time.Now().UTC()
	for _, dev := range devices {
		checked++
		reasons, hard := l.check(ctx, &dev, stats, statsErr == nil, now)
		if len(reasons) == 0 {
			continue
		}
		failed++
		l.fail(ctx, &dev, reasons, hard)
	}
	if checked > 0 {
		slog.Debug("Attestation pass complete", "checked", checked, "failed", failed)
	}
	return checked, failed
}

// check runs the three attestation checks. It returns the failure
// reasons and whether any of them is an identity-level (hard) failure.
func (l *Loop) check(ctx context.Context, dev *domain.Device, stats map[string]domain.FlowStats, haveStats bool, now time.Time) (reasons []string, hard bool) {
	if err := l.ca.Validate(ctx, *dev); err != nil {
		var attErr *domain.AttestationError
		if errors.As(err, &attErr) {
			reasons = append(reasons, string(attErr.Reason))
			if isHardReason(attErr.Reason) {
				hard = true
			}
		} else {
			// The CA itself failed, not the device. Skip the check.
			slog.Warn("Certificate check unavailable", "device", dev.DeviceID, "error", err)
		}
	}

	if now.Sub(dev.LastSeen) > 2*l.interval {
		reasons = append(reasons, fmt.Sprintf("no contact since %s", dev.LastSeen.Format(time.RFC3339)))
	}

	if haveStats && l.expectsHeartbeat(dev.Type) {
		if silent, known := l.silentSinceLastRun(dev.MAC, stats); known && silent {
			reasons = append(reasons, "no traffic in the last attestation interval")
		}
	}
	return reasons, hard
}

// silentSinceLastRun compares cumulative packet counters against the
// previous run. The first sighting only seeds the counter; a counter
// that went backwards means the switch restarted, which proves nothing
// about the device.
func (l *Loop) silentSinceLastRun(mac string, stats map[string]domain.FlowStats) (silent, known bool) {
	cur := stats[mac].Packets

	l.mu.Lock()
	defer l.mu.Unlock()
	prev, seen := l.lastPkts[mac]
	l.lastPkts[mac] = cur
	if !seen || cur < prev {
		return false, false
	}
	return cur == prev, true
}

func (l *Loop) fail(ctx context.Context, dev *domain.Device, reasons []string, hard bool) {
	detail := strings.Join(reasons, "; ")

	if _, err := l.trust.RecordAttestationFailure(ctx, dev.DeviceID, detail); err != nil {
		slog.Error("Trust penalty failed", "device", dev.DeviceID, "error", err)
	}

	severity := domain.SeverityMedium
	if hard {
		severity = domain.SeverityCritical
	}
	alert, err := domain.NewAlert(dev.DeviceID, domain.AlertAttestationFail, severity, detail, domain.FlowStats{})
	if err == nil {
		l.bus.Publish(domain.NewEvent(domain.TopicAlert, *alert))
		telemetry.AlertsTotal.WithLabelValues(string(alert.Kind), string(alert.Severity)).Inc()
	}

	if hard {
		updated, err := l.store.SetStatus(ctx, dev.DeviceID, domain.StatusQuarantined, "attestation: "+detail)
		if err != nil {
			slog.Error("Quarantine transition failed", "device", dev.DeviceID, "error", err)
		} else {
			l.bus.Publish(domain.NewEvent(domain.TopicDeviceStatus, domain.DeviceStatusChanged{
				DeviceID: dev.DeviceID,
				Status:   updated.Status,
				Previous: dev.Status,
			}))
		}
	}

	slog.Warn("Attestation failed", "device", dev.DeviceID, "hard", hard, "reasons", detail)
}

func (l *Loop) expectsHeartbeat(deviceType string) bool {
	_, ok := l.heartbeat[strings.ToLower(deviceType)]
	return ok
}

// isHardReason separates identity compromise from operational drift.
// An expired certificate can be re-issued; a revoked, foreign-signed or
// subject-mismatched one means the device is not what it claims.
func isHardReason(r domain.AttestationReason) bool {
	switch r {
	case domain.ReasonRevoked, domain.ReasonUnknownIssuer, domain.ReasonSubjectMismatch:
		return true
	}
	return false
}
