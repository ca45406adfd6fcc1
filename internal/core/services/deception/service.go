// Package deception turns honeypot activity into threat intelligence.
// It maintains the threat table keyed by attacker IP, derives
// mitigation rules for the decision point, and charges trust penalties
// to enrolled devices whose traffic shows up at the honeypot.
package deception

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
	"github.com/efuentes-sec/ztcore/internal/telemetry"
)

// DefaultThreatTTL ages out threat sources with no activity for a day.
const DefaultThreatTTL = 24 * time.Hour

// maxBindings caps the MAC-to-IP table so spoofed sources cannot grow
// it without bound.
const maxBindings = 4096

// Config tunes the service. Zero values fall back to the defaults.
type Config struct {
	ThreatTTL time.Duration
}

// Service consumes honeypot events and keeps the threat table current,
// in memory and in the identity store. The in-memory copy exists so
// mitigation derivation and aging never need a read round-trip.
type Service struct {
	store     ports.IdentityStore
	trust     ports.TrustScorer
	decisions ports.DecisionPoint
	bus       ports.EventBus
	ttl       time.Duration

	mu       sync.Mutex
	threats  map[string]*domain.Threat
	bindings map[string]string // device source IP -> MAC
}

// New creates the service. Warm should be called before Start so
// threats persisted by an earlier run participate in aging.
func New(store ports.IdentityStore, trust ports.TrustScorer, decisions ports.DecisionPoint, bus ports.EventBus, cfg Config) *Service {
	if cfg.ThreatTTL <= 0 {
		cfg.ThreatTTL = DefaultThreatTTL
	}
	return &Service{
		store:     store,
		trust:     trust,
		decisions: decisions,
		bus:       bus,
		ttl:       cfg.ThreatTTL,
		threats:   make(map[string]*domain.Threat),
		bindings:  make(map[string]string),
	}
}

// Warm loads the persisted threat table into memory.
func (s *Service) Warm(ctx context.Context) error {
	threats, err := s.store.ListThreats(ctx)
	if err != nil {
		return fmt.Errorf("load threat table: %w", err)
	}
	s.mu.Lock()
	for i := range threats {
		t := threats[i]
		s.threats[t.SourceIP] = &t
	}
	size := len(s.threats)
	s.mu.Unlock()

	telemetry.ActiveThreats.Set(float64(size))
	if size > 0 {
		slog.Info("Threat table loaded", "threats", size)
	}
	return nil
}

// Start consumes honeypot events until the channel closes or ctx ends.
func (s *Service) Start(ctx context.Context, events <-chan domain.HoneypotEvent) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.HandleEvent(ctx, ev)
			}
		}
	}()
}

// HandleEvent folds one honeypot record into the threat table and
// publishes the update. Unknown event kinds and unusable source
// addresses are dropped.
func (s *Service) HandleEvent(ctx context.Context, ev domain.HoneypotEvent) {
	severity, ok := domain.SeverityForHoneypotEvent(ev.EventID, ev.Command)
	if !ok {
		slog.Debug("Ignoring unknown honeypot event kind", "eventid", ev.EventID)
		return
	}
	ip := net.ParseIP(ev.SrcIP)
	if ip == nil || ip.To4() == nil {
		slog.Debug("Ignoring honeypot event without usable IPv4 source", "src_ip", ev.SrcIP)
		return
	}
	srcIP := ip.To4().String()

	s.mu.Lock()
	threat, known := s.threats[srcIP]
	if !known {
		threat = domain.NewThreat(srcIP, ev.Timestamp)
		s.threats[srcIP] = threat
	}
	threat.Observe(ev.EventID, severity, ev.Timestamp)
	snapshot := *threat
	size := len(s.threats)
	mac, bound := s.bindings[srcIP]
	s.mu.Unlock()

	telemetry.HoneypotEvents.WithLabelValues(ev.EventID).Inc()
	telemetry.ActiveThreats.Set(float64(size))

	if err := s.store.UpsertThreat(ctx, snapshot); err != nil {
		// The in-memory threat still drives mitigation; only the
		// restart durability is lost.
		slog.Error("Persisting threat failed", "src_ip", srcIP, "error", err)
	}

	s.bus.Publish(domain.NewEvent(domain.TopicThreatUpdated, domain.ThreatUpdated{
		SourceIP: srcIP,
		Severity: snapshot.Severity,
	}))
	if !known {
		slog.Warn("New threat source", "src_ip", srcIP, "eventid", ev.EventID, "severity", severity)
	} else {
		slog.Debug("Threat updated", "src_ip", srcIP, "eventid", ev.EventID, "hits", snapshot.Hits)
	}

	if bound {
		s.chargeDevice(ctx, mac, ev, severity)
	}
}

// chargeDevice attributes a honeypot hit to the enrolled device that
// owns the source address.
func (s *Service) chargeDevice(ctx context.Context, mac string, ev domain.HoneypotEvent, severity domain.AlertSeverity) {
	dev, err := s.store.GetDeviceByMAC(ctx, mac)
	if err != nil {
		if !domain.IsNotFound(err) {
			slog.Error("Device lookup for honeypot hit failed", "mac", mac, "error", err)
		}
		return
	}
	if dev.Status == domain.StatusRevoked {
		return
	}

	msg := fmt.Sprintf("device traffic reached the honeypot: %s from %s", ev.EventID, ev.SrcIP)
	alert, err := domain.NewAlert(dev.DeviceID, domain.AlertHoneypotHit, severity, msg, domain.FlowStats{})
	if err != nil {
		slog.Error("Building honeypot alert failed", "device_id", dev.DeviceID, "error", err)
		return
	}
	s.bus.Publish(domain.NewEvent(domain.TopicAlert, *alert))
	telemetry.AlertsTotal.WithLabelValues(string(alert.Kind), string(alert.Severity)).Inc()

	if _, err := s.trust.RecordAlert(ctx, dev.DeviceID, domain.ScoreEventHoneypotHit, severity); err != nil {
		slog.Error("Trust penalty for honeypot hit failed", "device_id", dev.DeviceID, "error", err)
	}
	slog.Warn("Enrolled device hit the honeypot",
		"device_id", dev.DeviceID, "src_ip", ev.SrcIP, "eventid", ev.EventID, "severity", severity)
}

// ObservePacket records which enrolled MAC currently uses a source IP.
// The profiler and this tracker share the switch adapter's packet-in
// callback.
func (s *Service) ObservePacket(obs domain.PacketObservation) {
	if obs.SrcIP == "" || !domain.IsValidMAC(obs.MAC) {
		return
	}
	mac := domain.NormalizeMAC(obs.MAC)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bindings[obs.SrcIP]; !ok && len(s.bindings) >= maxBindings {
		return
	}
	s.bindings[obs.SrcIP] = mac
}

// Threat returns the live threat for an IP, if tracked.
func (s *Service) Threat(srcIP string) (domain.Threat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threats[srcIP]
	if !ok {
		return domain.Threat{}, false
	}
	return *t, true
}

// ThreatForMAC returns the most severe live threat attributed to the
// device owning mac through any of its observed source addresses.
func (s *Service) ThreatForMAC(mac string) (domain.Threat, bool) {
	mac = domain.NormalizeMAC(mac)
	s.mu.Lock()
	defer s.mu.Unlock()

	var worst *domain.Threat
	for ip, owner := range s.bindings {
		if owner != mac {
			continue
		}
		t, ok := s.threats[ip]
		if !ok {
			continue
		}
		if worst == nil || t.Severity.Rank() > worst.Severity.Rank() {
			worst = t
		}
	}
	if worst == nil {
		return domain.Threat{}, false
	}
	return *worst, true
}

// Threats snapshots the live threat table.
func (s *Service) Threats() []domain.Threat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Threat, 0, len(s.threats))
	for _, t := range s.threats {
		out = append(out, *t)
	}
	return out
}

// AgeOut drops threats idle past the TTL and withdraws their
// non-permanent mitigations. Returns the number of threats removed.
func (s *Service) AgeOut(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-s.ttl)
	expired, err := s.store.DeleteThreatsIdleSince(ctx, cutoff)
	if err != nil {
		slog.Error("Threat aging failed", "error", err)
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	gone := make(map[string]bool, len(expired))
	s.mu.Lock()
	for _, t := range expired {
		gone[t.SourceIP] = true
		delete(s.threats, t.SourceIP)
	}
	size := len(s.threats)
	s.mu.Unlock()
	telemetry.ActiveThreats.Set(float64(size))

	withdrawn := 0
	rules, err := s.store.ListMitigationRules(ctx)
	if err != nil {
		slog.Error("Listing mitigations during aging failed", "error", err)
	}
	for _, rule := range rules {
		if rule.Permanent || !gone[rule.OriginThreat] {
			continue
		}
		if err := s.decisions.WithdrawMitigation(ctx, rule.RuleID); err != nil {
			slog.Error("Withdrawing expired mitigation failed", "rule_id", rule.RuleID, "error", err)
			continue
		}
		if err := s.store.DeleteMitigationRule(ctx, rule.RuleID); err != nil {
			slog.Error("Deleting expired mitigation failed", "rule_id", rule.RuleID, "error", err)
		}
		withdrawn++
	}

	slog.Info("Threats aged out", "expired", len(expired), "mitigations_withdrawn", withdrawn)
	return len(expired)
}
