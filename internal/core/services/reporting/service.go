// Package reporting assembles point-in-time posture snapshots for the
// management API: the full report behind the PDF export and the lighter
// status summary.
package reporting

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
)

const (
	// alertHorizon bounds the report's recent-alert window.
	alertHorizon = 24 * time.Hour
	// topThreatLimit caps the threat table in the report.
	topThreatLimit = 10
)

type alertStamp struct {
	deviceID string
	severity domain.AlertSeverity
	at       time.Time
}

var (
	_ ports.ReportService = (*Service)(nil)
	_ ports.StatusService = (*Service)(nil)
)

// Service builds posture reports and status snapshots from the stores
// and the live decision state.
type Service struct {
	store     ports.IdentityStore
	trust     ports.TrustScorer
	decisions ports.DecisionPoint
	sw        ports.SwitchController
	bus       ports.EventBus

	riskCalc    *RiskCalculator
	recommender *RecommendationEngine

	startedAt time.Time

	mu     sync.Mutex
	alerts []alertStamp
}

// New creates the reporting service.
func New(store ports.IdentityStore, trust ports.TrustScorer, decisions ports.DecisionPoint, sw ports.SwitchController, bus ports.EventBus) *Service {
	return &Service{
		store:       store,
		trust:       trust,
		decisions:   decisions,
		sw:          sw,
		bus:         bus,
		riskCalc:    NewRiskCalculator(),
		recommender: NewRecommendationEngine(),
		startedAt:   time.Now().UTC(),
	}
}

// Start consumes alerts so the report can count the last 24 hours.
func (s *Service) Start(ctx context.Context) {
	alerts, cancel := s.bus.Subscribe(domain.TopicAlert)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-alerts:
				if !ok {
					return
				}
				if a, ok := ev.Payload.(domain.Alert); ok {
					s.noteAlert(a)
				}
			}
		}
	}()
}

// Build assembles the posture report: per-device rows, the threat
// and mitigation tables, the weighted network risk score and the
// operator recommendations derived from all of it.
func (s *Service) Build(ctx context.Context) (*domain.PostureReport, error) {
	devices, err := s.store.ListDevices(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	threats, err := s.store.ListThreats(ctx)
	if err != nil {
		return nil, fmt.Errorf("list threats: %w", err)
	}
	mitigations, err := s.store.ListMitigationRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list mitigations: %w", err)
	}

	scores := s.trust.AllScores()
	decisions := s.decisions.AllDecisions()
	recent, total24h := s.recentAlerts()

	report := &domain.PostureReport{
		GeneratedAt:    time.Now().UTC(),
		TotalDevices:   len(devices),
		PendingDevices: len(pending),
		AlertsLast24h:  total24h,
		Mitigations:    mitigations,
	}

	report.Devices = make([]domain.DevicePosture, 0, len(devices))
	for _, dev := range devices {
		row := domain.DevicePosture{
			DeviceID:     dev.DeviceID,
			MAC:          dev.MAC,
			Type:         dev.Type,
			Status:       dev.Status,
			Trust:        domain.TrustInitial,
			Decision:     decisions[dev.DeviceID],
			RecentAlerts: recent[dev.DeviceID],
		}
		if score, ok := scores[dev.DeviceID]; ok {
			row.Trust = score
		}
		row.TrustLevel = domain.TrustLevelFor(row.Trust)

		switch dev.Status {
		case domain.StatusActive:
			report.ActiveDevices++
		case domain.StatusProfiling:
			report.ProfilingDevices++
		case domain.StatusQuarantined:
			report.QuarantinedDevices++
		case domain.StatusRevoked:
			report.RevokedDevices++
		}
		if dev.Status != domain.StatusRevoked && row.Trust < 50 {
			report.LowTrustDevices++
		}
		report.Devices = append(report.Devices, row)
	}
	sort.Slice(report.Devices, func(i, j int) bool {
		if report.Devices[i].Trust != report.Devices[j].Trust {
			return report.Devices[i].Trust < report.Devices[j].Trust
		}
		return report.Devices[i].DeviceID < report.Devices[j].DeviceID
	})

	report.Threats = topThreats(threats, topThreatLimit)
	report.RiskScore = s.riskCalc.NetworkRisk(report)
	report.RiskLevel = s.riskCalc.RiskLevel(report.RiskScore)
	report.Recommendations = s.recommender.Recommend(report)

	slog.Info("Posture report generated",
		"devices", report.TotalDevices, "threats", len(report.Threats),
		"risk", fmt.Sprintf("%.1f", report.RiskScore))
	return report, nil
}

// Status is the cheap summary behind GET /api/status.
func (s *Service) Status(ctx context.Context) (domain.SystemStatus, error) {
	st := domain.NewSystemStatus()

	devices, err := s.store.ListDevices(ctx, "")
	if err != nil {
		return st, fmt.Errorf("list devices: %w", err)
	}
	for _, dev := range devices {
		st.Devices[dev.Status]++
	}

	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return st, fmt.Errorf("list pending: %w", err)
	}
	st.PendingCount = len(pending)

	threats, err := s.store.ListThreats(ctx)
	if err != nil {
		return st, fmt.Errorf("list threats: %w", err)
	}
	st.ActiveThreats = len(threats)

	mitigations, err := s.store.ListMitigationRules(ctx)
	if err != nil {
		return st, fmt.Errorf("list mitigations: %w", err)
	}
	st.Mitigations = len(mitigations)

	for _, d := range s.decisions.AllDecisions() {
		st.Decisions[d]++
	}

	st.EventsDropped = s.bus.Dropped()
	st.SwitchHealthy = s.sw.Healthy()
	st.UptimeSeconds = time.Since(s.startedAt).Seconds()
	return st, nil
}

func (s *Service) noteAlert(a domain.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-alertHorizon)
	kept := s.alerts[:0]
	for _, st := range s.alerts {
		if st.at.After(cutoff) {
			kept = append(kept, st)
		}
	}
	s.alerts = append(kept, alertStamp{deviceID: a.DeviceID, severity: a.Severity, at: a.Timestamp})
}

// recentAlerts returns per-device counts within the horizon and the
// network-wide total.
func (s *Service) recentAlerts() (map[string]int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-alertHorizon)
	perDevice := make(map[string]int)
	total := 0
	for _, st := range s.alerts {
		if !st.at.After(cutoff) {
			continue
		}
		perDevice[st.deviceID]++
		total++
	}
	return perDevice, total
}

// topThreats orders by severity, then hit count, and truncates.
func topThreats(threats []domain.Threat, limit int) []domain.Threat {
	sort.Slice(threats, func(i, j int) bool {
		if threats[i].Severity != threats[j].Severity {
			return threats[i].Severity.Rank() > threats[j].Severity.Rank()
		}
		if threats[i].Hits != threats[j].Hits {
			return threats[i].Hits > threats[j].Hits
		}
		return threats[i].SourceIP < threats[j].SourceIP
	})
	if len(threats) > limit {
		threats = threats[:limit]
	}
	return threats
}
