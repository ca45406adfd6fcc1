package reporting

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efuentes-sec/ztcore/internal/adapters/storage"
	"github.com/efuentes-sec/ztcore/internal/adapters/switchctl"
	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
	"github.com/efuentes-sec/ztcore/internal/core/services/bus"
	"github.com/efuentes-sec/ztcore/internal/core/services/trust"
)

// stubDecisions stands in for the orchestrator: a fixed decision map.
type stubDecisions struct {
	mu   sync.Mutex
	byID map[string]domain.Decision
}

var _ ports.DecisionPoint = (*stubDecisions)(nil)

func (s *stubDecisions) set(deviceID string, d domain.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byID == nil {
		s.byID = make(map[string]domain.Decision)
	}
	s.byID[deviceID] = d
}

func (s *stubDecisions) Recompute(ctx context.Context, deviceID string) error { return nil }

func (s *stubDecisions) CurrentDecision(deviceID string) (domain.Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[deviceID]
	return d, ok
}

func (s *stubDecisions) AllDecisions() map[string]domain.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.Decision, len(s.byID))
	for id, d := range s.byID {
		out[id] = d
	}
	return out
}

func (s *stubDecisions) SubmitMitigation(ctx context.Context, rule domain.MitigationRule) error {
	return nil
}

func (s *stubDecisions) WithdrawMitigation(ctx context.Context, ruleID string) error { return nil }

type testRig struct {
	svc       *Service
	store     *storage.SQLiteStore
	scorer    *trust.Scorer
	sw        *switchctl.MockSwitch
	bus       *bus.Bus
	decisions *stubDecisions
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := bus.New(64)
	t.Cleanup(b.Close)

	scorer := trust.New(store, b, trust.Config{})
	sw := switchctl.NewMock()
	decisions := &stubDecisions{}

	return &testRig{
		svc:       New(store, scorer, decisions, sw, b),
		store:     store,
		scorer:    scorer,
		sw:        sw,
		bus:       b,
		decisions: decisions,
	}
}

var devSeq int

func seedDevice(t *testing.T, r *testRig, status domain.DeviceStatus, initTrust bool) *domain.Device {
	t.Helper()
	ctx := context.Background()
	devSeq++
	mac := fmt.Sprintf("aa:bb:cc:f1:00:%02x", devSeq)
	id := fmt.Sprintf("dev-report-%02x", devSeq)

	require.NoError(t, r.store.RegisterPending(ctx, domain.PendingDevice{MAC: mac, RequestedAt: time.Now().UTC()}))
	dev, err := domain.NewDevice(id, mac, "sensor")
	require.NoError(t, err)
	dev.Status = domain.StatusProfiling
	require.NoError(t, r.store.ApprovePending(ctx, mac, *dev))
	if initTrust {
		require.NoError(t, r.scorer.Initialize(ctx, id))
	}

	if status != domain.StatusProfiling {
		updated, err := r.store.SetStatus(ctx, id, status, "test")
		require.NoError(t, err)
		return updated
	}
	return dev
}

func TestBuildAssemblesPosture(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	profiling := seedDevice(t, r, domain.StatusProfiling, true)
	degraded := seedDevice(t, r, domain.StatusActive, true)
	healthy := seedDevice(t, r, domain.StatusActive, true)
	quarantined := seedDevice(t, r, domain.StatusQuarantined, false)
	revoked := seedDevice(t, r, domain.StatusRevoked, true)

	_, err := r.scorer.Adjust(ctx, degraded.DeviceID, -30, "test degradation")
	require.NoError(t, err)
	_, err = r.scorer.Adjust(ctx, revoked.DeviceID, -50, "test degradation")
	require.NoError(t, err)

	// One MAC still waiting for approval.
	require.NoError(t, r.store.RegisterPending(ctx, domain.PendingDevice{MAC: "aa:bb:cc:f1:ff:01", RequestedAt: time.Now().UTC()}))

	r.decisions.set(degraded.DeviceID, domain.DecisionDeny)
	r.decisions.set(healthy.DeviceID, domain.DecisionAllow)
	r.decisions.set(quarantined.DeviceID, domain.DecisionQuarantine)

	now := time.Now().UTC()
	require.NoError(t, r.store.UpsertThreat(ctx, domain.Threat{
		SourceIP: "203.0.113.5", Severity: domain.SeverityHigh, Hits: 12,
		FirstSeen: now.Add(-time.Hour), LastSeen: now,
	}))
	require.NoError(t, r.store.UpsertThreat(ctx, domain.Threat{
		SourceIP: "198.51.100.7", Severity: domain.SeverityLow, Hits: 40,
		FirstSeen: now.Add(-time.Hour), LastSeen: now,
	}))
	require.NoError(t, r.store.SaveMitigationRule(ctx, domain.MitigationRule{
		RuleID: "mit-203.0.113.5", SourceIP: "203.0.113.5",
		Action: domain.ActionDeny, Priority: domain.PriorityDeny, CreatedAt: now,
	}))

	// Two fresh alerts for the degraded device, one stale one far
	// outside the horizon.
	r.svc.noteAlert(domain.Alert{DeviceID: degraded.DeviceID, Severity: domain.SeverityMedium, Timestamp: now.Add(-48 * time.Hour)})
	r.svc.noteAlert(domain.Alert{DeviceID: degraded.DeviceID, Severity: domain.SeverityMedium, Timestamp: now.Add(-time.Minute)})
	r.svc.noteAlert(domain.Alert{DeviceID: degraded.DeviceID, Severity: domain.SeverityHigh, Timestamp: now})

	report, err := r.svc.Build(ctx)
	require.NoError(t, err)

	assert.Equal(t, 5, report.TotalDevices)
	assert.Equal(t, 2, report.ActiveDevices)
	assert.Equal(t, 1, report.ProfilingDevices)
	assert.Equal(t, 1, report.QuarantinedDevices)
	assert.Equal(t, 1, report.RevokedDevices)
	assert.Equal(t, 1, report.PendingDevices)
	assert.Equal(t, 2, report.AlertsLast24h)

	// Revoked devices sit below 50 but are not fleet risk anymore.
	assert.Equal(t, 1, report.LowTrustDevices)

	require.Len(t, report.Devices, 5)
	assert.Equal(t, revoked.DeviceID, report.Devices[0].DeviceID)
	assert.Equal(t, 20, report.Devices[0].Trust)
	assert.Equal(t, degraded.DeviceID, report.Devices[1].DeviceID)
	assert.Equal(t, 40, report.Devices[1].Trust)
	assert.Equal(t, domain.DecisionDeny, report.Devices[1].Decision)
	assert.Equal(t, 2, report.Devices[1].RecentAlerts)

	// Never-scored devices report the enrollment default.
	for _, row := range report.Devices {
		if row.DeviceID == quarantined.DeviceID {
			assert.Equal(t, domain.TrustInitial, row.Trust)
			assert.Equal(t, domain.TrustTrusted, row.TrustLevel)
		}
		if row.DeviceID == profiling.DeviceID {
			assert.Empty(t, row.Decision)
		}
	}

	require.Len(t, report.Threats, 2)
	assert.Equal(t, "203.0.113.5", report.Threats[0].SourceIP)
	require.Len(t, report.Mitigations, 1)

	// enrolled 4, one low trust: 1.25 + one severe threat 1.5 + one
	// quarantined 1.0
	assert.InDelta(t, 3.75, report.RiskScore, 0.001)
	assert.Equal(t, "Low", report.RiskLevel)

	require.NotEmpty(t, report.Recommendations)
	assert.Equal(t, "Review quarantined devices", report.Recommendations[0].Title)
}

func TestBuildEmptyNetwork(t *testing.T) {
	r := newTestRig(t)

	report, err := r.svc.Build(context.Background())
	require.NoError(t, err)

	assert.Zero(t, report.TotalDevices)
	assert.Empty(t, report.Devices)
	assert.Zero(t, report.RiskScore)
	assert.Equal(t, "Low", report.RiskLevel)
	require.Len(t, report.Recommendations, 1)
	assert.Equal(t, "No urgent findings", report.Recommendations[0].Title)
}

func TestTopThreatsOrderAndTruncation(t *testing.T) {
	now := time.Now().UTC()
	var threats []domain.Threat
	for i := 0; i < 12; i++ {
		threats = append(threats, domain.Threat{
			SourceIP:  fmt.Sprintf("198.51.100.%d", i+1),
			Severity:  domain.SeverityLow,
			Hits:      int64(i),
			FirstSeen: now, LastSeen: now,
		})
	}
	threats[3].Severity = domain.SeverityCritical
	threats[7].Severity = domain.SeverityHigh
	threats[9].Severity = domain.SeverityHigh
	threats[9].Hits = 100

	top := topThreats(threats, 10)
	require.Len(t, top, 10)

	assert.Equal(t, domain.SeverityCritical, top[0].Severity)
	assert.Equal(t, domain.SeverityHigh, top[1].Severity)
	assert.EqualValues(t, 100, top[1].Hits)
	assert.Equal(t, domain.SeverityHigh, top[2].Severity)

	// The two weakest low-severity entries fall off the table.
	for _, th := range top[3:] {
		assert.Equal(t, domain.SeverityLow, th.Severity)
		assert.True(t, th.Hits >= 2, "hits %d should have been truncated", th.Hits)
	}
}

func TestStartCountsBusAlerts(t *testing.T) {
	r := newTestRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.svc.Start(ctx)

	alert, err := domain.NewAlert("dev-bus-1", domain.AlertVolume, domain.SeverityMedium, "volume spike", domain.FlowStats{})
	require.NoError(t, err)
	r.bus.Publish(domain.NewEvent(domain.TopicAlert, *alert))

	require.Eventually(t, func() bool {
		perDevice, total := r.svc.recentAlerts()
		return total == 1 && perDevice["dev-bus-1"] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStatusSnapshot(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	seedDevice(t, r, domain.StatusActive, true)
	active2 := seedDevice(t, r, domain.StatusActive, true)
	quarantined := seedDevice(t, r, domain.StatusQuarantined, true)
	seedDevice(t, r, domain.StatusProfiling, true)

	require.NoError(t, r.store.RegisterPending(ctx, domain.PendingDevice{MAC: "aa:bb:cc:f1:ff:02", RequestedAt: time.Now().UTC()}))

	now := time.Now().UTC()
	require.NoError(t, r.store.UpsertThreat(ctx, domain.Threat{
		SourceIP: "203.0.113.9", Severity: domain.SeverityMedium, Hits: 2,
		FirstSeen: now, LastSeen: now,
	}))
	require.NoError(t, r.store.SaveMitigationRule(ctx, domain.MitigationRule{
		RuleID: "mit-203.0.113.9", SourceIP: "203.0.113.9",
		Action: domain.ActionDeny, Priority: domain.PriorityDeny, CreatedAt: now,
	}))

	r.decisions.set(active2.DeviceID, domain.DecisionAllow)
	r.decisions.set(quarantined.DeviceID, domain.DecisionQuarantine)

	st, err := r.svc.Status(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, st.Devices[domain.StatusActive])
	assert.Equal(t, 1, st.Devices[domain.StatusQuarantined])
	assert.Equal(t, 1, st.Devices[domain.StatusProfiling])
	assert.Equal(t, 1, st.PendingCount)
	assert.Equal(t, 1, st.ActiveThreats)
	assert.Equal(t, 1, st.Mitigations)
	assert.Equal(t, 1, st.Decisions[domain.DecisionAllow])
	assert.Equal(t, 1, st.Decisions[domain.DecisionQuarantine])
	assert.Zero(t, st.EventsDropped)
	assert.True(t, st.SwitchHealthy)
	assert.Greater(t, st.UptimeSeconds, 0.0)

	r.sw.FailWith(domain.ErrSwitchUnavailable)
	st, err = r.svc.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.SwitchHealthy)
}
