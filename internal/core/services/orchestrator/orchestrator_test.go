package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efuentes-sec/ztcore/internal/adapters/audit"
	"github.com/efuentes-sec/ztcore/internal/adapters/storage"
	"github.com/efuentes-sec/ztcore/internal/adapters/switchctl"
	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/services/bus"
	"github.com/efuentes-sec/ztcore/internal/core/services/trust"
)

type testRig struct {
	o      *Orchestrator
	store  *storage.SQLiteStore
	sw     *switchctl.MockSwitch
	scorer *trust.Scorer
	bus    *bus.Bus
	audit  *audit.Log
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.New(filepath.Join(dir, "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log, err := audit.New(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	b := bus.New(64)
	t.Cleanup(b.Close)

	scorer := trust.New(store, b, trust.Config{})
	sw := switchctl.NewMock()
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	return &testRig{
		o:      New(store, sw, scorer, b, log, cfg),
		store:  store,
		sw:     sw,
		scorer: scorer,
		bus:    b,
		audit:  log,
	}
}

var devSeq int

// seedActiveDevice walks a device to active with an initialized score
// and a one-port least-privilege policy at revision 1.
func seedActiveDevice(t *testing.T, r *testRig) *domain.Device {
	t.Helper()
	dev := seedProfilingDevice(t, r)
	putPolicy(t, r, dev.DeviceID, 1, 443)
	active, err := r.store.SetStatus(context.Background(), dev.DeviceID, domain.StatusActive, "test")
	require.NoError(t, err)
	return active
}

func seedProfilingDevice(t *testing.T, r *testRig) *domain.Device {
	t.Helper()
	ctx := context.Background()
	devSeq++
	mac := fmt.Sprintf("aa:bb:cc:e0:00:%02x", devSeq)
	id := fmt.Sprintf("dev-orch-%02x", devSeq)

	require.NoError(t, r.store.RegisterPending(ctx, domain.PendingDevice{MAC: mac, RequestedAt: time.Now().UTC()}))
	dev, err := domain.NewDevice(id, mac, "camera")
	require.NoError(t, err)
	dev.Status = domain.StatusProfiling
	require.NoError(t, r.store.ApprovePending(ctx, mac, *dev))
	require.NoError(t, r.scorer.Initialize(ctx, id))
	return dev
}

func putPolicy(t *testing.T, r *testRig, deviceID string, revision int, ports ...int) domain.Policy {
	t.Helper()
	p := domain.Policy{DeviceID: deviceID, Revision: revision, GeneratedAt: time.Now().UTC()}
	for _, port := range ports {
		p.Rules = append(p.Rules, domain.PolicyRule{
			Match:    domain.RuleMatch{DstPort: port},
			Action:   domain.ActionAllow,
			Priority: domain.PriorityDeviceAllow,
		})
	}
	p.Normalize()
	require.NoError(t, r.store.PutPolicy(context.Background(), p))
	return p
}

func mustAlert(t *testing.T, deviceID string, kind domain.AlertKind, severity domain.AlertSeverity) domain.Alert {
	t.Helper()
	a, err := domain.NewAlert(deviceID, kind, severity, "test alert", domain.FlowStats{})
	require.NoError(t, err)
	return *a
}

func auditRows(t *testing.T, r *testRig) []domain.DecisionRecord {
	t.Helper()
	rows, err := r.audit.ListDecisions(context.Background(), time.Time{}, 0)
	require.NoError(t, err)
	return rows
}

func expectNoEvent(t *testing.T, ch <-chan domain.Event, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event on %s", ev.Topic)
	case <-time.After(wait):
	}
}

func TestAllowInstallsPolicyRules(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx := context.Background()
	dev := seedActiveDevice(t, r)

	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))

	d, ok := r.o.CurrentDecision(dev.DeviceID)
	require.True(t, ok)
	assert.Equal(t, domain.DecisionAllow, d)

	allowed, ok := r.sw.Rule(fmt.Sprintf("dev-%s-0", dev.DeviceID))
	require.True(t, ok)
	assert.Equal(t, domain.ActionAllow, allowed.Action)
	assert.Equal(t, dev.MAC, allowed.Match.EthSrc)
	assert.Equal(t, 443, allowed.Match.DstPort)

	terminal, ok := r.sw.Rule(fmt.Sprintf("dev-%s-1", dev.DeviceID))
	require.True(t, ok)
	assert.Equal(t, domain.ActionDeny, terminal.Action)
	assert.Equal(t, domain.PriorityDefaultDeny, terminal.Priority)

	rows := auditRows(t, r)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.DecisionAllow, rows[0].Decision)
	assert.NotEmpty(t, rows[0].CorrelationID)
	assert.Equal(t, domain.TrustInitial, rows[0].Trust)
}

func TestProfilingDeviceGetsObserveRule(t *testing.T) {
	r := newTestRig(t, Config{})
	dev := seedProfilingDevice(t, r)

	require.NoError(t, r.o.Recompute(context.Background(), dev.DeviceID))

	observe, ok := r.sw.Rule(fmt.Sprintf("dev-%s-observe", dev.DeviceID))
	require.True(t, ok)
	assert.Equal(t, domain.ActionMonitor, observe.Action)

	d, _ := r.o.CurrentDecision(dev.DeviceID)
	assert.Equal(t, domain.DecisionAllow, d)
}

func TestRecomputeUnknownDevice(t *testing.T) {
	r := newTestRig(t, Config{})
	err := r.o.Recompute(context.Background(), "dev-ghost")
	assert.True(t, domain.IsNotFound(err))
}

func TestRecomputeIsIdempotent(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx := context.Background()
	dev := seedActiveDevice(t, r)

	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))

	assert.Len(t, auditRows(t, r), 1)
	assert.Empty(t, r.sw.Removals())
}

func TestTrustDropDegradesImmediately(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx := context.Background()
	dev := seedActiveDevice(t, r)
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))

	_, err := r.scorer.Adjust(ctx, dev.DeviceID, -15, "behavioral anomaly")
	require.NoError(t, err)
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))

	d, _ := r.o.CurrentDecision(dev.DeviceID)
	assert.Equal(t, domain.DecisionRedirect, d)

	_, ok := r.sw.Rule(fmt.Sprintf("dev-%s-redirect", dev.DeviceID))
	assert.True(t, ok)
	assert.ElementsMatch(t, []string{
		fmt.Sprintf("dev-%s-0", dev.DeviceID),
		fmt.Sprintf("dev-%s-1", dev.DeviceID),
	}, r.sw.Removals())

	rows := auditRows(t, r)
	require.Len(t, rows, 2)
	assert.Equal(t, domain.DecisionRedirect, rows[1].Decision)
	assert.Equal(t, domain.DecisionAllow, rows[1].PrevDecision)
}

func TestRecoveryRequiresHysteresis(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx := context.Background()
	dev := seedActiveDevice(t, r)
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))

	_, err := r.scorer.Adjust(ctx, dev.DeviceID, -15, "anomaly")
	require.NoError(t, err)
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))
	d, _ := r.o.CurrentDecision(dev.DeviceID)
	require.Equal(t, domain.DecisionRedirect, d)

	// 71 clears the threshold but not the hysteresis margin.
	_, err = r.scorer.Adjust(ctx, dev.DeviceID, 16, "quiet period")
	require.NoError(t, err)
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))
	d, _ = r.o.CurrentDecision(dev.DeviceID)
	assert.Equal(t, domain.DecisionRedirect, d)
	assert.Len(t, auditRows(t, r), 2)

	_, err = r.scorer.Adjust(ctx, dev.DeviceID, 4, "quiet period")
	require.NoError(t, err)
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))
	d, _ = r.o.CurrentDecision(dev.DeviceID)
	assert.Equal(t, domain.DecisionAllow, d)
}

func TestRecoveryWaitsForQuietWindow(t *testing.T) {
	r := newTestRig(t, Config{AlertWindow: 50 * time.Millisecond, RecoveryWindow: 300 * time.Millisecond})
	ctx := context.Background()
	dev := seedActiveDevice(t, r)
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))

	r.o.noteAlert(mustAlert(t, dev.DeviceID, domain.AlertPortScan, domain.SeverityMedium))
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))
	d, _ := r.o.CurrentDecision(dev.DeviceID)
	require.Equal(t, domain.DecisionDeny, d)

	// The alert has left the decision window but not the recovery window.
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))
	d, _ = r.o.CurrentDecision(dev.DeviceID)
	assert.Equal(t, domain.DecisionDeny, d)

	time.Sleep(300 * time.Millisecond)
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))
	d, _ = r.o.CurrentDecision(dev.DeviceID)
	assert.Equal(t, domain.DecisionRedirect, d, "trust 70 recovers only to redirect under hysteresis")
}

func TestQuarantineLatchHolds(t *testing.T) {
	r := newTestRig(t, Config{AlertWindow: 50 * time.Millisecond, RecoveryWindow: 50 * time.Millisecond})
	ctx := context.Background()
	dev := seedActiveDevice(t, r)
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))

	r.o.noteAlert(mustAlert(t, dev.DeviceID, domain.AlertDoS, domain.SeverityHigh))
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))

	d, _ := r.o.CurrentDecision(dev.DeviceID)
	require.Equal(t, domain.DecisionQuarantine, d)
	q, ok := r.sw.Rule(fmt.Sprintf("dev-%s-quarantine", dev.DeviceID))
	require.True(t, ok)
	assert.Equal(t, domain.PriorityQuarantine, q.Priority)
	assert.ElementsMatch(t, []string{
		fmt.Sprintf("dev-%s-0", dev.DeviceID),
		fmt.Sprintf("dev-%s-1", dev.DeviceID),
	}, r.sw.Removals())

	// Both windows expire; the latch still pins the device.
	time.Sleep(70 * time.Millisecond)
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))
	d, _ = r.o.CurrentDecision(dev.DeviceID)
	assert.Equal(t, domain.DecisionQuarantine, d)
}

func TestReleaseQuarantineAfterAlertLatch(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx := context.Background()
	dev := seedActiveDevice(t, r)
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))

	r.o.noteAlert(mustAlert(t, dev.DeviceID, domain.AlertDoS, domain.SeverityHigh))
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))

	require.NoError(t, r.o.ReleaseQuarantine(ctx, dev.DeviceID))

	// Release clears the alert slate but not the trust hysteresis, so
	// a device at the initial score lands on redirect.
	d, _ := r.o.CurrentDecision(dev.DeviceID)
	assert.Equal(t, domain.DecisionRedirect, d)
	assert.Contains(t, r.sw.Removals(), fmt.Sprintf("dev-%s-quarantine", dev.DeviceID))

	_, err := r.scorer.Adjust(ctx, dev.DeviceID, 10, "quiet period")
	require.NoError(t, err)
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))
	d, _ = r.o.CurrentDecision(dev.DeviceID)
	assert.Equal(t, domain.DecisionAllow, d)
}

func TestReleaseQuarantineFlipsStatus(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx := context.Background()
	dev := seedActiveDevice(t, r)
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))

	_, err := r.store.SetStatus(ctx, dev.DeviceID, domain.StatusQuarantined, "manual quarantine")
	require.NoError(t, err)
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))
	d, _ := r.o.CurrentDecision(dev.DeviceID)
	require.Equal(t, domain.DecisionQuarantine, d)

	statusCh, cancel := r.bus.Subscribe(domain.TopicDeviceStatus)
	defer cancel()

	require.NoError(t, r.o.ReleaseQuarantine(ctx, dev.DeviceID))

	got, err := r.store.GetDevice(ctx, dev.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)

	select {
	case ev := <-statusCh:
		change, ok := ev.Payload.(domain.DeviceStatusChanged)
		require.True(t, ok)
		assert.Equal(t, domain.StatusActive, change.Status)
		assert.Equal(t, domain.StatusQuarantined, change.Previous)
	case <-time.After(time.Second):
		t.Fatal("no status event published")
	}

	d, _ = r.o.CurrentDecision(dev.DeviceID)
	assert.Equal(t, domain.DecisionRedirect, d)
}

func TestReleaseQuarantineRejectsHealthyDevice(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx := context.Background()
	dev := seedActiveDevice(t, r)
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))

	err := r.o.ReleaseQuarantine(ctx, dev.DeviceID)
	assert.True(t, domain.IsConflict(err))

	err = r.o.ReleaseQuarantine(ctx, "dev-ghost")
	assert.True(t, domain.IsNotFound(err))
}

// stubThreatIntel pins what the threat table reports for every MAC.
type stubThreatIntel struct {
	threat domain.Threat
	live   bool
}

func (s *stubThreatIntel) ThreatForMAC(mac string) (domain.Threat, bool) {
	return s.threat, s.live
}

func TestReleaseQuarantineRefusedWhileThreatLive(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx := context.Background()
	dev := seedActiveDevice(t, r)
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))

	r.o.noteAlert(mustAlert(t, dev.DeviceID, domain.AlertDoS, domain.SeverityHigh))
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))

	intel := &stubThreatIntel{
		threat: domain.Threat{SourceIP: "203.0.113.9", Severity: domain.SeverityHigh},
		live:   true,
	}
	r.o.BindThreatIntel(intel)

	err := r.o.ReleaseQuarantine(ctx, dev.DeviceID)
	require.ErrorIs(t, err, domain.ErrPolicyViolation)
	d, ok := r.o.CurrentDecision(dev.DeviceID)
	require.True(t, ok)
	assert.Equal(t, domain.DecisionQuarantine, d, "a refused release changes nothing")

	// A lower-grade leftover threat does not block the administrator.
	intel.threat.Severity = domain.SeverityMedium
	require.NoError(t, r.o.ReleaseQuarantine(ctx, dev.DeviceID))
}

func TestPolicyRevisionReinstallsRules(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx := context.Background()
	dev := seedProfilingDevice(t, r)
	putPolicy(t, r, dev.DeviceID, 1, 443, 8883)
	_, err := r.store.SetStatus(ctx, dev.DeviceID, domain.StatusActive, "test")
	require.NoError(t, err)

	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))
	rules, err := r.sw.InstalledRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 3)

	// Revision 2 shrinks to one allow; the orphaned positional rule
	// must come off the switch.
	putPolicy(t, r, dev.DeviceID, 2, 443)
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))

	rules, err = r.sw.InstalledRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 2)
	assert.Contains(t, r.sw.Removals(), fmt.Sprintf("dev-%s-2", dev.DeviceID))

	rows := auditRows(t, r)
	require.Len(t, rows, 2)
	assert.Equal(t, domain.DecisionAllow, rows[1].Decision)
	assert.Equal(t, domain.DecisionAllow, rows[1].PrevDecision)
}

func TestRevokedDeviceFreesItsRules(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx := context.Background()
	dev := seedActiveDevice(t, r)
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))

	_, err := r.store.SetStatus(ctx, dev.DeviceID, domain.StatusRevoked, "decommissioned")
	require.NoError(t, err)
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))

	d, _ := r.o.CurrentDecision(dev.DeviceID)
	assert.Equal(t, domain.DecisionQuarantine, d)

	// No rules stay behind: the MAC must be reusable by a future
	// enrollment without inheriting a top-priority drop.
	rules, err := r.sw.InstalledRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
	assert.ElementsMatch(t, []string{
		fmt.Sprintf("dev-%s-0", dev.DeviceID),
		fmt.Sprintf("dev-%s-1", dev.DeviceID),
	}, r.sw.Removals())
}

func TestFailClosedAfterRetries(t *testing.T) {
	r := newTestRig(t, Config{RetryBackoff: time.Millisecond})
	ctx := context.Background()
	dev := seedActiveDevice(t, r)

	operator, cancel := r.bus.Subscribe(domain.TopicOperatorAlert)
	defer cancel()

	r.sw.FailWith(domain.ErrSwitchUnavailable)
	err := r.o.Recompute(ctx, dev.DeviceID)
	require.Error(t, err)

	d, ok := r.o.CurrentDecision(dev.DeviceID)
	require.True(t, ok)
	assert.Equal(t, domain.DecisionDeny, d)

	select {
	case ev := <-operator:
		alert, ok := ev.Payload.(domain.OperatorAlert)
		require.True(t, ok)
		assert.Equal(t, "orchestrator", alert.Component)
		assert.Contains(t, alert.Message, dev.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("no operator alert published")
	}

	rows := auditRows(t, r)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.DecisionDeny, rows[0].Decision)
	assert.Contains(t, rows[0].Reason, "fail-closed")

	// Still failing: no second operator alert, no second audit row.
	require.Error(t, r.o.Recompute(ctx, dev.DeviceID))
	expectNoEvent(t, operator, 50*time.Millisecond)
	assert.Len(t, auditRows(t, r), 1)
}

func TestRetryFailClosedRecovers(t *testing.T) {
	r := newTestRig(t, Config{RetryBackoff: time.Millisecond})
	ctx := context.Background()
	dev := seedActiveDevice(t, r)

	r.sw.FailWith(domain.ErrSwitchUnavailable)
	require.Error(t, r.o.Recompute(ctx, dev.DeviceID))

	assert.Equal(t, 0, r.o.RetryFailClosed(ctx))

	r.sw.FailWith(nil)
	assert.Equal(t, 1, r.o.RetryFailClosed(ctx))

	// Recovery from an outage is not gated on hysteresis: the deny was
	// an enforcement artifact, not a judgement about the device.
	d, _ := r.o.CurrentDecision(dev.DeviceID)
	assert.Equal(t, domain.DecisionAllow, d)
	_, ok := r.sw.Rule(fmt.Sprintf("dev-%s-0", dev.DeviceID))
	assert.True(t, ok)

	assert.Equal(t, 0, r.o.RetryFailClosed(ctx))

	rows := auditRows(t, r)
	require.Len(t, rows, 2)
	assert.Equal(t, domain.DecisionAllow, rows[1].Decision)
	assert.Equal(t, domain.DecisionDeny, rows[1].PrevDecision)
}

func TestSubmitMitigationDedups(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx := context.Background()

	rule := domain.MitigationRule{
		RuleID:   "mit-deny-203.0.113.9",
		SourceIP: "203.0.113.9",
		Action:   domain.ActionDeny,
		Priority: domain.PriorityDeny,
	}
	require.NoError(t, r.o.SubmitMitigation(ctx, rule))

	installed, ok := r.sw.Rule(rule.RuleID)
	require.True(t, ok)
	assert.Equal(t, "203.0.113.9", installed.Match.SrcIP)
	assert.Empty(t, installed.Match.EthSrc)

	// Same ID with a different priority: the original must stand.
	altered := rule
	altered.Priority = domain.PriorityQuarantine
	require.NoError(t, r.o.SubmitMitigation(ctx, altered))
	installed, _ = r.sw.Rule(rule.RuleID)
	assert.Equal(t, domain.PriorityDeny, installed.Priority)

	require.NoError(t, r.o.WithdrawMitigation(ctx, rule.RuleID))
	_, ok = r.sw.Rule(rule.RuleID)
	assert.False(t, ok)

	require.NoError(t, r.o.WithdrawMitigation(ctx, "mit-unknown"))
	assert.Equal(t, []string{rule.RuleID}, r.sw.Removals())
}

func TestSubmitMitigationFailureDoesNotPoisonDedup(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx := context.Background()
	rule := domain.MitigationRule{
		RuleID:   "mit-redirect-203.0.113.10",
		SourceIP: "203.0.113.10",
		Action:   domain.ActionRedirect,
		Priority: domain.PriorityRedirect,
	}

	r.sw.FailWith(domain.ErrSwitchUnavailable)
	require.Error(t, r.o.SubmitMitigation(ctx, rule))

	r.sw.FailWith(nil)
	require.NoError(t, r.o.SubmitMitigation(ctx, rule))
	_, ok := r.sw.Rule(rule.RuleID)
	assert.True(t, ok)
}

func TestStartAppliesBusEvents(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r.o.Start(ctx)

	byTrust := seedActiveDevice(t, r)
	byAlert := seedActiveDevice(t, r)

	// Crossing a threshold publishes TrustChanged, which must reach the
	// switch without any direct Recompute call.
	_, err := r.scorer.Adjust(context.Background(), byTrust.DeviceID, -45, "attack pattern")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		d, ok := r.o.CurrentDecision(byTrust.DeviceID)
		return ok && d == domain.DecisionQuarantine
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := r.sw.Rule(fmt.Sprintf("dev-%s-quarantine", byTrust.DeviceID))
	assert.True(t, ok)

	r.bus.Publish(domain.NewEvent(domain.TopicAlert, mustAlert(t, byAlert.DeviceID, domain.AlertNetworkScan, domain.SeverityHigh)))
	assert.Eventually(t, func() bool {
		d, ok := r.o.CurrentDecision(byAlert.DeviceID)
		return ok && d == domain.DecisionQuarantine
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartAppliesPolicyChange(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r.o.Start(ctx)

	dev := seedActiveDevice(t, r)
	require.NoError(t, r.o.Recompute(context.Background(), dev.DeviceID))

	putPolicy(t, r, dev.DeviceID, 2, 443, 8883)
	r.bus.Publish(domain.NewEvent(domain.TopicPolicyChanged, domain.PolicyReplaced{DeviceID: dev.DeviceID, Revision: 2}))

	assert.Eventually(t, func() bool {
		_, ok := r.sw.Rule(fmt.Sprintf("dev-%s-1", dev.DeviceID))
		if !ok {
			return false
		}
		rules, err := r.sw.InstalledRules(context.Background())
		return err == nil && len(rules) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRestoreRebuildsSwitchState(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx := context.Background()

	healthy := seedActiveDevice(t, r)
	latched := seedActiveDevice(t, r)
	retired := seedActiveDevice(t, r)

	require.NoError(t, r.o.Recompute(ctx, healthy.DeviceID))
	r.o.noteAlert(mustAlert(t, latched.DeviceID, domain.AlertDoS, domain.SeverityHigh))
	require.NoError(t, r.o.Recompute(ctx, latched.DeviceID))
	_, err := r.store.SetStatus(ctx, retired.DeviceID, domain.StatusRevoked, "decommissioned")
	require.NoError(t, err)

	mit := domain.MitigationRule{
		RuleID:       "mit-deny-198.51.100.9",
		SourceIP:     "198.51.100.9",
		Action:       domain.ActionDeny,
		Priority:     domain.PriorityDeny,
		OriginThreat: "198.51.100.9",
		Permanent:    true,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, r.store.SaveMitigationRule(ctx, mit))

	// Fresh orchestrator and empty switch, same store and audit log.
	sw2 := switchctl.NewMock()
	o2 := New(r.store, sw2, r.scorer, r.bus, r.audit, Config{RetryBackoff: time.Millisecond})
	require.NoError(t, o2.Restore(ctx))

	_, ok := sw2.Rule(fmt.Sprintf("dev-%s-0", healthy.DeviceID))
	assert.True(t, ok, "policy rules reinstalled")

	// The alert-driven quarantine survives the restart even though the
	// alert window itself is gone.
	_, ok = sw2.Rule(fmt.Sprintf("dev-%s-quarantine", latched.DeviceID))
	assert.True(t, ok)
	d, _ := o2.CurrentDecision(latched.DeviceID)
	assert.Equal(t, domain.DecisionQuarantine, d)

	_, ok = sw2.Rule(mit.RuleID)
	assert.True(t, ok, "persisted mitigations reinstalled")

	rules, err := sw2.InstalledRules(ctx)
	require.NoError(t, err)
	for _, rule := range rules {
		assert.NotEqual(t, retired.DeviceID, rule.DeviceID, "revoked devices get nothing")
	}
}

func TestAuditTrailChains(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx := context.Background()
	dev := seedActiveDevice(t, r)

	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))
	_, err := r.scorer.Adjust(ctx, dev.DeviceID, -25, "security alert")
	require.NoError(t, err)
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))
	_, err = r.scorer.Adjust(ctx, dev.DeviceID, -25, "security alert")
	require.NoError(t, err)
	require.NoError(t, r.o.Recompute(ctx, dev.DeviceID))

	rows := auditRows(t, r)
	require.Len(t, rows, 3)
	seen := map[string]bool{}
	for i, row := range rows {
		assert.NotEmpty(t, row.CorrelationID)
		assert.False(t, seen[row.CorrelationID], "correlation IDs are unique")
		seen[row.CorrelationID] = true
		if i > 0 {
			assert.Equal(t, rows[i-1].Decision, row.PrevDecision)
		}
	}
	assert.Equal(t, domain.DecisionAllow, rows[0].Decision)
	assert.Equal(t, domain.DecisionDeny, rows[1].Decision)
	assert.Equal(t, domain.DecisionQuarantine, rows[2].Decision)

	latest, err := r.audit.LatestPerDevice(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionQuarantine, latest[dev.DeviceID])
}
