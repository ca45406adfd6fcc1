// Package orchestrator is the single decision point for device traffic.
// It fuses device status, trust score and the recent alert window into
// one of four decisions, owns every device-scoped write to the switch,
// and installs threat-derived mitigation rules submitted by the
// deception loop.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
	"github.com/efuentes-sec/ztcore/internal/telemetry"
)

// Defaults. Zero-valued Config fields fall back to these.
const (
	DefaultAlertWindow    = 5 * time.Minute
	DefaultRecoveryWindow = 10 * time.Minute
	DefaultHysteresis     = domain.DefaultTrustHysteresis
	DefaultRetryBackoff   = 500 * time.Millisecond

	installAttempts = 3
)

// Config tunes the decision loop.
type Config struct {
	// AlertWindow bounds how long an alert keeps influencing decisions.
	AlertWindow time.Duration
	// RecoveryWindow is how long after the last >=medium alert a device
	// must stay quiet before it may move to a less restrictive decision.
	RecoveryWindow time.Duration
	// Hysteresis is added to each trust threshold on recovery.
	Hysteresis int
	// RetryBackoff is the first retry delay after a failed install;
	// it doubles per attempt.
	RetryBackoff time.Duration
}

type alertStamp struct {
	severity domain.AlertSeverity
	at       time.Time
}

// appliedState remembers what is on the switch for one device.
// revision -1 marks state adopted from the audit log at startup, which
// must never suppress a reinstall.
type appliedState struct {
	decision domain.Decision
	revision int
	ruleIDs  []string
}

// ThreatIntel answers whether live honeypot intelligence still
// implicates a device. The deception service implements it.
type ThreatIntel interface {
	ThreatForMAC(mac string) (domain.Threat, bool)
}

// Orchestrator implements ports.DecisionPoint.
type Orchestrator struct {
	store ports.IdentityStore
	sw    ports.SwitchController
	trust ports.TrustScorer
	bus   ports.EventBus
	audit ports.DecisionAuditLog

	alertWindow    time.Duration
	recoveryWindow time.Duration
	hysteresis     int
	retryBackoff   time.Duration

	mu          sync.Mutex
	threats     ThreatIntel
	locks       map[string]*sync.Mutex
	alerts      map[string][]alertStamp
	applied     map[string]appliedState
	latched     map[string]bool
	failClosed  map[string]bool
	mitigations map[string]domain.MitigationRule
}

var _ ports.DecisionPoint = (*Orchestrator)(nil)

// New creates the orchestrator. Call Restore before Start so the switch
// reflects the stored state before events arrive.
func New(store ports.IdentityStore, sw ports.SwitchController, trust ports.TrustScorer, bus ports.EventBus, audit ports.DecisionAuditLog, cfg Config) *Orchestrator {
	if cfg.AlertWindow <= 0 {
		cfg.AlertWindow = DefaultAlertWindow
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = DefaultRecoveryWindow
	}
	if cfg.Hysteresis <= 0 {
		cfg.Hysteresis = DefaultHysteresis
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	return &Orchestrator{
		store:          store,
		sw:             sw,
		trust:          trust,
		bus:            bus,
		audit:          audit,
		alertWindow:    cfg.AlertWindow,
		recoveryWindow: cfg.RecoveryWindow,
		hysteresis:     cfg.Hysteresis,
		retryBackoff:   cfg.RetryBackoff,
		locks:          make(map[string]*sync.Mutex),
		alerts:         make(map[string][]alertStamp),
		applied:        make(map[string]appliedState),
		latched:        make(map[string]bool),
		failClosed:     make(map[string]bool),
		mitigations:    make(map[string]domain.MitigationRule),
	}
}

// BindThreatIntel connects the threat table consulted before a
// quarantine release. Bound after construction because the deception
// service is built on top of the decision point.
func (o *Orchestrator) BindThreatIntel(ti ThreatIntel) {
	o.mu.Lock()
	o.threats = ti
	o.mu.Unlock()
}

// Start consumes the decision-relevant topics until ctx ends. One
// goroutine applies all events, so per-device ordering follows arrival
// order; each application re-reads authoritative state.
func (o *Orchestrator) Start(ctx context.Context) {
	trustCh, cancelTrust := o.bus.Subscribe(domain.TopicTrustChanged)
	alertCh, cancelAlert := o.bus.Subscribe(domain.TopicAlert)
	policyCh, cancelPolicy := o.bus.Subscribe(domain.TopicPolicyChanged)
	statusCh, cancelStatus := o.bus.Subscribe(domain.TopicDeviceStatus)

	go func() {
		defer cancelTrust()
		defer cancelAlert()
		defer cancelPolicy()
		defer cancelStatus()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-trustCh:
				if !ok {
					return
				}
				if p, ok := ev.Payload.(domain.TrustChanged); ok {
					o.apply(ctx, p.DeviceID, fmt.Sprintf("trust crossed %d going %s, now %d", p.Threshold, p.Direction, p.Score))
				}
			case ev, ok := <-alertCh:
				if !ok {
					return
				}
				if p, ok := ev.Payload.(domain.Alert); ok {
					o.noteAlert(p)
					o.apply(ctx, p.DeviceID, fmt.Sprintf("%s alert (%s)", p.Kind, p.Severity))
				}
			case ev, ok := <-policyCh:
				if !ok {
					return
				}
				if p, ok := ev.Payload.(domain.PolicyReplaced); ok {
					o.apply(ctx, p.DeviceID, fmt.Sprintf("policy revision %d", p.Revision))
				}
			case ev, ok := <-statusCh:
				if !ok {
					return
				}
				if p, ok := ev.Payload.(domain.DeviceStatusChanged); ok {
					o.apply(ctx, p.DeviceID, fmt.Sprintf("status %s (was %s)", p.Status, p.Previous))
				}
			}
		}
	}()
}

// Recompute re-evaluates the device's decision and applies any change.
func (o *Orchestrator) Recompute(ctx context.Context, deviceID string) error {
	return o.recompute(ctx, deviceID, "recompute requested")
}

func (o *Orchestrator) apply(ctx context.Context, deviceID, cause string) {
	if err := o.recompute(ctx, deviceID, cause); err != nil {
		slog.Error("Decision application failed", "device_id", deviceID, "cause", cause, "error", err)
	}
}

func (o *Orchestrator) recompute(ctx context.Context, deviceID, cause string) error {
	lock := o.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	dev, err := o.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if dev.Status == domain.StatusPending {
		return nil
	}

	score, err := o.trust.Get(ctx, deviceID)
	if err != nil {
		if !domain.IsNotFound(err) {
			return err
		}
		score = domain.TrustInitial
	}

	now := time.Now().UTC()
	highest := o.highestRecent(deviceID, now)
	intended := domain.DecideTraffic(dev.Status, score, highest)

	prev, havePrev := o.appliedFor(deviceID)
	final := intended
	if havePrev && intended.Rank() < prev.decision.Rank() && !o.isFailClosed(deviceID) {
		final = o.gateRecovery(deviceID, dev, score, highest, prev.decision, now)
	}

	desired, revision, err := o.desiredRules(ctx, dev, final)
	if err != nil {
		return o.failClose(ctx, dev, score, highest, prev, fmt.Errorf("resolve %s rules: %w", final, err))
	}

	if havePrev && prev.decision == final && prev.revision == revision && !o.isFailClosed(deviceID) {
		return nil
	}

	if err := o.installAll(ctx, desired); err != nil {
		return o.failClose(ctx, dev, score, highest, prev, err)
	}
	o.removeStale(ctx, prev.ruleIDs, desired)

	o.mu.Lock()
	o.applied[deviceID] = appliedState{decision: final, revision: revision, ruleIDs: ruleIDs(desired)}
	if final == domain.DecisionQuarantine && !dev.IsBlocked() {
		o.latched[deviceID] = true
	}
	delete(o.failClosed, deviceID)
	o.mu.Unlock()

	rec := domain.DecisionRecord{
		CorrelationID: uuid.NewString(),
		Timestamp:     now,
		DeviceID:      deviceID,
		Trust:         score,
		ThreatLevel:   highest,
		Decision:      final,
		Reason:        cause,
	}
	if havePrev {
		rec.PrevDecision = prev.decision
	}
	o.record(ctx, rec)

	slog.Info("Decision applied",
		"device_id", deviceID, "decision", final, "previous", rec.PrevDecision,
		"trust", score, "rules", len(desired), "cause", cause)
	return nil
}

// gateRecovery decides whether a device may actually move to a less
// restrictive decision. Quarantine entered on alerts stays until an
// administrator releases it; any recovery needs a quiet recovery window
// and clears the trust threshold only with hysteresis on top.
func (o *Orchestrator) gateRecovery(deviceID string, dev *domain.Device, score int, highest domain.AlertSeverity, prev domain.Decision, now time.Time) domain.Decision {
	if prev == domain.DecisionQuarantine && o.isLatched(deviceID) {
		return prev
	}
	if o.anyAlertAtLeast(deviceID, domain.SeverityMedium, now.Add(-o.recoveryWindow)) {
		return prev
	}
	recovered := domain.DecideTraffic(dev.Status, score-o.hysteresis, highest)
	if recovered.MoreRestrictiveThan(prev) {
		return prev
	}
	return recovered
}

// desiredRules maps a decision onto the switch rules that enforce it.
// Revoked devices get an empty set: their policy and certificate are
// gone, and leaving a top-priority drop behind would block the MAC for
// any future re-enrollment.
func (o *Orchestrator) desiredRules(ctx context.Context, dev *domain.Device, d domain.Decision) ([]domain.SwitchRule, int, error) {
	if dev.Status == domain.StatusRevoked {
		return nil, 0, nil
	}
	switch d {
	case domain.DecisionQuarantine:
		return []domain.SwitchRule{domain.QuarantineRule(dev.DeviceID, dev.MAC)}, 0, nil
	case domain.DecisionDeny:
		return []domain.SwitchRule{domain.DenyAllRule(dev.DeviceID, dev.MAC)}, 0, nil
	case domain.DecisionRedirect:
		return []domain.SwitchRule{domain.RedirectAllRule(dev.DeviceID, dev.MAC)}, 0, nil
	default:
		if dev.Status == domain.StatusProfiling {
			return []domain.SwitchRule{domain.ObserveRule(dev.DeviceID, dev.MAC)}, 0, nil
		}
		policy, err := o.store.GetPolicy(ctx, dev.DeviceID)
		if err != nil {
			return nil, 0, err
		}
		return policy.SwitchRules(dev.MAC), policy.Revision, nil
	}
}

func (o *Orchestrator) installAll(ctx context.Context, rules []domain.SwitchRule) error {
	backoff := o.retryBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = o.installOnce(ctx, rules)
		if err == nil {
			return nil
		}
		if attempt >= installAttempts {
			return err
		}
		slog.Warn("Rule install failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (o *Orchestrator) installOnce(ctx context.Context, rules []domain.SwitchRule) error {
	for _, r := range rules {
		if err := o.sw.InstallRule(ctx, r); err != nil {
			return fmt.Errorf("install %s: %w", r.RuleID, err)
		}
	}
	return nil
}

// removeStale deletes previously installed rules the new decision no
// longer wants. New rules are already in place, so there is no window
// without enforcement.
func (o *Orchestrator) removeStale(ctx context.Context, prevIDs []string, desired []domain.SwitchRule) {
	keep := make(map[string]bool, len(desired))
	for _, r := range desired {
		keep[r.RuleID] = true
	}
	for _, id := range prevIDs {
		if keep[id] {
			continue
		}
		if err := o.sw.RemoveRule(ctx, id); err != nil {
			slog.Warn("Stale rule removal failed", "rule_id", id, "error", err)
		}
	}
}

// failClose forces the device to DENY after enforcement failed. The
// operator alert and audit row fire once per outage, not per retry.
func (o *Orchestrator) failClose(ctx context.Context, dev *domain.Device, score int, highest domain.AlertSeverity, prev appliedState, cause error) error {
	deny := domain.DenyAllRule(dev.DeviceID, dev.MAC)
	if err := o.sw.InstallRule(ctx, deny); err != nil {
		slog.Error("Fail-closed deny could not be installed", "device_id", dev.DeviceID, "error", err)
	}
	o.removeStale(ctx, prev.ruleIDs, []domain.SwitchRule{deny})

	o.mu.Lock()
	alreadyFailed := o.failClosed[dev.DeviceID]
	o.applied[dev.DeviceID] = appliedState{decision: domain.DecisionDeny, ruleIDs: []string{deny.RuleID}}
	o.failClosed[dev.DeviceID] = true
	o.mu.Unlock()

	if !alreadyFailed {
		o.record(ctx, domain.DecisionRecord{
			CorrelationID: uuid.NewString(),
			Timestamp:     time.Now().UTC(),
			DeviceID:      dev.DeviceID,
			Trust:         score,
			ThreatLevel:   highest,
			Decision:      domain.DecisionDeny,
			PrevDecision:  prev.decision,
			Reason:        fmt.Sprintf("fail-closed: %v", cause),
		})
		o.bus.Publish(domain.NewEvent(domain.TopicOperatorAlert, domain.OperatorAlert{
			Component: "orchestrator",
			Message:   fmt.Sprintf("device %s forced to DENY after enforcement failures", dev.DeviceID),
			Err:       cause.Error(),
			At:        time.Now().UTC(),
		}))
	}
	slog.Error("Failing closed", "device_id", dev.DeviceID, "error", cause)
	return cause
}

func (o *Orchestrator) record(ctx context.Context, rec domain.DecisionRecord) {
	if err := o.audit.RecordDecision(ctx, rec); err != nil {
		slog.Error("Audit write failed", "device_id", rec.DeviceID, "error", err)
	}
	telemetry.DecisionsApplied.WithLabelValues(string(rec.Decision)).Inc()
	o.bus.Publish(domain.NewEvent(domain.TopicDecision, rec))
}

// SubmitMitigation installs a threat-derived rule. Resubmitting the
// same rule ID is a no-op.
func (o *Orchestrator) SubmitMitigation(ctx context.Context, rule domain.MitigationRule) error {
	o.mu.Lock()
	_, exists := o.mitigations[rule.RuleID]
	o.mu.Unlock()
	if exists {
		return nil
	}

	if err := o.sw.InstallRule(ctx, rule.SwitchRule()); err != nil {
		return fmt.Errorf("install mitigation %s: %w", rule.RuleID, err)
	}
	o.mu.Lock()
	o.mitigations[rule.RuleID] = rule
	o.mu.Unlock()

	slog.Info("Mitigation installed", "rule_id", rule.RuleID, "action", rule.Action, "src_ip", rule.SourceIP)
	return nil
}

// WithdrawMitigation removes a previously submitted rule. Unknown rule
// IDs are a no-op.
func (o *Orchestrator) WithdrawMitigation(ctx context.Context, ruleID string) error {
	o.mu.Lock()
	_, exists := o.mitigations[ruleID]
	o.mu.Unlock()
	if !exists {
		return nil
	}

	if err := o.sw.RemoveRule(ctx, ruleID); err != nil {
		return fmt.Errorf("remove mitigation %s: %w", ruleID, err)
	}
	o.mu.Lock()
	delete(o.mitigations, ruleID)
	o.mu.Unlock()

	slog.Info("Mitigation withdrawn", "rule_id", ruleID)
	return nil
}

// CurrentDecision returns the last applied decision for the device.
func (o *Orchestrator) CurrentDecision(deviceID string) (domain.Decision, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.applied[deviceID]
	if !ok {
		return "", false
	}
	return st.decision, true
}

// AllDecisions snapshots the last applied decision per device.
func (o *Orchestrator) AllDecisions() map[string]domain.Decision {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]domain.Decision, len(o.applied))
	for id, st := range o.applied {
		out[id] = st.decision
	}
	return out
}

// ReleaseQuarantine is the explicit administrator action that lets a
// device leave quarantine. It clears the alert slate for the device;
// the recovery hysteresis on trust still applies. The release is
// refused while the threat table still holds a high-severity entry for
// one of the device's source addresses.
func (o *Orchestrator) ReleaseQuarantine(ctx context.Context, deviceID string) error {
	dev, err := o.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	intel := o.threats
	o.mu.Unlock()
	if intel != nil {
		if t, ok := intel.ThreatForMAC(dev.MAC); ok && t.Severity.AtLeast(domain.SeverityHigh) {
			return fmt.Errorf("release of %s: threat from %s still live (severity %s): %w",
				deviceID, t.SourceIP, t.Severity, domain.ErrPolicyViolation)
		}
	}

	switch {
	case dev.Status == domain.StatusQuarantined:
		if _, err := o.store.SetStatus(ctx, deviceID, domain.StatusActive, "quarantine released by administrator"); err != nil {
			return err
		}
		o.bus.Publish(domain.NewEvent(domain.TopicDeviceStatus, domain.DeviceStatusChanged{
			DeviceID: deviceID,
			Status:   domain.StatusActive,
			Previous: domain.StatusQuarantined,
		}))
	case o.isLatched(deviceID):
		// Alert-driven quarantine; the device row was never blocked.
	default:
		return domain.NewConflict(fmt.Sprintf("device %s is not quarantined", deviceID))
	}

	o.mu.Lock()
	delete(o.latched, deviceID)
	delete(o.alerts, deviceID)
	o.mu.Unlock()

	slog.Info("Quarantine released", "device_id", deviceID)
	return o.recompute(ctx, deviceID, "quarantine released by administrator")
}

// Restore rebuilds enforcement after a restart: reinstalls persisted
// mitigation rules, adopts each device's previous decision from the
// audit log for continuity, and recomputes every enrolled device so the
// switch again reflects the stored state.
func (o *Orchestrator) Restore(ctx context.Context) error {
	rules, err := o.store.ListMitigationRules(ctx)
	if err != nil {
		return fmt.Errorf("load mitigations: %w", err)
	}
	for _, rule := range rules {
		if err := o.SubmitMitigation(ctx, rule); err != nil {
			slog.Error("Reinstalling mitigation failed", "rule_id", rule.RuleID, "error", err)
		}
	}

	previous, err := o.audit.LatestPerDevice(ctx)
	if err != nil {
		slog.Error("Audit state unavailable, restoring without decision history", "error", err)
		previous = nil
	}

	devices, err := o.store.ListDevices(ctx, "")
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	restored := 0
	for i := range devices {
		dev := devices[i]
		if dev.Status == domain.StatusPending || dev.Status == domain.StatusRevoked {
			continue
		}
		if last, ok := previous[dev.DeviceID]; ok {
			o.mu.Lock()
			o.applied[dev.DeviceID] = appliedState{decision: last, revision: -1}
			if last == domain.DecisionQuarantine && !dev.IsBlocked() {
				// An alert-driven quarantine survives restarts.
				o.latched[dev.DeviceID] = true
			}
			o.mu.Unlock()
		}
		if err := o.recompute(ctx, dev.DeviceID, "startup recovery"); err != nil {
			slog.Error("Startup recompute failed", "device_id", dev.DeviceID, "error", err)
			continue
		}
		restored++
	}

	slog.Info("Enforcement restored", "devices", restored, "mitigations", len(rules))
	return nil
}

// RetryFailClosed re-attempts enforcement for devices that were forced
// to DENY. Meant to run on a schedule; returns how many recovered.
func (o *Orchestrator) RetryFailClosed(ctx context.Context) int {
	o.mu.Lock()
	ids := make([]string, 0, len(o.failClosed))
	for id := range o.failClosed {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	recovered := 0
	for _, id := range ids {
		if err := o.recompute(ctx, id, "enforcement retry"); err != nil {
			continue
		}
		recovered++
	}
	if recovered > 0 {
		slog.Info("Fail-closed devices recovered", "count", recovered)
	}
	return recovered
}

func (o *Orchestrator) deviceLock(deviceID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[deviceID] = l
	}
	return l
}

func (o *Orchestrator) appliedFor(deviceID string) (appliedState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.applied[deviceID]
	return st, ok
}

func (o *Orchestrator) isLatched(deviceID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.latched[deviceID]
}

func (o *Orchestrator) isFailClosed(deviceID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failClosed[deviceID]
}

// noteAlert records an alert into the device's window. Entries are kept
// for the recovery window, the longer of the two horizons.
func (o *Orchestrator) noteAlert(a domain.Alert) {
	o.mu.Lock()
	defer o.mu.Unlock()

	horizon := o.alertWindow
	if o.recoveryWindow > horizon {
		horizon = o.recoveryWindow
	}
	cutoff := time.Now().UTC().Add(-horizon)

	kept := make([]alertStamp, 0, len(o.alerts[a.DeviceID])+1)
	for _, s := range o.alerts[a.DeviceID] {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	o.alerts[a.DeviceID] = append(kept, alertStamp{severity: a.Severity, at: a.Timestamp})
}

func (o *Orchestrator) highestRecent(deviceID string, now time.Time) domain.AlertSeverity {
	o.mu.Lock()
	defer o.mu.Unlock()
	cutoff := now.Add(-o.alertWindow)
	var highest domain.AlertSeverity
	for _, s := range o.alerts[deviceID] {
		if s.at.After(cutoff) {
			highest = domain.MaxSeverity(highest, s.severity)
		}
	}
	return highest
}

func (o *Orchestrator) anyAlertAtLeast(deviceID string, min domain.AlertSeverity, since time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.alerts[deviceID] {
		if s.at.After(since) && s.severity.AtLeast(min) {
			return true
		}
	}
	return false
}

func ruleIDs(rules []domain.SwitchRule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.RuleID
	}
	return out
}
