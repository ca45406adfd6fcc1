// Package onboarding drives the device lifecycle from registration to an
// enforced least-privilege policy: pending requests, approval with
// certificate issuance, the profiling window, and finalization into an
// active device with a baseline and a generated policy.
package onboarding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
)

// Defaults for the profiling window.
const (
	DefaultProfilingWindow = 5 * time.Minute
	DefaultMinPackets      = 5

	// FinalizeScanInterval is how often the watcher job looks for
	// profiling devices whose window has elapsed.
	FinalizeScanInterval = 30 * time.Second

	// finalizeRetryBase is the first delay after a failed finalization;
	// it doubles per failure up to finalizeRetryCap.
	finalizeRetryBase = time.Second
	finalizeRetryCap  = 30 * time.Second

	// finalizeAlertAfter is the consecutive-failure count that pages the
	// operator, once per streak.
	finalizeAlertAfter = 5
)

// Config tunes the coordinator. Zero values fall back to the defaults.
type Config struct {
	// ProfilingWindow is how long an approved device is observed before
	// its baseline and policy are generated.
	ProfilingWindow time.Duration
	// MinPackets is the observation count below which a finalized
	// baseline is marked sparse.
	MinPackets int
}

// Coordinator implements ports.OnboardingService. Status transitions go
// through the identity store, which enforces the legal lifecycle edges;
// the coordinator sequences the side effects around them: certificates,
// trust seeding, observation rules and events.
type Coordinator struct {
	store ports.IdentityStore
	ca    ports.CertificateAuthority
	sw    ports.SwitchController
	trust ports.TrustScorer
	bus   ports.EventBus

	window     time.Duration
	minPackets int

	mu      sync.Mutex
	accums  map[string]*ProfileAccumulator
	retries map[string]*finalizeRetry

	// finalizeMu serializes finalization and revocation so a watcher
	// pass and an explicit call cannot both build a baseline for the
	// same device.
	finalizeMu sync.Mutex
}

// finalizeRetry tracks the failure streak for one device between
// watcher passes.
type finalizeRetry struct {
	failures int
	next     time.Time
}

var _ ports.OnboardingService = (*Coordinator)(nil)

// New creates a coordinator over the given dependencies.
func New(store ports.IdentityStore, ca ports.CertificateAuthority, sw ports.SwitchController, trust ports.TrustScorer, bus ports.EventBus, cfg Config) *Coordinator {
	if cfg.ProfilingWindow <= 0 {
		cfg.ProfilingWindow = DefaultProfilingWindow
	}
	if cfg.MinPackets <= 0 {
		cfg.MinPackets = DefaultMinPackets
	}
	return &Coordinator{
		store:      store,
		ca:         ca,
		sw:         sw,
		trust:      trust,
		bus:        bus,
		window:     cfg.ProfilingWindow,
		minPackets: cfg.MinPackets,
		accums:     make(map[string]*ProfileAccumulator),
		retries:    make(map[string]*finalizeRetry),
	}
}

// RegisterPending queues a MAC for operator approval. The device type
// is advisory; it carries onto the device at approval and drives
// heartbeat expectations during attestation.
func (c *Coordinator) RegisterPending(ctx context.Context, mac, suggestedID, deviceType, source string) (*domain.PendingDevice, error) {
	if !domain.IsValidMAC(mac) {
		return nil, domain.ErrInvalidMAC
	}
	pending := domain.PendingDevice{
		MAC:         domain.NormalizeMAC(mac),
		SuggestedID: suggestedID,
		Type:        deviceType,
		Source:      source,
		RequestedAt: time.Now().UTC(),
	}
	if err := c.store.RegisterPending(ctx, pending); err != nil {
		return nil, err
	}
	slog.Info("Device registered for approval", "mac", pending.MAC, "source", source)
	return &pending, nil
}

// Approve promotes a pending request into a profiling device: issue the
// certificate, commit the device row, seed trust, start accumulating
// observations and install the observation rule. If certificate
// issuance fails the request stays pending and an operator alert is
// raised.
func (c *Coordinator) Approve(ctx context.Context, key, note string) (*domain.Device, error) {
	pending, err := c.store.GetPending(ctx, key)
	if err != nil {
		return nil, err
	}

	deviceID := pending.SuggestedID
	if deviceID == "" {
		deviceID = domain.NewDeviceID(pending.MAC)
	}

	dev, err := domain.NewDevice(deviceID, pending.MAC, pending.Type)
	if err != nil {
		return nil, err
	}

	cert, err := c.ca.Issue(ctx, dev.DeviceID, dev.MAC)
	if err != nil {
		c.operatorAlert("certificate issuance failed for "+dev.DeviceID, err)
		return nil, fmt.Errorf("issue certificate: %w", err)
	}

	now := time.Now().UTC()
	dev.CertSerial = cert.Serial
	dev.Status = domain.StatusProfiling
	dev.ProfilingStartedAt = now
	dev.ProfilingEndsAt = now.Add(c.window)
	dev.Note = note

	if err := c.store.ApprovePending(ctx, pending.MAC, *dev); err != nil {
		if rerr := c.ca.Revoke(ctx, dev.DeviceID, "approval rolled back"); rerr != nil {
			slog.Warn("Certificate left issued after failed approval", "device", dev.DeviceID, "error", rerr)
		}
		return nil, err
	}

	if err := c.trust.Initialize(ctx, dev.DeviceID); err != nil {
		slog.Warn("Trust initialization failed", "device", dev.DeviceID, "error", err)
	}

	c.mu.Lock()
	c.accums[dev.MAC] = newAccumulator()
	c.mu.Unlock()

	if err := c.sw.InstallRule(ctx, domain.ObserveRule(dev.DeviceID, dev.MAC)); err != nil {
		c.operatorAlert("observation rule not installed for "+dev.DeviceID, err)
	}

	c.publishStatus(dev.DeviceID, domain.StatusProfiling, domain.StatusPending)
	slog.Info("Device approved", "device", dev.DeviceID, "mac", dev.MAC,
		"profiling_until", dev.ProfilingEndsAt.Format(time.RFC3339))
	return dev, nil
}

// Reject drops the pending request, keeping a revoked record for audit.
func (c *Coordinator) Reject(ctx context.Context, key, note string) error {
	pending, err := c.store.GetPending(ctx, key)
	if err != nil {
		return err
	}
	dev, err := c.store.RejectPending(ctx, pending.MAC, note)
	if err != nil {
		return err
	}
	c.publishStatus(dev.DeviceID, domain.StatusRevoked, domain.StatusPending)
	slog.Info("Device rejected", "mac", pending.MAC, "note", note)
	return nil
}

// Revoke retires a device. The store drops its baseline and policy in
// the same transaction; the certificate goes on the revocation list and
// the status event lets the orchestrator withdraw its switch rules.
func (c *Coordinator) Revoke(ctx context.Context, deviceID, reason string) error {
	c.finalizeMu.Lock()
	defer c.finalizeMu.Unlock()

	dev, err := c.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	updated, err := c.store.SetStatus(ctx, deviceID, domain.StatusRevoked, reason)
	if err != nil {
		return err
	}
	if err := c.ca.Revoke(ctx, deviceID, reason); err != nil {
		c.operatorAlert("certificate revocation failed for "+deviceID, err)
	}

	c.mu.Lock()
	delete(c.accums, dev.MAC)
	c.mu.Unlock()

	c.publishStatus(deviceID, updated.Status, dev.Status)
	slog.Info("Device revoked", "device", deviceID, "reason", reason)
	return nil
}

// Finalize ends profiling: build the baseline from everything observed,
// derive the least-privilege policy, persist both and activate the
// device. Devices not in the profiling state are a conflict.
func (c *Coordinator) Finalize(ctx context.Context, deviceID string) error {
	c.finalizeMu.Lock()
	defer c.finalizeMu.Unlock()

	dev, err := c.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if dev.Status != domain.StatusProfiling {
		return domain.NewConflict(fmt.Sprintf("device %s is %s, not profiling", deviceID, dev.Status))
	}

	c.mu.Lock()
	acc := c.accums[dev.MAC]
	c.mu.Unlock()
	if acc == nil {
		// Restart lost the in-memory observations. Finalize anyway;
		// the empty baseline comes out sparse.
		slog.Warn("Finalizing without observations", "device", deviceID)
		acc = newAccumulator()
	}

	baseline := acc.Build(deviceID, c.profilingElapsed(dev), c.minPackets)
	if err := c.store.PutBaseline(ctx, baseline); err != nil {
		return fmt.Errorf("persist baseline: %w", err)
	}

	policy := domain.BuildLeastPrivilegePolicy(deviceID, baseline)
	if err := c.store.PutPolicy(ctx, policy); err != nil {
		return fmt.Errorf("persist policy: %w", err)
	}

	updated, err := c.store.SetStatus(ctx, deviceID, domain.StatusActive, "profiling complete")
	if err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.accums, dev.MAC)
	delete(c.retries, deviceID)
	c.mu.Unlock()

	c.bus.Publish(domain.NewEvent(domain.TopicPolicyChanged, domain.PolicyReplaced{
		DeviceID: deviceID,
		Revision: policy.Revision,
	}))
	c.publishStatus(deviceID, updated.Status, dev.Status)

	slog.Info("Device activated", "device", deviceID, "rules", len(policy.Rules),
		"packets", baseline.PacketCount, "sparse", baseline.Sparse)
	return nil
}

// FinalizeDue finalizes every profiling device whose window has elapsed
// and returns how many were activated. It re-reads the persisted window
// bounds, so it picks up devices approved before a restart. Failed
// devices stay profiling and are retried with exponential backoff; a
// streak of five failures raises an operator alert.
func (c *Coordinator) FinalizeDue(ctx context.Context) int {
	devices, err := c.store.ListDevices(ctx, domain.StatusProfiling)
	if err != nil {
		slog.Error("Finalization scan failed", "error", err)
		return 0
	}

	now := time.Now().UTC()
	done := 0
	for _, dev := range devices {
		if !dev.ProfilingElapsed(now) || !c.retryDue(dev.DeviceID, now) {
			continue
		}
		if err := c.Finalize(ctx, dev.DeviceID); err != nil {
			if domain.IsConflict(err) {
				c.clearRetry(dev.DeviceID)
				continue
			}
			c.noteFinalizeFailure(dev.DeviceID, err)
			continue
		}
		done++
	}
	return done
}

// retryDue reports whether the device's finalization backoff elapsed.
func (c *Coordinator) retryDue(deviceID string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.retries[deviceID]
	return !ok || !now.Before(r.next)
}

func (c *Coordinator) clearRetry(deviceID string) {
	c.mu.Lock()
	delete(c.retries, deviceID)
	c.mu.Unlock()
}

// noteFinalizeFailure advances the device's backoff and pages the
// operator when the streak reaches finalizeAlertAfter.
func (c *Coordinator) noteFinalizeFailure(deviceID string, cause error) {
	c.mu.Lock()
	r, ok := c.retries[deviceID]
	if !ok {
		r = &finalizeRetry{}
		c.retries[deviceID] = r
	}
	r.failures++
	delay := finalizeRetryBase << (r.failures - 1)
	if delay <= 0 || delay > finalizeRetryCap {
		delay = finalizeRetryCap
	}
	r.next = time.Now().UTC().Add(delay)
	failures := r.failures
	c.mu.Unlock()

	slog.Error("Finalization failed", "device", deviceID,
		"failures", failures, "retry_in", delay, "error", cause)
	if failures == finalizeAlertAfter {
		c.bus.Publish(domain.NewEvent(domain.TopicOperatorAlert, domain.OperatorAlert{
			Component: "onboarding",
			Message:   fmt.Sprintf("device %s failed finalization %d times", deviceID, failures),
			Err:       cause.Error(),
			At:        time.Now().UTC(),
		}))
	}
}

// Resume rebuilds the in-memory side for devices that were profiling
// when the process stopped: fresh accumulators and observation rules.
// Observations made before the restart are gone; the window bounds are
// persisted, so finalization timing is unaffected.
func (c *Coordinator) Resume(ctx context.Context) error {
	devices, err := c.store.ListDevices(ctx, domain.StatusProfiling)
	if err != nil {
		return fmt.Errorf("list profiling devices: %w", err)
	}
	for _, dev := range devices {
		c.mu.Lock()
		if _, ok := c.accums[dev.MAC]; !ok {
			c.accums[dev.MAC] = newAccumulator()
		}
		c.mu.Unlock()
		if err := c.sw.InstallRule(ctx, domain.ObserveRule(dev.DeviceID, dev.MAC)); err != nil {
			c.operatorAlert("observation rule not installed for "+dev.DeviceID, err)
		}
	}
	if len(devices) > 0 {
		slog.Info("Profiling resumed", "devices", len(devices))
	}
	return nil
}

// HandlePacket feeds a mirrored packet into the owning device's
// accumulator. Packets from MACs that are not profiling are dropped.
// Wire this as the switch controller's packet-in callback.
func (c *Coordinator) HandlePacket(obs domain.PacketObservation) {
	mac := domain.NormalizeMAC(obs.MAC)
	c.mu.Lock()
	acc := c.accums[mac]
	c.mu.Unlock()
	if acc != nil {
		acc.Observe(obs)
	}
}

/// profilingElapsed returns the span the device was actually observed:
// approval to now, capped at the configured window end.
func (c *Coordinator) profilingElapsed(dev *domain.Device) time.Duration {
	started := dev.ProfilingStartedAt
	if started.IsZero() {
		started = dev.OnboardedAt
	}
	end := time.Now().UTC()
	if !dev.ProfilingEndsAt.IsZero() && end.After(dev.ProfilingEndsAt) {
		end = dev.ProfilingEndsAt
	}
	return end.Sub(started)
}

func (c *Coordinator) publishStatus(deviceID string, status, previous domain.DeviceStatus) {
	c.bus.Publish(domain.NewEvent(domain.TopicDeviceStatus, domain.DeviceStatusChanged{
		DeviceID: deviceID,
		Status:   status,
		Previous: previous,
	}))
}

func (c *Coordinator) operatorAlert(message string, err error) {
	alert := domain.OperatorAlert{
		Component: "onboarding",
		Message:   message,
		At:        time.Now().UTC(),
	}
	if err != nil {
		alert.Err = err.Error()
	}
	c.bus.Publish(domain.NewEvent(domain.TopicOperatorAlert, alert))
	slog.Warn("Operator attention required", "component", "onboarding", "message", message, "error", err)
}
