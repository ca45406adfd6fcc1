package analyst

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
	"github.com/efuentes-sec/ztcore/internal/telemetry"
)

// DefaultCooldown is the per-device per-rule re-fire suppression window.
const DefaultCooldown = time.Minute

// DetectorConfig tunes the detector. Zero values fall back to defaults.
type DetectorConfig struct {
	// Cooldown suppresses repeat fires of the same rule for a device.
	Cooldown time.Duration
	// Alpha weights new samples in the baseline EMA update.
	Alpha float64
}

// Detector evaluates flow samples against per-device baselines. Four
// rules fire alerts; windows in which nothing fired adapt the baseline
// instead, so attack traffic is never learned.
type Detector struct {
	store ports.IdentityStore
	trust ports.TrustScorer
	bus   ports.EventBus

	cooldown time.Duration
	alpha    float64

	mu       sync.Mutex
	lastFire map[string]time.Time
}

// NewDetector creates a detector over the given store, scorer and bus.
func NewDetector(store ports.IdentityStore, trust ports.TrustScorer, bus ports.EventBus, cfg DetectorConfig) *Detector {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = domain.DefaultBaselineAlpha
	}
	return &Detector{
		store:    store,
		trust:    trust,
		bus:      bus,
		cooldown: cfg.Cooldown,
		alpha:    cfg.Alpha,
		lastFire: make(map[string]time.Time),
	}
}

// Start consumes FlowSample events from the bus until ctx is cancelled.
func (d *Detector) Start(ctx context.Context) {
	ch, cancel := d.bus.Subscribe(domain.TopicFlowSample)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if sample, ok := ev.Payload.(domain.FlowSample); ok {
					d.Evaluate(ctx, sample)
				}
			}
		}
	}()
}

// finding is one matched rule before cooldown filtering.
type finding struct {
	kind     domain.AlertKind
	severity domain.AlertSeverity
	message  string
}

// Evaluate runs the rules against one sample and returns the alerts it
// published. Devices without a baseline are skipped. If no rule matched
// and the window carried traffic, the baseline absorbs it via EMA.
func (d *Detector) Evaluate(ctx context.Context, sample domain.FlowSample) []domain.Alert {
	baseline, err := d.store.GetBaseline(ctx, sample.DeviceID)
	if err != nil {
		if !domain.IsNotFound(err) {
			slog.Error("Baseline lookup failed", "device", sample.DeviceID, "error", err)
		}
		return nil
	}

	findings := d.match(sample.Stats, baseline)
	if len(findings) == 0 {
		if !sample.Stats.IsZero() {
			baseline.ObserveEMA(sample.Stats, d.alpha)
			if err := d.store.PutBaseline(ctx, *baseline); err != nil {
				slog.Error("Baseline update failed", "device", sample.DeviceID, "error", err)
			}
		}
		return nil
	}

	var published []domain.Alert
	now := time.Now().UTC()
	for _, f := range findings {
		if !d.shouldFire(sample.DeviceID, f.kind, now) {
			continue
		}
		alert, err := domain.NewAlert(sample.DeviceID, f.kind, f.severity, f.message, sample.Stats)
		if err != nil {
			slog.Error("Alert rejected", "device", sample.DeviceID, "kind", f.kind, "error", err)
			continue
		}
		d.bus.Publish(domain.NewEvent(domain.TopicAlert, *alert))
		telemetry.AlertsTotal.WithLabelValues(string(f.kind), string(f.severity)).Inc()

		if _, err := d.trust.RecordAlert(ctx, sample.DeviceID, domain.ScoreEventBehavioralAnomaly, f.severity); err != nil {
			slog.Error("Trust penalty failed", "device", sample.DeviceID, "error", err)
		}

		slog.Warn("Anomaly detected", "device", sample.DeviceID, "rule", f.kind,
			"severity", f.severity, "detail", f.message)
		published = append(published, *alert)
	}
	return published
}

// match applies the four rules. Zero baseline values count as 1 so a
// near-silent profile still yields usable ratios.
func (d *Detector) match(stats domain.FlowStats, baseline *domain.Baseline) []finding {
	var out []finding

	basePPS := orOne(baseline.AvgPPS)
	pps := stats.PPS()
	switch {
	case pps >= 10*basePPS:
		out = append(out, finding{domain.AlertDoS, domain.SeverityHigh,
			fmt.Sprintf("packet rate %.1f pps is %.1fx the baseline %.1f", pps, pps/basePPS, baseline.AvgPPS)})
	case pps >= 5*basePPS:
		out = append(out, finding{domain.AlertDoS, domain.SeverityMedium,
			fmt.Sprintf("packet rate %.1f pps is %.1fx the baseline %.1f", pps, pps/basePPS, baseline.AvgPPS)})
	case pps >= 2*basePPS:
		out = append(out, finding{domain.AlertDoS, domain.SeverityLow,
			fmt.Sprintf("packet rate %.1f pps is %.1fx the baseline %.1f", pps, pps/basePPS, baseline.AvgPPS)})
	}

	baseBPS := orOne(baseline.AvgBPS)
	if bps := stats.BPS(); bps >= 10*baseBPS {
		out = append(out, finding{domain.AlertVolume, domain.SeverityHigh,
			fmt.Sprintf("byte rate %.0f bps is %.1fx the baseline %.0f", bps, bps/baseBPS, baseline.AvgBPS)})
	}

	baseIPs := len(baseline.DstIPs)
	if baseIPs == 0 {
		baseIPs = 1
	}
	if stats.UniqueDstIPs >= 5*baseIPs && stats.UniqueDstIPs >= 20 {
		out = append(out, finding{domain.AlertNetworkScan, domain.SeverityMedium,
			fmt.Sprintf("%d distinct destinations against %d in the baseline", stats.UniqueDstIPs, len(baseline.DstIPs))})
	}

	basePorts := len(baseline.DstPorts)
	if basePorts == 0 {
		basePorts = 1
	}
	if stats.UniqueDstPorts >= 3*basePorts && stats.UniqueDstPorts >= 10 {
		out = append(out, finding{domain.AlertPortScan, domain.SeverityMedium,
			fmt.Sprintf("%d distinct ports against %d in the baseline", stats.UniqueDstPorts, len(baseline.DstPorts))})
	}
	return out
}

// shouldFire enforces the per-device per-rule cooldown.
func (d *Detector) shouldFire(deviceID string, kind domain.AlertKind, now time.Time) bool {
	key := deviceID + "/" + string(kind)
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastFire[key]; ok && now.Sub(last) < d.cooldown {
		return false
	}
	d.lastFire[key] = now
	return true
}

func orOne(v float64) float64 {
	if v <= 0 {
		return 1
	}
	return v
}
