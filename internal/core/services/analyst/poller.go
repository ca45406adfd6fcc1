// Package analyst watches device traffic: a poller that turns the
// switch's cumulative flow counters into per-device samples, and a
// detector that compares samples against each device's baseline and
// raises severity-tagged alerts.
package analyst

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
)

// DefaultPollInterval is the flow polling cadence.
const DefaultPollInterval = 10 * time.Second

// PollerConfig tunes the poller. Zero values fall back to the defaults.
type PollerConfig struct {
	Interval time.Duration
}

// cumulative is the previous per-MAC counter reading.
type cumulative struct {
	packets int64
	bytes   int64
	at      time.Time
}

// Poller samples the switch counters on a fixed cadence and publishes
// one FlowSample per tracked device, zero-valued when the device left
// no footprint this window.
type Poller struct {
	store ports.IdentityStore
	sw    ports.SwitchController
	bus   ports.EventBus

	interval time.Duration

	mu   sync.Mutex
	prev map[string]cumulative
}

// NewPoller creates a poller over the given store, switch and bus.
func NewPoller(store ports.IdentityStore, sw ports.SwitchController, bus ports.EventBus, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	return &Poller{
		store:    store,
		sw:       sw,
		bus:      bus,
		interval: cfg.Interval,
		prev:     make(map[string]cumulative),
	}
}

// Interval returns the configured cadence, for scheduler wiring.
func (p *Poller) Interval() time.Duration { return p.interval }

// Run polls once and returns how many samples were published. A switch
// outage skips the cycle; stale previous readings stay put so the next
// successful poll still yields a correct delta.
func (p *Poller) Run(ctx context.Context) int {
	stats, err := p.sw.FlowStats(ctx)
	if err != nil {
		slog.Warn("Flow poll skipped", "error", err)
		return 0
	}

	devices, err := p.store.ListDevices(ctx, "")
	if err != nil {
		slog.Error("Flow poll device listing failed", "error", err)
		return 0
	}

	now := time.Now().UTC()
	published := 0
	for _, dev := range devices {
		switch dev.Status {
		case domain.StatusPending, domain.StatusRevoked:
			continue
		}

		sample := domain.FlowSample{
			DeviceID: dev.DeviceID,
			MAC:      dev.MAC,
			Stats:    p.delta(dev.MAC, stats[dev.MAC], now),
			At:       now,
		}
		p.bus.Publish(domain.NewEvent(domain.TopicFlowSample, sample))
		published++

		if sample.Stats.Packets > 0 {
			if err := p.store.SetLastSeen(ctx, dev.DeviceID, now); err != nil {
				slog.Warn("Last-seen update failed", "device", dev.DeviceID, "error", err)
			}
		}
	}
	return published
}

// delta converts cumulative counters into this window's numbers. The
// first sighting and counter rollbacks (switch restart) are both
// treated as a fresh window covering the reading itself. Unique
// destination counts are point-in-time gauges and pass through.
func (p *Poller) delta(mac string, cur domain.FlowStats, now time.Time) domain.FlowStats {
	p.mu.Lock()
	last, seen := p.prev[mac]
	p.prev[mac] = cumulative{packets: cur.Packets, bytes: cur.Bytes, at: now}
	p.mu.Unlock()

	out := domain.FlowStats{
		UniqueDstIPs:   cur.UniqueDstIPs,
		UniqueDstPorts: cur.UniqueDstPorts,
		Protocols:      cur.Protocols,
	}

	if !seen || cur.Packets < last.packets || cur.Bytes < last.bytes {
		out.Packets = cur.Packets
		out.Bytes = cur.Bytes
		out.WindowSeconds = cur.WindowSeconds
		if out.WindowSeconds <= 0 {
			out.WindowSeconds = p.interval.Seconds()
		}
		return out
	}

	out.Packets = cur.Packets - last.packets
	out.Bytes = cur.Bytes - last.bytes
	out.WindowSeconds = now.Sub(last.at).Seconds()
	if out.WindowSeconds <= 0 {
		out.WindowSeconds = p.interval.Seconds()
	}
	return out
}
