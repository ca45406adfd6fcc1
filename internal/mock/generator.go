// Package mock synthesizes an IoT fleet against the in-memory switch so
// a mock-mode instance exercises the whole pipeline (approval queue,
// profiling, flow samples, anomaly alerts) without a controller or
// physical devices.
package mock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/efuentes-sec/ztcore/internal/adapters/switchctl"
	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

// Scenario names, selected with the MOCK_SCENARIO environment variable.
const (
	ScenarioBasic   = "basic"   // small steady fleet
	ScenarioCrowded = "crowded" // larger fleet
	ScenarioAttack  = "attack"  // one device periodically bursts far over its baseline
)

// DefaultInterval is the counter advance cadence. It only needs to stay
// under the flow poll interval so every poll sees fresh counters.
const DefaultInterval = 2 * time.Second

// burstFactor scales the attacker's rates during a burst. Anything past
// 10x the baseline reads as a critical rate anomaly.
const burstFactor = 12

// trafficProfile is the steady-state behavior of one device kind.
type trafficProfile struct {
	kind      string
	pps       float64 // packets per second
	bps       float64 // bytes per second
	dstIPs    []string
	dstPorts  []int
	protocols []string
}

// profiles covers common IoT device kinds with plausible rates. The
// destination sets are deliberately narrow so finalized baselines yield
// tight least-privilege policies.
var profiles = []trafficProfile{
	{kind: "camera", pps: 40, bps: 45000, dstIPs: []string{"10.0.0.5", "203.0.113.10"}, dstPorts: []int{554, 443}, protocols: []string{"tcp"}},
	{kind: "sensor", pps: 1, bps: 300, dstIPs: []string{"10.0.0.8"}, dstPorts: []int{8883}, protocols: []string{"tcp"}},
	{kind: "thermostat", pps: 2, bps: 600, dstIPs: []string{"203.0.113.20"}, dstPorts: []int{443}, protocols: []string{"tcp"}},
	{kind: "lock", pps: 1, bps: 250, dstIPs: []string{"10.0.0.8"}, dstPorts: []int{8883}, protocols: []string{"tcp"}},
	{kind: "speaker", pps: 25, bps: 30000, dstIPs: []string{"203.0.113.30", "203.0.113.31"}, dstPorts: []int{443, 4070}, protocols: []string{"tcp", "udp"}},
}

// registrar is the slice of the onboarding service the generator needs.
type registrar interface {
	RegisterPending(ctx context.Context, mac, suggestedID, deviceType, source string) (*domain.PendingDevice, error)
}

// fleetDevice tracks one synthetic device's cumulative counters, the
// same shape a switch reports for a long-lived flow.
type fleetDevice struct {
	mac      string
	ip       string
	name     string
	profile  trafficProfile
	packets  int64
	bytes    int64
	started  time.Time
	attacker bool
}

// Config tunes the generator. Zero values fall back to the defaults.
type Config struct {
	Scenario string        // defaults to $MOCK_SCENARIO, then "basic"
	Interval time.Duration // defaults to DefaultInterval
	Seed     int64         // 0 seeds from the clock
}

// Generator drives a synthetic fleet: it queues the devices for
// approval, then advances their counters and mirrors frames through the
// packet-in path on every tick.
type Generator struct {
	sw       *switchctl.MockSwitch
	reg      registrar
	rand     *rand.Rand
	scenario string
	interval time.Duration
	fleet    []*fleetDevice
	ticks    int
}

// New builds the fleet for the configured scenario.
func New(sw *switchctl.MockSwitch, reg registrar, cfg Config) *Generator {
	scenario := cfg.Scenario
	if scenario == "" {
		scenario = os.Getenv("MOCK_SCENARIO")
	}
	if scenario == "" {
		scenario = ScenarioBasic
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	g := &Generator{
		sw:       sw,
		reg:      reg,
		rand:     rand.New(rand.NewSource(seed)),
		scenario: scenario,
		interval: interval,
	}
	g.buildFleet()
	return g
}

// Scenario returns the active scenario name.
func (g *Generator) Scenario() string { return g.scenario }

// Fleet lists the synthetic MACs, in enrollment order.
func (g *Generator) Fleet() []string {
	macs := make([]string, len(g.fleet))
	for i, d := range g.fleet {
		macs[i] = d.mac
	}
	return macs
}

func (g *Generator) buildFleet() {
	size := 4
	switch g.scenario {
	case ScenarioCrowded:
		size = 12
	case ScenarioAttack:
		size = 5
	}

	for i := 0; i < size; i++ {
		p := profiles[i%len(profiles)]
		g.fleet = append(g.fleet, &fleetDevice{
			mac:     fmt.Sprintf("0a:1f:ce:00:%02x:%02x", i>>8, i&0xff),
			ip:      fmt.Sprintf("10.0.20.%d", 10+i),
			name:    fmt.Sprintf("%s-%02d", p.kind, i+1),
			profile: p,
		})
	}
	if g.scenario == ScenarioAttack {
		g.fleet[0].attacker = true
	}
}

// Run queues the fleet for approval and feeds the switch until ctx is
// done. Devices still produce traffic while pending; the poller ignores
// them until they are approved.
func (g *Generator) Run(ctx context.Context) {
	g.register(ctx)
	slog.Info("Mock fleet running", "scenario", g.scenario, "devices", len(g.fleet))

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.tick(time.Now().UTC())
		}
	}
}

func (g *Generator) register(ctx context.Context) {
	for _, d := range g.fleet {
		_, err := g.reg.RegisterPending(ctx, d.mac, d.name, d.profile.kind, "mock")
		if err == nil {
			continue
		}
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			continue // still queued or already enrolled from a previous run
		}
		slog.Warn("Mock fleet registration failed", "mac", d.mac, "error", err)
	}
}

// tick advances every device's cumulative counters and mirrors a few of
// its frames through the packet-in callback.
func (g *Generator) tick(now time.Time) {
	g.ticks++
	secs := g.interval.Seconds()

	for _, d := range g.fleet {
		if d.started.IsZero() {
			d.started = now
		}

		pps, bps := d.profile.pps, d.profile.bps
		if d.attacker && g.bursting() {
			pps *= burstFactor
			bps *= burstFactor
		}
		jitter := 0.8 + g.rand.Float64()*0.4

		pk := int64(pps*secs*jitter + 0.5)
		if pk < 1 {
			pk = 1
		}
		by := int64(bps*secs*jitter + 0.5)
		if by < 64 {
			by = 64
		}
		d.packets += pk
		d.bytes += by

		g.sw.SetFlowStats(d.mac, domain.FlowStats{
			Packets:        d.packets,
			Bytes:          d.bytes,
			UniqueDstIPs:   len(d.profile.dstIPs),
			UniqueDstPorts: len(d.profile.dstPorts),
			Protocols:      d.profile.protocols,
			WindowSeconds:  now.Sub(d.started).Seconds() + secs,
		})

		frames := 1 + g.rand.Intn(3)
		for i := 0; i < frames; i++ {
			g.sw.InjectPacket(g.observation(d, now))
		}
	}
}

// bursting keeps the attacker loud for a few consecutive ticks out of
// every cycle, long enough to span a full polling window, with a warmup
// so the fleet can be approved and profiled while traffic is still
// benign.
func (g *Generator) bursting() bool {
	const warmup, cycle, width = 30, 30, 3
	if g.ticks < warmup {
		return false
	}
	return g.ticks%cycle < width
}

func (g *Generator) observation(d *fleetDevice, now time.Time) domain.PacketObservation {
	p := d.profile
	return domain.PacketObservation{
		MAC:      d.mac,
		SrcIP:    d.ip,
		DstIP:    p.dstIPs[g.rand.Intn(len(p.dstIPs))],
		DstPort:  p.dstPorts[g.rand.Intn(len(p.dstPorts))],
		SrcPort:  1024 + g.rand.Intn(64000),
		Protocol: p.protocols[g.rand.Intn(len(p.protocols))],
		Size:     64 + g.rand.Intn(1200),
		At:       now,
	}
}
