package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EventsPublished counts events accepted onto the bus
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ztcore",
			Name:      "events_published_total",
			Help:      "Total number of events published on the internal bus",
		},
		[]string{"topic"},
	)

	// EventsDropped counts events discarded because a subscriber queue was full
	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ztcore",
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped due to full subscriber queues",
		},
		[]string{"topic"},
	)

	// DecisionsApplied counts access decisions the orchestrator applied
	DecisionsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ztcore",
			Name:      "decisions_applied_total",
			Help:      "Total number of access decisions applied to the switch",
		},
		[]string{"decision"},
	)

	// AlertsTotal counts alerts raised by detectors and loops
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ztcore",
			Name:      "alerts_total",
			Help:      "Total number of alerts raised",
		},
		[]string{"kind", "severity"},
	)

	// TrustAdjustments counts trust score changes
	TrustAdjustments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ztcore",
			Name:      "trust_adjustments_total",
			Help:      "Total number of trust score adjustments",
		},
		[]string{"direction"},
	)

	// RuleInstalls counts switch rule installations
	RuleInstalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ztcore",
			Name:      "rule_installs_total",
			Help:      "Total number of switch rule install attempts",
		},
		[]string{"outcome"},
	)

	// HoneypotEvents counts ingested honeypot log records
	HoneypotEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ztcore",
			Name:      "honeypot_events_total",
			Help:      "Total number of honeypot events ingested",
		},
		[]string{"kind"},
	)

	// ActiveThreats tracks the current threat table size
	ActiveThreats = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ztcore",
			Name:      "active_threats",
			Help:      "Number of threat sources currently tracked",
		},
	)

	// DevicesByStatus tracks the device population per lifecycle status
	DevicesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ztcore",
			Name:      "devices",
			Help:      "Number of devices per lifecycle status",
		},
		[]string{"status"},
	)

	// Ensure metrics are only registered once
	once sync.Once
)

// InitMetrics registers all metrics with the global Prometheus registry
// This function is idempotent and can be called multiple times safely
func InitMetrics() {
	once.Do(func() {
		// Register metrics, ignoring errors if already registered
		// This prevents panics when metrics are already in the registry
		prometheus.DefaultRegisterer.Register(EventsPublished)
		prometheus.DefaultRegisterer.Register(EventsDropped)
		prometheus.DefaultRegisterer.Register(DecisionsApplied)
		prometheus.DefaultRegisterer.Register(AlertsTotal)
		prometheus.DefaultRegisterer.Register(TrustAdjustments)
		prometheus.DefaultRegisterer.Register(RuleInstalls)
		prometheus.DefaultRegisterer.Register(HoneypotEvents)
		prometheus.DefaultRegisterer.Register(ActiveThreats)
		prometheus.DefaultRegisterer.Register(DevicesByStatus)
	})
}
