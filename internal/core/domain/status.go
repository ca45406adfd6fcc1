package domain

import (
	"time"
)

// SystemStatus is an aggregated snapshot of the control plane's state,
// served to operators via the management API.
type SystemStatus struct {
	// Summary Metrics
	Devices       map[DeviceStatus]int `json:"devices"`
	PendingCount  int                  `json:"pending_count"`
	ActiveThreats int                  `json:"active_threats"`
	Mitigations   int                  `json:"mitigations"`

	// Decision distribution across devices
	Decisions map[Decision]int `json:"decisions"`

	// Health
	EventsDropped uint64  `json:"events_dropped"`
	SwitchHealthy bool    `json:"switch_healthy"`
	UptimeSeconds float64 `json:"uptime_seconds"`

	// Metadata
	LastUpdated time.Time `json:"updated_at"`
}

// NewSystemStatus initializes a snapshot with empty maps to prevent nil access.
func NewSystemStatus() SystemStatus {
	return SystemStatus{
		Devices:     make(map[DeviceStatus]int),
		Decisions:   make(map[Decision]int),
		LastUpdated: time.Now().UTC(),
	}
}

// TopologyEntry is one row of the operator topology view. Revoked
// devices stay visible but are never reported as connected.
type TopologyEntry struct {
	DeviceID  string       `json:"device_id"`
	MAC       string       `json:"mac"`
	Status    DeviceStatus `json:"status"`
	LastSeen  time.Time    `json:"last_seen"`
	Decision  Decision     `json:"decision"`
	Trust     int          `json:"trust"`
	Connected bool         `json:"connected"`
}
