package domain

import "time"

// DevicePosture is one device row in the posture report.
type DevicePosture struct {
	DeviceID     string       `json:"device_id"`
	MAC          string       `json:"mac"`
	Type         string       `json:"type"`
	Status       DeviceStatus `json:"status"`
	Trust        int          `json:"trust"`
	TrustLevel   TrustLevel   `json:"trust_level"`
	Decision     Decision     `json:"decision"`
	RecentAlerts int          `json:"recent_alerts"`
}

// Recommendation is one prioritized operator action derived from the
// posture snapshot.
type Recommendation struct {
	Priority string `json:"priority"`
	Title    string `json:"title"`
	Detail   string `json:"detail"`
}

// PostureReport is a point-in-time snapshot of the network's zero trust
// posture, rendered by the PDF exporter and served over the API.
type PostureReport struct {
	GeneratedAt time.Time `json:"generated_at"`

	RiskScore float64 `json:"risk_score"`
	RiskLevel string  `json:"risk_level"`

	TotalDevices       int `json:"total_devices"`
	ActiveDevices      int `json:"active_devices"`
	ProfilingDevices   int `json:"profiling_devices"`
	PendingDevices     int `json:"pending_devices"`
	QuarantinedDevices int `json:"quarantined_devices"`
	RevokedDevices     int `json:"revoked_devices"`
	LowTrustDevices    int `json:"low_trust_devices"`

	Devices     []DevicePosture  `json:"devices"`
	Threats     []Threat         `json:"threats"`
	Mitigations []MitigationRule `json:"mitigations"`

	Recommendations []Recommendation `json:"recommendations"`

	AlertsLast24h int `json:"alerts_last_24h"`
}
