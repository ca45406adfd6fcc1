package domain

import "time"

// Decision is the orchestrator's verdict for a device.
type Decision string

const (
	DecisionAllow      Decision = "ALLOW"
	DecisionRedirect   Decision = "REDIRECT"
	DecisionDeny       Decision = "DENY"
	DecisionQuarantine Decision = "QUARANTINE"
)

// IsValid checks if the decision is recognized.
func (d Decision) IsValid() bool {
	switch d {
	case DecisionAllow, DecisionRedirect, DecisionDeny, DecisionQuarantine:
		return true
	}
	return false
}

// Rank orders decisions by restrictiveness, ALLOW lowest.
func (d Decision) Rank() int {
	switch d {
	case DecisionAllow:
		return 0
	case DecisionRedirect:
		return 1
	case DecisionDeny:
		return 2
	case DecisionQuarantine:
		return 3
	}
	return -1
}

// MoreRestrictiveThan reports whether d restricts traffic more than other.
func (d Decision) MoreRestrictiveThan(other Decision) bool {
	return d.Rank() > other.Rank()
}

// DecideTraffic is the pure decision function fusing device status,
// trust score, and the highest alert severity observed in the recent
// window. First match wins.
func DecideTraffic(status DeviceStatus, trust int, highest AlertSeverity) Decision {
	switch {
	case status == StatusRevoked || status == StatusQuarantined:
		return DecisionQuarantine
	case highest == SeverityCritical:
		return DecisionQuarantine
	case highest == SeverityHigh || trust < 30:
		return DecisionQuarantine
	case highest == SeverityMedium || trust < 50:
		return DecisionDeny
	case trust < 70:
		return DecisionRedirect
	default:
		return DecisionAllow
	}
}

// DecisionRecord is one audit row. Every applied decision and every
// enforcement error produces one, tagged with a correlation ID so
// operator tooling can reconstruct a timeline.
type DecisionRecord struct {
	CorrelationID string        `json:"correlation_id"`
	Timestamp     time.Time     `json:"timestamp"`
	DeviceID      string        `json:"device_id"`
	Trust         int           `json:"trust"`
	ThreatLevel   AlertSeverity `json:"threat_level,omitempty"`
	Decision      Decision      `json:"decision"`
	PrevDecision  Decision      `json:"prev_decision,omitempty"`
	Reason        string        `json:"reason"`
}
