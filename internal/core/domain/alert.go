package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Domain Errors for Alerting
var (
	ErrInvalidSeverity  = errors.New("invalid alert severity level")
	ErrInvalidAlertKind = errors.New("invalid alert kind")
)

// AlertKind defines the category of a security alert.
type AlertKind string

const (
	AlertDoS             AlertKind = "dos"
	AlertVolume          AlertKind = "volume"
	AlertNetworkScan     AlertKind = "network_scan"
	AlertPortScan        AlertKind = "port_scan"
	AlertAttestationFail AlertKind = "attestation_fail"
	AlertHoneypotHit     AlertKind = "honeypot_hit"
)

// AlertSeverity represents the criticality of a security event.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// Rank maps severity onto a comparable scale. Unknown severities rank 0.
func (s AlertSeverity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// IsValid checks if the severity is a recognized level.
func (s AlertSeverity) IsValid() bool {
	return s.Rank() > 0
}

// AtLeast reports whether s is at least as severe as other.
func (s AlertSeverity) AtLeast(other AlertSeverity) bool {
	return s.Rank() >= other.Rank()
}

// MaxSeverity returns the more severe of the two.
func MaxSeverity(a, b AlertSeverity) AlertSeverity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// IsValid checks if the kind is a recognized alert category.
func (k AlertKind) IsValid() bool {
	switch k {
	case AlertDoS, AlertVolume, AlertNetworkScan, AlertPortScan,
		AlertAttestationFail, AlertHoneypotHit:
		return true
	}
	return false
}

// Alert represents a security event observed for a device.
// Alerts are immutable once emitted.
type Alert struct {
	ID        string        `json:"id"`
	DeviceID  string        `json:"device_id"`
	Kind      AlertKind     `json:"kind"`
	Severity  AlertSeverity `json:"severity"`
	Message   string        `json:"message"`
	Stats     FlowStats     `json:"observed_stats"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewAlert creates a new Alert while ensuring the kind and severity invariants.
func NewAlert(deviceID string, kind AlertKind, severity AlertSeverity, message string, stats FlowStats) (*Alert, error) {
	if !kind.IsValid() {
		return nil, ErrInvalidAlertKind
	}
	if !severity.IsValid() {
		return nil, ErrInvalidSeverity
	}

	return &Alert{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		Stats:     stats,
		Timestamp: time.Now().UTC(),
	}, nil
}
