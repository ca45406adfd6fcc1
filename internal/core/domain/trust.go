package domain

import "time"

// Trust score bounds and defaults.
const (
	TrustMin     = 0
	TrustMax     = 100
	TrustInitial = 70

	// DefaultTrustHysteresis is added to a threshold before an upward
	// crossing is reported, to prevent decision flapping.
	DefaultTrustHysteresis = 5
)

// DefaultTrustThresholds are the score boundaries, highest first, at
// which crossings are published.
var DefaultTrustThresholds = []int{70, 50, 30}

// TrustLevel is the coarse classification derived from a score.
type TrustLevel string

const (
	TrustTrusted    TrustLevel = "trusted"
	TrustLimited    TrustLevel = "limited"
	TrustSuspicious TrustLevel = "suspicious"
	TrustUntrusted  TrustLevel = "untrusted"
)

// TrustLevelFor classifies a score against the default thresholds.
func TrustLevelFor(score int) TrustLevel {
	switch {
	case score >= 70:
		return TrustTrusted
	case score >= 50:
		return TrustLimited
	case score >= 30:
		return TrustSuspicious
	default:
		return TrustUntrusted
	}
}

// ClampTrust bounds a score to [TrustMin, TrustMax].
func ClampTrust(score int) int {
	if score < TrustMin {
		return TrustMin
	}
	if score > TrustMax {
		return TrustMax
	}
	return score
}

// TrustEvent is one append-only history row. The sum of the initial
// score and all deltas, clamped at each step, equals the current score.
type TrustEvent struct {
	ID         uint      `json:"id,omitempty"`
	DeviceID   string    `json:"device_id"`
	ScoreAfter int       `json:"score_after"`
	Delta      int       `json:"delta"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// ScoreEventKind names the classes of events that adjust trust.
type ScoreEventKind string

const (
	ScoreEventBehavioralAnomaly ScoreEventKind = "behavioral_anomaly"
	ScoreEventSecurityAlert     ScoreEventKind = "security_alert"
	ScoreEventAttestationFail   ScoreEventKind = "attestation_fail"
	ScoreEventHoneypotHit       ScoreEventKind = "honeypot_hit"
	ScoreEventPositiveTick      ScoreEventKind = "positive_tick"
)

// AttestationFailDelta applies regardless of severity.
const AttestationFailDelta = -20

// PositiveTickDelta is granted per uneventful hour when the optional
// positive drift is enabled.
const PositiveTickDelta = 2

// TrustDelta is the single source of truth mapping score events to
// deltas. Unknown combinations yield 0.
func TrustDelta(kind ScoreEventKind, severity AlertSeverity) int {
	switch kind {
	case ScoreEventBehavioralAnomaly:
		switch severity {
		case SeverityLow:
			return -5
		case SeverityMedium:
			return -15
		case SeverityHigh:
			return -30
		}
	case ScoreEventSecurityAlert:
		switch severity {
		case SeverityLow:
			return -10
		case SeverityMedium:
			return -20
		case SeverityHigh:
			return -40
		}
	case ScoreEventAttestationFail:
		return AttestationFailDelta
	case ScoreEventHoneypotHit:
		switch severity {
		case SeverityMedium:
			return -20
		case SeverityHigh:
			return -40
		case SeverityCritical:
			return -60
		}
	case ScoreEventPositiveTick:
		return PositiveTickDelta
	}
	return 0
}
