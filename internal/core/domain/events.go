package domain

import (
	"time"

	"github.com/google/uuid"
)

// Bus topics. Payload types are listed next to each.
const (
	TopicTrustChanged  = "trust.changed"    // TrustChanged
	TopicFlowSample    = "flow.sample"      // FlowSample
	TopicAlert         = "alert"            // Alert
	TopicThreatUpdated = "threat.updated"   // ThreatUpdated
	TopicPolicyChanged = "policy.replaced"  // PolicyReplaced
	TopicDeviceStatus  = "device.status"    // DeviceStatusChanged
	TopicDecision      = "decision.applied" // DecisionRecord
	TopicOperatorAlert = "operator.alert"   // OperatorAlert
)

// Event is the bus envelope.
type Event struct {
	ID      string      `json:"id"`
	Topic   string      `json:"topic"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload"`
}

// NewEvent wraps a payload for publication.
func NewEvent(topic string, payload interface{}) Event {
	return Event{
		ID:      uuid.NewString(),
		Topic:   topic,
		At:      time.Now().UTC(),
		Payload: payload,
	}
}

// CrossDirection tags which way a trust threshold was crossed.
type CrossDirection string

const (
	CrossDown CrossDirection = "down"
	CrossUp   CrossDirection = "up"
)

// TrustChanged is published when a device's score crosses a threshold.
type TrustChanged struct {
	DeviceID  string         `json:"device_id"`
	Score     int            `json:"score"`
	Previous  int            `json:"previous"`
	Level     TrustLevel     `json:"level"`
	Threshold int            `json:"threshold"`
	Direction CrossDirection `json:"direction"`
	Reason    string         `json:"reason"`
}

// PolicyReplaced is published when a device's stored policy changes.
type PolicyReplaced struct {
	DeviceID string `json:"device_id"`
	Revision int    `json:"revision"`
}

// DeviceStatusChanged is published on every lifecycle transition.
type DeviceStatusChanged struct {
	DeviceID string       `json:"device_id"`
	Status   DeviceStatus `json:"status"`
	Previous DeviceStatus `json:"previous"`
}

// ThreatUpdated is published when honeypot intelligence changes.
type ThreatUpdated struct {
	SourceIP string        `json:"source_ip"`
	Severity AlertSeverity `json:"severity"`
}

// OperatorAlert asks a human to look at something the core cannot fix.
type OperatorAlert struct {
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Err       string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
