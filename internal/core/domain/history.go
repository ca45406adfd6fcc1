package domain

import "time"

// HistoryEventKind classifies device history entries.
type HistoryEventKind string

const (
	HistoryStatusChange HistoryEventKind = "status_change"
	HistoryOnboarding   HistoryEventKind = "onboarding"
	HistoryPolicyChange HistoryEventKind = "policy_change"
	HistoryAdminAction  HistoryEventKind = "admin_action"
)

// HistoryEntry is one row of a device's ordered change log. Every
// lifecycle transition and administrative action appends one.
type HistoryEntry struct {
	DeviceID  string           `json:"device_id"`
	Kind      HistoryEventKind `json:"kind"`
	Detail    string           `json:"detail"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewHistoryEntry stamps an entry with the current UTC time.
func NewHistoryEntry(deviceID string, kind HistoryEventKind, detail string) HistoryEntry {
	return HistoryEntry{
		DeviceID:  deviceID,
		Kind:      kind,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
}
