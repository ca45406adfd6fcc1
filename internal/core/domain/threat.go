package domain

import (
	"strings"
	"time"
)

// HoneypotEvent is one parsed record from the deception endpoint's
// newline-delimited JSON log. Unknown event kinds are skipped upstream.
type HoneypotEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventID   string    `json:"eventid"`
	SrcIP     string    `json:"src_ip"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"password,omitempty"`
	Command   string    `json:"input,omitempty"`
}

// destructiveCommands escalate a command_execution event to high severity.
var destructiveCommands = []string{
	"rm ", "rm\t", "dd ", "mkfs", "format", "shutdown", "reboot", "wget ", "curl ",
}

// SeverityForHoneypotEvent maps a honeypot event kind to a severity.
// The boolean is false for unknown kinds.
func SeverityForHoneypotEvent(eventID, command string) (AlertSeverity, bool) {
	switch eventID {
	case "login_success", "file_download", "malware_exec":
		return SeverityHigh, true
	case "command_execution", "repeated_login_attempts":
		if eventID == "command_execution" && isDestructiveCommand(command) {
			return SeverityHigh, true
		}
		return SeverityMedium, true
	case "login_attempt", "port_probe":
		return SeverityLow, true
	}
	return "", false
}

func isDestructiveCommand(command string) bool {
	cmd := strings.ToLower(strings.TrimSpace(command)) + " "
	for _, kw := range destructiveCommands {
		if strings.Contains(cmd, kw) {
			return true
		}
	}
	return false
}

// Threat is the accumulated intelligence about one attacking source IP.
// Mutable only to extend last_seen and accumulate event kinds.
type Threat struct {
	SourceIP   string        `json:"source_ip"`
	FirstSeen  time.Time     `json:"first_seen"`
	LastSeen   time.Time     `json:"last_seen"`
	EventKinds []string      `json:"event_kinds"`
	Severity   AlertSeverity `json:"severity"`
	Hits       int64         `json:"hits"`
}

// NewThreat starts tracking a source IP from its first event.
func NewThreat(srcIP string, at time.Time) *Threat {
	return &Threat{
		SourceIP:  srcIP,
		FirstSeen: at,
		LastSeen:  at,
	}
}

// Observe folds one event into the threat: extends last_seen,
// accumulates the kind set, and keeps the maximum severity.
func (t *Threat) Observe(eventID string, severity AlertSeverity, at time.Time) {
	if at.After(t.LastSeen) {
		t.LastSeen = at
	}
	if !t.hasKind(eventID) {
		t.EventKinds = append(t.EventKinds, eventID)
	}
	t.Severity = MaxSeverity(t.Severity, severity)
	t.Hits++
}

func (t *Threat) hasKind(kind string) bool {
	for _, k := range t.EventKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// IdleSince reports whether the threat has seen no events for ttl.
func (t *Threat) IdleSince(now time.Time, ttl time.Duration) bool {
	return now.Sub(t.LastSeen) > ttl
}
