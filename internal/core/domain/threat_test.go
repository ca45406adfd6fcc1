package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityForHoneypotEvent(t *testing.T) {
	cases := []struct {
		eventID string
		command string
		want    AlertSeverity
		known   bool
	}{
		{"login_success", "", SeverityHigh, true},
		{"file_download", "", SeverityHigh, true},
		{"malware_exec", "", SeverityHigh, true},
		{"command_execution", "ls -la", SeverityMedium, true},
		{"command_execution", "rm -rf /", SeverityHigh, true}, // destructive escalation
		{"command_execution", "dd if=/dev/zero of=/dev/sda", SeverityHigh, true},
		{"repeated_login_attempts", "", SeverityMedium, true},
		{"login_attempt", "", SeverityLow, true},
		{"port_probe", "", SeverityLow, true},
		{"cowrie.session.connect", "", "", false},
		{"", "", "", false},
	}

	for _, tc := range cases {
		sev, known := SeverityForHoneypotEvent(tc.eventID, tc.command)
		assert.Equalf(t, tc.known, known, "eventid=%q", tc.eventID)
		assert.Equalf(t, tc.want, sev, "eventid=%q command=%q", tc.eventID, tc.command)
	}
}

func TestThreatObserve(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	th := NewThreat("198.51.100.7", start)

	th.Observe("login_attempt", SeverityLow, start)
	assert.Equal(t, SeverityLow, th.Severity)
	assert.Equal(t, int64(1), th.Hits)

	later := start.Add(5 * time.Minute)
	th.Observe("login_success", SeverityHigh, later)
	assert.Equal(t, SeverityHigh, th.Severity, "severity only ratchets up")
	assert.Equal(t, later, th.LastSeen)
	assert.ElementsMatch(t, []string{"login_attempt", "login_success"}, th.EventKinds)

	// A weaker follow-up never lowers the severity or rewinds last_seen.
	th.Observe("login_attempt", SeverityLow, start)
	assert.Equal(t, SeverityHigh, th.Severity)
	assert.Equal(t, later, th.LastSeen)
	assert.Len(t, th.EventKinds, 2, "kinds accumulate as a set")
}

func TestThreatIdleSince(t *testing.T) {
	start := time.Now().Add(-25 * time.Hour)
	th := NewThreat("198.51.100.7", start)
	assert.True(t, th.IdleSince(time.Now(), 24*time.Hour))
	assert.False(t, th.IdleSince(time.Now(), 48*time.Hour))
}

func TestMitigationForThreat(t *testing.T) {
	t.Run("High severity denies permanently", func(t *testing.T) {
		rule, ok := MitigationForThreat(Threat{SourceIP: "198.51.100.7", Severity: SeverityHigh})
		require.True(t, ok)
		assert.Equal(t, ActionDeny, rule.Action)
		assert.Equal(t, PriorityDeny, rule.Priority)
		assert.True(t, rule.Permanent)
		assert.Equal(t, "mit-deny-198.51.100.7", rule.RuleID)
	})

	t.Run("Critical severity denies permanently", func(t *testing.T) {
		rule, ok := MitigationForThreat(Threat{SourceIP: "198.51.100.7", Severity: SeverityCritical})
		require.True(t, ok)
		assert.Equal(t, ActionDeny, rule.Action)
		assert.True(t, rule.Permanent)
	})

	t.Run("Medium severity redirects", func(t *testing.T) {
		rule, ok := MitigationForThreat(Threat{SourceIP: "198.51.100.7", Severity: SeverityMedium})
		require.True(t, ok)
		assert.Equal(t, ActionRedirect, rule.Action)
		assert.Equal(t, PriorityRedirect, rule.Priority)
		assert.False(t, rule.Permanent)
	})

	t.Run("Low severity monitors", func(t *testing.T) {
		rule, ok := MitigationForThreat(Threat{SourceIP: "198.51.100.7", Severity: SeverityLow})
		require.True(t, ok)
		assert.Equal(t, ActionMonitor, rule.Action)
		assert.Equal(t, PriorityMonitor, rule.Priority)
		assert.False(t, rule.Permanent)
	})

	t.Run("Unknown severity yields nothing", func(t *testing.T) {
		_, ok := MitigationForThreat(Threat{SourceIP: "198.51.100.7"})
		assert.False(t, ok)
	})
}

func TestMitigationSwitchRule(t *testing.T) {
	rule, ok := MitigationForThreat(Threat{SourceIP: "198.51.100.7", Severity: SeverityHigh})
	require.True(t, ok)

	sr := rule.SwitchRule()
	assert.Equal(t, rule.RuleID, sr.RuleID)
	assert.Equal(t, "198.51.100.7", sr.Match.SrcIP)
	assert.Empty(t, sr.Match.EthSrc, "mitigations match on src_ip, not device MAC")
	assert.Equal(t, ActionDeny, sr.Action)
	assert.Equal(t, PriorityDeny, sr.Priority)
}
