package domain

import (
	"fmt"
	"time"
)

// MitigationRule is a cross-device forwarding rule derived from threat
// intelligence. Permanent rules survive restarts; non-permanent rules
// expire with their origin threat.
type MitigationRule struct {
	RuleID       string     `json:"rule_id"`
	SourceIP     string     `json:"source_ip"`
	Action       RuleAction `json:"action"`
	Priority     int        `json:"priority"`
	Reason       string     `json:"reason"`
	OriginThreat string     `json:"origin_threat"`
	Permanent    bool       `json:"permanent"`
	CreatedAt    time.Time  `json:"created_at"`
}

// MitigationForThreat maps a threat's severity onto a rule:
// high/critical deny permanently, medium redirects to the honeypot,
// low only monitors. The rule ID is deterministic per (action, ip) so
// replayed threats deduplicate naturally.
func MitigationForThreat(t Threat) (MitigationRule, bool) {
	rule := MitigationRule{
		SourceIP:     t.SourceIP,
		OriginThreat: t.SourceIP,
		Reason:       fmt.Sprintf("honeypot threat severity=%s hits=%d", t.Severity, t.Hits),
		CreatedAt:    time.Now().UTC(),
	}

	switch t.Severity {
	case SeverityHigh, SeverityCritical:
		rule.Action = ActionDeny
		rule.Priority = PriorityDeny
		rule.Permanent = true
	case SeverityMedium:
		rule.Action = ActionRedirect
		rule.Priority = PriorityRedirect
	case SeverityLow:
		rule.Action = ActionMonitor
		rule.Priority = PriorityMonitor
	default:
		return MitigationRule{}, false
	}

	rule.RuleID = fmt.Sprintf("mit-%s-%s", rule.Action, t.SourceIP)
	return rule, true
}

// SwitchRule translates the mitigation into its installable form. The
// match is on source IP only, so it applies across devices.
func (r MitigationRule) SwitchRule() SwitchRule {
	return SwitchRule{
		RuleID:   r.RuleID,
		Match:    RuleMatch{SrcIP: r.SourceIP},
		Action:   r.Action,
		Priority: r.Priority,
	}
}
