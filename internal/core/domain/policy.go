package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Rule priorities used across the core. Higher wins on the switch.
const (
	PriorityDefaultDeny = 0
	PriorityMonitor     = 100
	PriorityDeviceAllow = 100
	PriorityRedirect    = 150
	PriorityDeny        = 200
	PriorityQuarantine  = 65535
)

// Domain Errors for Policies
var (
	ErrEmptyPolicy       = errors.New("policy must contain at least one rule")
	ErrNoDefaultDeny     = errors.New("policy must end with a default deny at priority 0")
	ErrInvalidRuleAction = errors.New("invalid rule action")
)

// RuleAction is the verdict a rule applies to matching traffic.
type RuleAction string

const (
	ActionAllow    RuleAction = "allow"
	ActionDeny     RuleAction = "deny"
	ActionRedirect RuleAction = "redirect"
	ActionMonitor  RuleAction = "monitor"
)

// IsValid checks if the action is recognized.
func (a RuleAction) IsValid() bool {
	switch a {
	case ActionAllow, ActionDeny, ActionRedirect, ActionMonitor:
		return true
	}
	return false
}

// Rank orders actions for conflict resolution at equal priority:
// deny > redirect > monitor > allow.
func (a RuleAction) Rank() int {
	switch a {
	case ActionDeny:
		return 4
	case ActionRedirect:
		return 3
	case ActionMonitor:
		return 2
	case ActionAllow:
		return 1
	}
	return 0
}

// RuleMatch is the predicate of a forwarding rule. Zero-valued fields
// are wildcards.
type RuleMatch struct {
	EthSrc   string `json:"eth_src,omitempty"`
	SrcIP    string `json:"src_ip,omitempty"`
	DstIP    string `json:"dst_ip,omitempty"`
	DstPort  int    `json:"dst_port,omitempty"`
	Protocol string `json:"protocol,omitempty"`
}

// IsZero reports whether the match is a catch-all.
func (m RuleMatch) IsZero() bool {
	return m == RuleMatch{}
}

// PolicyRule binds a match predicate to an action at a priority.
type PolicyRule struct {
	Match    RuleMatch  `json:"match"`
	Action   RuleAction `json:"action"`
	Priority int        `json:"priority"`
}

// Validate checks the rule's fields.
func (r PolicyRule) Validate() error {
	if !r.Action.IsValid() {
		return ErrInvalidRuleAction
	}
	if r.Match.DstPort != 0 && !IsValidPort(r.Match.DstPort) {
		return fmt.Errorf("rule dst_port %d out of range", r.Match.DstPort)
	}
	if r.Match.DstIP != "" && !IsValidIPv4(r.Match.DstIP) {
		return fmt.Errorf("rule dst_ip %q not a valid IPv4 address", r.Match.DstIP)
	}
	if r.Match.SrcIP != "" && !IsValidIPv4(r.Match.SrcIP) {
		return fmt.Errorf("rule src_ip %q not a valid IPv4 address", r.Match.SrcIP)
	}
	return nil
}

// Policy is a per-device ordered rule list with a terminal default deny.
type Policy struct {
	DeviceID    string       `json:"device_id"`
	Rules       []PolicyRule `json:"rules"`
	Revision    int          `json:"revision"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// Normalize sorts rules by descending priority (action rank breaks
// ties) and appends the default deny if missing.
func (p *Policy) Normalize() {
	sort.SliceStable(p.Rules, func(i, j int) bool {
		if p.Rules[i].Priority != p.Rules[j].Priority {
			return p.Rules[i].Priority > p.Rules[j].Priority
		}
		return p.Rules[i].Action.Rank() > p.Rules[j].Action.Rank()
	})

	n := len(p.Rules)
	if n == 0 || p.Rules[n-1].Action != ActionDeny || p.Rules[n-1].Priority != PriorityDefaultDeny || !p.Rules[n-1].Match.IsZero() {
		p.Rules = append(p.Rules, PolicyRule{Action: ActionDeny, Priority: PriorityDefaultDeny})
	}
}

// Validate checks every rule and the default-deny invariant.
func (p *Policy) Validate() error {
	if len(p.Rules) == 0 {
		return ErrEmptyPolicy
	}
	for _, r := range p.Rules {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	last := p.Rules[len(p.Rules)-1]
	if last.Action != ActionDeny || last.Priority != PriorityDefaultDeny || !last.Match.IsZero() {
		return ErrNoDefaultDeny
	}
	return nil
}

// SwitchRule is the unit of installation on the switch: a match/action
// pair bound to a stable rule ID so installs deduplicate and removals
// target exactly one flow entry.
type SwitchRule struct {
	RuleID   string     `json:"rule_id"`
	DeviceID string     `json:"device_id,omitempty"`
	Match    RuleMatch  `json:"match"`
	Action   RuleAction `json:"action"`
	Priority int        `json:"priority"`
}

// SwitchRules binds the policy to the device's MAC for installation:
// every rule gains an eth_src match and a deterministic positional ID.
func (p *Policy) SwitchRules(mac string) []SwitchRule {
	out := make([]SwitchRule, 0, len(p.Rules))
	for i, r := range p.Rules {
		m := r.Match
		m.EthSrc = mac
		out = append(out, SwitchRule{
			RuleID:   fmt.Sprintf("dev-%s-%d", p.DeviceID, i),
			DeviceID: p.DeviceID,
			Match:    m,
			Action:   r.Action,
			Priority: r.Priority,
		})
	}
	return out
}

// ObserveRule forwards the device's traffic normally while mirroring it
// to the controller, used during the profiling window.
func ObserveRule(deviceID, mac string) SwitchRule {
	return SwitchRule{
		RuleID:   fmt.Sprintf("dev-%s-observe", deviceID),
		DeviceID: deviceID,
		Match:    RuleMatch{EthSrc: mac},
		Action:   ActionMonitor,
		Priority: PriorityDeviceAllow,
	}
}

// RedirectAllRule steers all of the device's traffic to the honeypot.
func RedirectAllRule(deviceID, mac string) SwitchRule {
	return SwitchRule{
		RuleID:   fmt.Sprintf("dev-%s-redirect", deviceID),
		DeviceID: deviceID,
		Match:    RuleMatch{EthSrc: mac},
		Action:   ActionRedirect,
		Priority: PriorityRedirect,
	}
}

// DenyAllRule drops all of the device's traffic.
func DenyAllRule(deviceID, mac string) SwitchRule {
	return SwitchRule{
		RuleID:   fmt.Sprintf("dev-%s-deny", deviceID),
		DeviceID: deviceID,
		Match:    RuleMatch{EthSrc: mac},
		Action:   ActionDeny,
		Priority: PriorityDeny,
	}
}

// QuarantineRule drops all of the device's traffic above every other
// priority in the system.
func QuarantineRule(deviceID, mac string) SwitchRule {
	return SwitchRule{
		RuleID:   fmt.Sprintf("dev-%s-quarantine", deviceID),
		DeviceID: deviceID,
		Match:    RuleMatch{EthSrc: mac},
		Action:   ActionDeny,
		Priority: PriorityQuarantine,
	}
}

// BuildLeastPrivilegePolicy derives the initial policy from a freshly
// finalized baseline: one allow per observed destination IP and one per
// observed destination port, all at the device-allow priority, closed
// by the default deny.
func BuildLeastPrivilegePolicy(deviceID string, b Baseline) Policy {
	p := Policy{
		DeviceID:    deviceID,
		Revision:    1,
		GeneratedAt: time.Now().UTC(),
	}
	for _, ip := range b.DstIPs {
		p.Rules = append(p.Rules, PolicyRule{
			Match:    RuleMatch{DstIP: ip},
			Action:   ActionAllow,
			Priority: PriorityDeviceAllow,
		})
	}
	for _, port := range b.DstPorts {
		p.Rules = append(p.Rules, PolicyRule{
			Match:    RuleMatch{DstPort: port},
			Action:   ActionAllow,
			Priority: PriorityDeviceAllow,
		})
	}
	p.Normalize()
	return p
}
