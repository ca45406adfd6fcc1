package switchctl

import (
	"fmt"
	"sort"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

// OpenFlow constants used in ofctl match maps.
const (
	ethTypeIPv4  = 0x0800
	ipProtoICMP  = 1
	ipProtoTCP   = 6
	ipProtoUDP   = 17
	portNormal   = "NORMAL"
	portControl  = "CONTROLLER"
	flowStatPath = "/stats/flow/%d"

	addFlowPath    = "/stats/flowentry/add"
	deleteFlowPath = "/stats/flowentry/delete_strict"
	switchesPath   = "/stats/switches"
)

// ofctlFlow is the JSON body for flowentry add/delete_strict requests.
type ofctlFlow struct {
	Dpid     int64                  `json:"dpid"`
	Priority int                    `json:"priority"`
	Match    map[string]interface{} `json:"match"`
	Actions  []ofctlAction          `json:"actions"`
}

// ofctlAction carries a numeric port or a reserved name like NORMAL.
type ofctlAction struct {
	Type string      `json:"type"`
	Port interface{} `json:"port,omitempty"`
}

// ofctlFlowStat is one row of a GET /stats/flow/{dpid} reply.
type ofctlFlowStat struct {
	Priority    int                    `json:"priority"`
	Match       map[string]interface{} `json:"match"`
	PacketCount int64                  `json:"packet_count"`
	ByteCount   int64                  `json:"byte_count"`
	DurationSec float64                `json:"duration_sec"`
}

// flowsFor translates a switch rule into ofctl flow entries, dpid left
// unset. A port match without a protocol expands to a TCP and a UDP
// entry under the same rule ID, so removals stay symmetric.
func flowsFor(rule domain.SwitchRule, honeypotPort int) ([]ofctlFlow, error) {
	actions, err := actionsFor(rule, honeypotPort)
	if err != nil {
		return nil, err
	}

	base := map[string]interface{}{}
	if rule.Match.EthSrc != "" {
		base["eth_src"] = domain.NormalizeMAC(rule.Match.EthSrc)
	}

	needsIP := rule.Match.SrcIP != "" || rule.Match.DstIP != "" ||
		rule.Match.Protocol != "" || rule.Match.DstPort != 0
	if !needsIP {
		return []ofctlFlow{{Priority: rule.Priority, Match: base, Actions: actions}}, nil
	}

	base["eth_type"] = ethTypeIPv4
	if rule.Match.SrcIP != "" {
		base["ipv4_src"] = rule.Match.SrcIP
	}
	if rule.Match.DstIP != "" {
		base["ipv4_dst"] = rule.Match.DstIP
	}

	switch rule.Match.Protocol {
	case "tcp":
		base["ip_proto"] = ipProtoTCP
		if rule.Match.DstPort != 0 {
			base["tcp_dst"] = rule.Match.DstPort
		}
	case "udp":
		base["ip_proto"] = ipProtoUDP
		if rule.Match.DstPort != 0 {
			base["udp_dst"] = rule.Match.DstPort
		}
	case "icmp":
		if rule.Match.DstPort != 0 {
			return nil, &domain.SwitchRuleError{RuleID: rule.RuleID, Reason: "port match requires tcp or udp"}
		}
		base["ip_proto"] = ipProtoICMP
	case "":
		if rule.Match.DstPort != 0 {
			// No protocol given: cover both transports.
			tcp := cloneMatch(base)
			tcp["ip_proto"] = ipProtoTCP
			tcp["tcp_dst"] = rule.Match.DstPort
			udp := cloneMatch(base)
			udp["ip_proto"] = ipProtoUDP
			udp["udp_dst"] = rule.Match.DstPort
			return []ofctlFlow{
				{Priority: rule.Priority, Match: tcp, Actions: actions},
				{Priority: rule.Priority, Match: udp, Actions: actions},
			}, nil
		}
	default:
		return nil, &domain.SwitchRuleError{
			RuleID: rule.RuleID,
			Reason: fmt.Sprintf("unsupported protocol %q", rule.Match.Protocol),
		}
	}

	return []ofctlFlow{{Priority: rule.Priority, Match: base, Actions: actions}}, nil
}

// actionsFor maps a rule action onto an ofctl action list. Deny is an
// empty list, which drops on any OpenFlow switch.
func actionsFor(rule domain.SwitchRule, honeypotPort int) ([]ofctlAction, error) {
	switch rule.Action {
	case domain.ActionDeny:
		return []ofctlAction{}, nil
	case domain.ActionAllow:
		return []ofctlAction{{Type: "OUTPUT", Port: portNormal}}, nil
	case domain.ActionMonitor:
		return []ofctlAction{
			{Type: "OUTPUT", Port: portNormal},
			{Type: "OUTPUT", Port: portControl},
		}, nil
	case domain.ActionRedirect:
		if honeypotPort <= 0 {
			return nil, &domain.SwitchRuleError{RuleID: rule.RuleID, Reason: "redirect requires a honeypot port"}
		}
		return []ofctlAction{{Type: "OUTPUT", Port: honeypotPort}}, nil
	default:
		return nil, &domain.SwitchRuleError{
			RuleID: rule.RuleID,
			Reason: fmt.Sprintf("unsupported action %q", rule.Action),
		}
	}
}

func cloneMatch(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// aggregateStats folds flow rows from every switch into per-MAC
// counters: packets and bytes sum, destinations and ports count
// distinct match values, the window is the longest flow lifetime.
func aggregateStats(rowsByDpid map[int64][]ofctlFlowStat) map[string]domain.FlowStats {
	type acc struct {
		packets   int64
		bytes     int64
		dstIPs    map[string]struct{}
		dstPorts  map[int]struct{}
		protocols map[string]struct{}
		window    float64
	}
	accs := make(map[string]*acc)

	for _, rows := range rowsByDpid {
		for _, row := range rows {
			mac, ok := row.Match["eth_src"].(string)
			if !ok || mac == "" {
				continue
			}
			mac = domain.NormalizeMAC(mac)
			a := accs[mac]
			if a == nil {
				a = &acc{
					dstIPs:    make(map[string]struct{}),
					dstPorts:  make(map[int]struct{}),
					protocols: make(map[string]struct{}),
				}
				accs[mac] = a
			}

			a.packets += row.PacketCount
			a.bytes += row.ByteCount
			if row.DurationSec > a.window {
				a.window = row.DurationSec
			}
			if ip, ok := row.Match["ipv4_dst"].(string); ok && ip != "" {
				a.dstIPs[ip] = struct{}{}
			}
			if port, ok := matchInt(row.Match, "tcp_dst"); ok {
				a.dstPorts[port] = struct{}{}
				a.protocols["tcp"] = struct{}{}
			}
			if port, ok := matchInt(row.Match, "udp_dst"); ok {
				a.dstPorts[port] = struct{}{}
				a.protocols["udp"] = struct{}{}
			}
			if proto, ok := matchInt(row.Match, "ip_proto"); ok {
				switch proto {
				case ipProtoTCP:
					a.protocols["tcp"] = struct{}{}
				case ipProtoUDP:
					a.protocols["udp"] = struct{}{}
				case ipProtoICMP:
					a.protocols["icmp"] = struct{}{}
				}
			}
		}
	}

	out := make(map[string]domain.FlowStats, len(accs))
	for mac, a := range accs {
		protocols := make([]string, 0, len(a.protocols))
		for p := range a.protocols {
			protocols = append(protocols, p)
		}
		sort.Strings(protocols)
		out[mac] = domain.FlowStats{
			Packets:        a.packets,
			Bytes:          a.bytes,
			UniqueDstIPs:   len(a.dstIPs),
			UniqueDstPorts: len(a.dstPorts),
			Protocols:      protocols,
			WindowSeconds:  a.window,
		}
	}
	return out
}

// matchInt pulls a numeric match field out of decoded JSON, where all
// numbers arrive as float64.
func matchInt(m map[string]interface{}, key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
