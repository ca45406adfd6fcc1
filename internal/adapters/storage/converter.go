package storage

import (
	"encoding/json"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

// deviceToModel converts a domain entity to its database row.
func deviceToModel(d domain.Device) *DeviceModel {
	return &DeviceModel{
		DeviceID:           d.DeviceID,
		MAC:                d.MAC,
		Type:               d.Type,
		Fingerprint:        d.Fingerprint,
		CertSerial:         d.CertSerial,
		Status:             string(d.Status),
		OnboardedAt:        d.OnboardedAt,
		LastSeen:           d.LastSeen,
		ProfilingStartedAt: d.ProfilingStartedAt,
		ProfilingEndsAt:    d.ProfilingEndsAt,
		Note:               d.Note,
	}
}

// deviceToDomain converts a database row to the domain entity.
func deviceToDomain(m DeviceModel) *domain.Device {
	return &domain.Device{
		DeviceID:           m.DeviceID,
		MAC:                m.MAC,
		Type:               m.Type,
		Fingerprint:        m.Fingerprint,
		CertSerial:         m.CertSerial,
		Status:             domain.DeviceStatus(m.Status),
		OnboardedAt:        m.OnboardedAt,
		LastSeen:           m.LastSeen,
		ProfilingStartedAt: m.ProfilingStartedAt,
		ProfilingEndsAt:    m.ProfilingEndsAt,
		Note:               m.Note,
	}
}

func pendingToModel(p domain.PendingDevice) *PendingModel {
	return &PendingModel{
		MAC:         p.MAC,
		SuggestedID: p.SuggestedID,
		Type:        p.Type,
		Source:      p.Source,
		RequestedAt: p.RequestedAt,
	}
}

func pendingToDomain(m PendingModel) domain.PendingDevice {
	return domain.PendingDevice{
		MAC:         m.MAC,
		SuggestedID: m.SuggestedID,
		Type:        m.Type,
		Source:      m.Source,
		RequestedAt: m.RequestedAt,
	}
}

func baselineToModel(b domain.Baseline) *BaselineModel {
	return &BaselineModel{
		DeviceID:      b.DeviceID,
		AvgPPS:        b.AvgPPS,
		AvgBPS:        b.AvgBPS,
		DstIPs:        encodeJSON(b.DstIPs),
		DstPorts:      encodeJSON(b.DstPorts),
		Protocols:     encodeJSON(b.Protocols),
		Sparse:        b.Sparse,
		PacketCount:   b.PacketCount,
		WindowSeconds: b.WindowSeconds,
		FinalizedAt:   b.FinalizedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

func baselineToDomain(m BaselineModel) *domain.Baseline {
	b := &domain.Baseline{
		DeviceID:      m.DeviceID,
		AvgPPS:        m.AvgPPS,
		AvgBPS:        m.AvgBPS,
		Sparse:        m.Sparse,
		PacketCount:   m.PacketCount,
		WindowSeconds: m.WindowSeconds,
		FinalizedAt:   m.FinalizedAt,
		UpdatedAt:     m.UpdatedAt,
	}
	decodeJSON(m.DstIPs, &b.DstIPs)
	decodeJSON(m.DstPorts, &b.DstPorts)
	decodeJSON(m.Protocols, &b.Protocols)
	return b
}

func policyToModel(p domain.Policy) *PolicyModel {
	return &PolicyModel{
		DeviceID:    p.DeviceID,
		Rules:       encodeJSON(p.Rules),
		Revision:    p.Revision,
		GeneratedAt: p.GeneratedAt,
	}
}

func policyToDomain(m PolicyModel) *domain.Policy {
	p := &domain.Policy{
		DeviceID:    m.DeviceID,
		Revision:    m.Revision,
		GeneratedAt: m.GeneratedAt,
	}
	decodeJSON(m.Rules, &p.Rules)
	return p
}

func threatToModel(t domain.Threat) *ThreatModel {
	return &ThreatModel{
		SourceIP:   t.SourceIP,
		FirstSeen:  t.FirstSeen,
		LastSeen:   t.LastSeen,
		EventKinds: encodeJSON(t.EventKinds),
		Severity:   string(t.Severity),
		Hits:       t.Hits,
	}
}

func threatToDomain(m ThreatModel) domain.Threat {
	t := domain.Threat{
		SourceIP:  m.SourceIP,
		FirstSeen: m.FirstSeen,
		LastSeen:  m.LastSeen,
		Severity:  domain.AlertSeverity(m.Severity),
		Hits:      m.Hits,
	}
	decodeJSON(m.EventKinds, &t.EventKinds)
	return t
}

func mitigationToModel(r domain.MitigationRule) *MitigationModel {
	return &MitigationModel{
		RuleID:       r.RuleID,
		SourceIP:     r.SourceIP,
		Action:       string(r.Action),
		Priority:     r.Priority,
		Reason:       r.Reason,
		OriginThreat: r.OriginThreat,
		Permanent:    r.Permanent,
		CreatedAt:    r.CreatedAt,
	}
}

func mitigationToDomain(m MitigationModel) domain.MitigationRule {
	return domain.MitigationRule{
		RuleID:       m.RuleID,
		SourceIP:     m.SourceIP,
		Action:       domain.RuleAction(m.Action),
		Priority:     m.Priority,
		Reason:       m.Reason,
		OriginThreat: m.OriginThreat,
		Permanent:    m.Permanent,
		CreatedAt:    m.CreatedAt,
	}
}

func encodeJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeJSON(data string, v interface{}) {
	if data == "" {
		return
	}
	_ = json.Unmarshal([]byte(data), v)
}
