package domain

import "time"

// FlowStats aggregates per-device traffic counters over a window.
type FlowStats struct {
	Packets        int64    `json:"packets"`
	Bytes          int64    `json:"bytes"`
	UniqueDstIPs   int      `json:"unique_dst_ips"`
	UniqueDstPorts int      `json:"unique_dst_ports"`
	Protocols      []string `json:"protocols,omitempty"`
	WindowSeconds  float64  `json:"window_seconds"`
}

// PPS returns packets per second over the sample window.
func (s FlowStats) PPS() float64 {
	if s.WindowSeconds <= 0 {
		return 0
	}
	return float64(s.Packets) / s.WindowSeconds
}

// BPS returns bytes per second over the sample window.
func (s FlowStats) BPS() float64 {
	if s.WindowSeconds <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.WindowSeconds
}

// IsZero reports whether the window carried no traffic.
func (s FlowStats) IsZero() bool {
	return s.Packets == 0 && s.Bytes == 0
}

// FlowSample is one polling observation for a device.
type FlowSample struct {
	DeviceID string    `json:"device_id"`
	MAC      string    `json:"mac"`
	Stats    FlowStats `json:"stats"`
	At       time.Time `json:"at"`
}

// PacketObservation is the per-packet ingress contract from the switch,
// consumed during the profiling window and for MAC-to-IP tracking.
type PacketObservation struct {
	MAC      string    `json:"mac"`
	SrcIP    string    `json:"src_ip,omitempty"`
	DstIP    string    `json:"dst_ip,omitempty"`
	DstPort  int       `json:"dst_port,omitempty"`
	SrcPort  int       `json:"src_port,omitempty"`
	Protocol string    `json:"protocol,omitempty"`
	Size     int       `json:"size"`
	At       time.Time `json:"at"`
}
