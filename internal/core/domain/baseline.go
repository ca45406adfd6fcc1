package domain

import (
	"errors"
	"time"
)

// Baseline tuning defaults.
const (
	// DefaultBaselineAlpha weights new observations in the EMA update.
	DefaultBaselineAlpha = 0.1

	// BaselineTopN caps the destination IP/port sets kept per device.
	BaselineTopN = 10
)

var ErrBaselineWithoutDevice = errors.New("baseline must reference a device")

// Baseline summarizes a device's normal traffic, established at the end
// of its profiling window. A baseline exists iff the device has left
// the profiling state.
type Baseline struct {
	DeviceID      string    `json:"device_id"`
	AvgPPS        float64   `json:"avg_pps"`
	AvgBPS        float64   `json:"avg_bps"`
	DstIPs        []string  `json:"dst_ips,omitempty"`
	DstPorts      []int     `json:"dst_ports,omitempty"`
	Protocols     []string  `json:"protocols,omitempty"`
	Sparse        bool      `json:"sparse"`
	PacketCount   int64     `json:"packet_count"`
	WindowSeconds float64   `json:"window_seconds"`
	FinalizedAt   time.Time `json:"finalized_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ObserveEMA folds a normal-traffic sample into the running averages
// using an exponential moving average. Callers only invoke this for
// windows in which no anomaly rule fired, so attack traffic is never
// learned.
func (b *Baseline) ObserveEMA(stats FlowStats, alpha float64) {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultBaselineAlpha
	}
	b.AvgPPS = (1-alpha)*b.AvgPPS + alpha*stats.PPS()
	b.AvgBPS = (1-alpha)*b.AvgBPS + alpha*stats.BPS()
	b.UpdatedAt = time.Now().UTC()
}

// Validate performs structural checks.
func (b *Baseline) Validate() error {
	if b.DeviceID == "" {
		return ErrBaselineWithoutDevice
	}
	if b.AvgPPS < 0 || b.AvgBPS < 0 {
		return errors.New("baseline rates cannot be negative")
	}
	if len(b.DstIPs) > BaselineTopN || len(b.DstPorts) > BaselineTopN {
		return errors.New("baseline destination sets exceed the top-N cap")
	}
	return nil
}
