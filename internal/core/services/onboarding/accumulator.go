package onboarding

import (
	"sort"
	"sync"
	"time"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

// maxTrackedKeys bounds the distinct destination IPs and ports kept per
// profiling device. Once a set is full, new keys are counted as overflow
// but not tracked; packet and byte totals keep accumulating.
const maxTrackedKeys = 1024

// ProfileAccumulator collects per-packet observations for one device
// during its profiling window. Safe for concurrent use: the packet-in
// callback feeds it while the finalizer drains it.
type ProfileAccumulator struct {
	mu        sync.Mutex
	packets   int64
	bytes     int64
	dstIPs    map[string]int64
	dstPorts  map[int]int64
	protocols map[string]struct{}
	overflow  int64
	firstAt   time.Time
	lastAt    time.Time
}

func newAccumulator() *ProfileAccumulator {
	return &ProfileAccumulator{
		dstIPs:    make(map[string]int64),
		dstPorts:  make(map[int]int64),
		protocols: make(map[string]struct{}),
	}
}

// Observe folds one mirrored packet into the running sets and counters.
func (a *ProfileAccumulator) Observe(obs domain.PacketObservation) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.packets++
	a.bytes += int64(obs.Size)

	at := obs.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if a.firstAt.IsZero() || at.Before(a.firstAt) {
		a.firstAt = at
	}
	if at.After(a.lastAt) {
		a.lastAt = at
	}

	if obs.DstIP != "" {
		if _, ok := a.dstIPs[obs.DstIP]; ok || len(a.dstIPs) < maxTrackedKeys {
			a.dstIPs[obs.DstIP]++
		} else {
			a.overflow++
		}
	}
	if obs.DstPort > 0 {
		if _, ok := a.dstPorts[obs.DstPort]; ok || len(a.dstPorts) < maxTrackedKeys {
			a.dstPorts[obs.DstPort]++
		} else {
			a.overflow++
		}
	}
	if obs.Protocol != "" {
		a.protocols[obs.Protocol] = struct{}{}
	}
}

// Packets returns the number of observations folded in so far.
func (a *ProfileAccumulator) Packets() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.packets
}

// Build computes the baseline from everything observed. window is the
// elapsed profiling time used for the rate averages; baselines with
// fewer than minPackets observations are marked sparse.
func (a *ProfileAccumulator) Build(deviceID string, window time.Duration, minPackets int) domain.Baseline {
	a.mu.Lock()
	defer a.mu.Unlock()

	secs := window.Seconds()
	if secs <= 0 {
		secs = 1
	}

	b := domain.Baseline{
		DeviceID:      deviceID,
		AvgPPS:        float64(a.packets) / secs,
		AvgBPS:        float64(a.bytes) / secs,
		DstIPs:        topIPs(a.dstIPs, domain.BaselineTopN),
		DstPorts:      topPorts(a.dstPorts, domain.BaselineTopN),
		Protocols:     sortedKeys(a.protocols),
		Sparse:        a.packets < int64(minPackets),
		PacketCount:   a.packets,
		WindowSeconds: secs,
		FinalizedAt:   time.Now().UTC(),
	}
	b.UpdatedAt = b.FinalizedAt
	return b
}

// topIPs returns the n most frequent destination IPs, most frequent
// first, ties broken lexically so the result is deterministic.
func topIPs(counts map[string]int64, n int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

func topPorts(counts map[int]int64, n int) []int {
	keys := make([]int, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
