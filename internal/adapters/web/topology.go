package web

import (
	"context"
	"sort"
	"time"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
)

// staleAfter is how long a device may go unseen before the topology
// stops showing it as connected.
const staleAfter = 2 * time.Minute

// BuildTopology assembles the per-device network view: identity,
// lifecycle status, last applied decision and current trust. Revoked
// devices stay listed but are never shown as connected.
func BuildTopology(ctx context.Context, store ports.IdentityStore, trust ports.TrustScorer, decisions ports.DecisionPoint) ([]domain.TopologyEntry, error) {
	devices, err := store.ListDevices(ctx, "")
	if err != nil {
		return nil, err
	}

	scores := trust.AllScores()
	applied := decisions.AllDecisions()

	entries := make([]domain.TopologyEntry, 0, len(devices))
	for _, dev := range devices {
		score, ok := scores[dev.DeviceID]
		if !ok {
			score = domain.TrustInitial
		}
		entry := domain.TopologyEntry{
			DeviceID:  dev.DeviceID,
			MAC:       dev.MAC,
			Status:    dev.Status,
			LastSeen:  dev.LastSeen,
			Trust:     score,
			Connected: connected(dev),
		}
		if d, ok := applied[dev.DeviceID]; ok {
			entry.Decision = d
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].DeviceID < entries[j].DeviceID })
	return entries, nil
}

func connected(dev domain.Device) bool {
	if dev.Status == domain.StatusRevoked {
		return false
	}
	return !dev.LastSeen.IsZero() && time.Since(dev.LastSeen) < staleAfter
}
