package ports

import (
	"context"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

// TrustScorer owns the per-device trust score ledger.
type TrustScorer interface {
	// Initialize sets a device's score to the configured initial value.
	// Calling it again for the same device is a no-op.
	Initialize(ctx context.Context, deviceID string) error
	// Adjust applies a signed delta, clamped to [0,100], records the
	// event, and publishes threshold crossings. Returns the new score.
	Adjust(ctx context.Context, deviceID string, delta int, reason string) (int, error)
	// RecordAlert applies the delta the (kind, severity) table dictates.
	RecordAlert(ctx context.Context, deviceID string, kind domain.ScoreEventKind, severity domain.AlertSeverity) (int, error)
	// RecordAttestationFailure applies the fixed attestation penalty.
	RecordAttestationFailure(ctx context.Context, deviceID string, reason string) (int, error)
	// Get returns the current score. Unknown devices are ErrNotFound.
	Get(ctx context.Context, deviceID string) (int, error)
	// AllScores snapshots every tracked device's current score.
	AllScores() map[string]int
}
