package ports

import (
	"context"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

// OnboardingService drives the device lifecycle from registration to an
// enforced least-privilege policy.
type OnboardingService interface {
	// RegisterPending queues a MAC for operator approval. deviceType
	// is advisory and may be empty; it feeds heartbeat expectations
	// after approval.
	RegisterPending(ctx context.Context, mac, suggestedID, deviceType, source string) (*domain.PendingDevice, error)
	// Approve issues a certificate, starts the profiling window and
	// installs the observation rule. key is a pending MAC or suggested ID.
	Approve(ctx context.Context, key, note string) (*domain.Device, error)
	// Reject drops the pending request, keeping a revoked record.
	Reject(ctx context.Context, key, note string) error
	// Revoke retires a device: certificate revoked, traffic quarantined.
	Revoke(ctx context.Context, deviceID, reason string) error
	// Finalize ends profiling now: builds the baseline, generates and
	// installs the least-privilege policy, and activates the device.
	Finalize(ctx context.Context, deviceID string) error
}

// DecisionPoint is the orchestrator's surface for other components:
// decision queries and mitigation submission.
type DecisionPoint interface {
	// Recompute re-evaluates the device's decision and applies any change.
	Recompute(ctx context.Context, deviceID string) error
	// CurrentDecision returns the last applied decision for the device.
	CurrentDecision(deviceID string) (domain.Decision, bool)
	// AllDecisions snapshots the last applied decision per device.
	AllDecisions() map[string]domain.Decision
	// SubmitMitigation installs a threat-derived rule. Resubmitting the
	// same rule ID is a no-op.
	SubmitMitigation(ctx context.Context, rule domain.MitigationRule) error
	// WithdrawMitigation removes a previously submitted rule.
	WithdrawMitigation(ctx context.Context, ruleID string) error
}

// ReportService assembles the posture report snapshot.
type ReportService interface {
	Build(ctx context.Context) (*domain.PostureReport, error)
}

// ReportExporter renders a posture report into a document.
type ReportExporter interface {
	Render(report *domain.PostureReport) ([]byte, error)
}

// StatusService reports operational counters for the status endpoint.
type StatusService interface {
	Status(ctx context.Context) (domain.SystemStatus, error)
}
