// Package ports declares the interfaces between the core services and
// the adapters that implement them. Services depend on these types only;
// concrete implementations assert compliance with var _ checks.
package ports

import (
	"context"
	"time"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

// IdentityStore is the persistence boundary for device identity, trust
// history, baselines, policies, threats and mitigation rules. Writes
// that span several rows are transactional; concurrent writers to the
// same device are serialized by the implementation.
type IdentityStore interface {
	// RegisterPending queues a device for approval. Returns
	// ErrDuplicateMAC if the MAC belongs to a non-revoked device or is
	// already pending.
	RegisterPending(ctx context.Context, pending domain.PendingDevice) error
	// ListPending returns the approval queue, oldest first.
	ListPending(ctx context.Context) ([]domain.PendingDevice, error)
	// GetPending looks up a pending row by MAC or suggested ID.
	GetPending(ctx context.Context, key string) (*domain.PendingDevice, error)
	// ApprovePending promotes a pending row into a device in one
	// transaction: inserts the device, deletes the pending row and
	// appends a history entry.
	ApprovePending(ctx context.Context, mac string, device domain.Device) error
	// RejectPending removes the pending row and records a revoked
	// device for audit trail purposes.
	RejectPending(ctx context.Context, mac string, note string) (*domain.Device, error)

	GetDevice(ctx context.Context, deviceID string) (*domain.Device, error)
	GetDeviceByMAC(ctx context.Context, mac string) (*domain.Device, error)
	// ListDevices filters by status; the zero value returns everything.
	ListDevices(ctx context.Context, status domain.DeviceStatus) ([]domain.Device, error)
	UpdateDevice(ctx context.Context, device domain.Device) error
	// SetStatus enforces the lifecycle edges; an illegal transition
	// returns ConflictError. A history entry is appended in the same
	// transaction.
	SetStatus(ctx context.Context, deviceID string, status domain.DeviceStatus, note string) (*domain.Device, error)
	SetLastSeen(ctx context.Context, deviceID string, at time.Time) error
	DeviceHistory(ctx context.Context, deviceID string, limit int) ([]domain.HistoryEntry, error)

	PutBaseline(ctx context.Context, b domain.Baseline) error
	GetBaseline(ctx context.Context, deviceID string) (*domain.Baseline, error)

	PutPolicy(ctx context.Context, p domain.Policy) error
	GetPolicy(ctx context.Context, deviceID string) (*domain.Policy, error)

	AppendTrustEvent(ctx context.Context, ev domain.TrustEvent) error
	// CurrentTrust returns the most recent recorded score, or
	// ErrNotFound when the device has no trust history.
	CurrentTrust(ctx context.Context, deviceID string) (int, error)
	TrustHistory(ctx context.Context, deviceID string, limit int) ([]domain.TrustEvent, error)

	UpsertThreat(ctx context.Context, t domain.Threat) error
	ListThreats(ctx context.Context) ([]domain.Threat, error)
	// DeleteThreatsIdleSince removes threats whose last_seen is before
	// the cutoff and returns them so callers can withdraw mitigations.
	DeleteThreatsIdleSince(ctx context.Context, cutoff time.Time) ([]domain.Threat, error)

	SaveMitigationRule(ctx context.Context, r domain.MitigationRule) error
	ListMitigationRules(ctx context.Context) ([]domain.MitigationRule, error)
	DeleteMitigationRule(ctx context.Context, ruleID string) error

	Close() error
}
