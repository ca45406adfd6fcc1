package ports

import (
	"context"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

// PacketObservationFunc receives packets mirrored from the switch.
type PacketObservationFunc func(obs domain.PacketObservation)

// SwitchController programs the forwarding plane. Implementations keep
// rule installs idempotent per rule ID and surface ErrSwitchUnavailable
// once the controller is unreachable beyond their tolerance.
type SwitchController interface {
	// InstallRule writes the rule to the switch. Reinstalling the same
	// rule ID replaces the previous flow entry.
	InstallRule(ctx context.Context, rule domain.SwitchRule) error
	// RemoveRule deletes the flow entry installed under the rule ID.
	// Removing an unknown ID is a no-op.
	RemoveRule(ctx context.Context, ruleID string) error
	// InstalledRules returns the rules installed through this controller.
	InstalledRules(ctx context.Context) ([]domain.SwitchRule, error)
	// FlowStats returns cumulative per-MAC counters aggregated across
	// all switches.
	FlowStats(ctx context.Context) (map[string]domain.FlowStats, error)
	// OnPacketIn registers the callback invoked for every mirrored
	// packet. Only one callback is active at a time.
	OnPacketIn(fn PacketObservationFunc)
	// Healthy reports whether the controller connection is usable.
	Healthy() bool
	Close() error
}
