package deception

import (
	"context"
	"log/slog"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
)

// Mitigator turns threat updates into cross-device containment rules.
// It subscribes to ThreatUpdated and submits the derived rule to the
// decision point, which owns installation and deduplication. Rules are
// persisted first so a restart can reinstall them while their origin
// threat is still alive.
type Mitigator struct {
	svc       *Service
	store     ports.IdentityStore
	decisions ports.DecisionPoint
	bus       ports.EventBus
}

// NewMitigator wires the generator to the threat table it reads from.
func NewMitigator(svc *Service, store ports.IdentityStore, decisions ports.DecisionPoint, bus ports.EventBus) *Mitigator {
	return &Mitigator{svc: svc, store: store, decisions: decisions, bus: bus}
}

// Start consumes ThreatUpdated events until ctx ends.
func (m *Mitigator) Start(ctx context.Context) {
	events, cancel := m.bus.Subscribe(domain.TopicThreatUpdated)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				update, ok := ev.Payload.(domain.ThreatUpdated)
				if !ok {
					continue
				}
				m.Apply(ctx, update.SourceIP)
			}
		}
	}()
}

// Apply derives the mitigation for one threat source and submits it.
// A source whose severity escalated keeps its earlier, lower-priority
// rule installed alongside the new one; the switch resolves the
// conflict by priority.
func (m *Mitigator) Apply(ctx context.Context, srcIP string) {
	threat, ok := m.svc.Threat(srcIP)
	if !ok {
		// Aged out between publish and delivery.
		return
	}
	rule, ok := domain.MitigationForThreat(threat)
	if !ok {
		return
	}

	if err := m.store.SaveMitigationRule(ctx, rule); err != nil {
		slog.Error("Persisting mitigation failed", "rule_id", rule.RuleID, "error", err)
	}
	if err := m.decisions.SubmitMitigation(ctx, rule); err != nil {
		slog.Error("Submitting mitigation failed", "rule_id", rule.RuleID, "error", err)
		return
	}
	slog.Info("Mitigation submitted",
		"rule_id", rule.RuleID, "action", rule.Action, "src_ip", srcIP, "permanent", rule.Permanent)
}
