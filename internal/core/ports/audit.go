package ports

import (
	"context"
	"time"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

// DecisionAuditLog is the append-only record of applied access decisions.
type DecisionAuditLog interface {
	// RecordDecision persists a single decision change.
	RecordDecision(ctx context.Context, rec domain.DecisionRecord) error
	// ListDecisions retrieves records at or after since, oldest first,
	// capped at limit (0 means the implementation default).
	ListDecisions(ctx context.Context, since time.Time, limit int) ([]domain.DecisionRecord, error)
	// LatestPerDevice returns each device's most recent decision, used
	// to rebuild orchestrator state after a restart.
	LatestPerDevice(ctx context.Context) (map[string]domain.Decision, error)
	Close() error
}
