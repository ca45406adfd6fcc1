package storage

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

// UpsertThreat stores or replaces the threat keyed by source IP.
func (s *SQLiteStore) UpsertThreat(ctx context.Context, t domain.Threat) error {
	if err := s.db.WithContext(ctx).Clauses(upsert).Create(threatToModel(t)).Error; err != nil {
		return &domain.StorageError{Op: "upsert threat", Cause: err}
	}
	return nil
}

// ListThreats returns the threat table, most recently active first.
func (s *SQLiteStore) ListThreats(ctx context.Context) ([]domain.Threat, error) {
	var models []ThreatModel
	if err := s.db.WithContext(ctx).Order("last_seen desc").Find(&models).Error; err != nil {
		return nil, &domain.StorageError{Op: "list threats", Cause: err}
	}
	out := make([]domain.Threat, len(models))
	for i, m := range models {
		out[i] = threatToDomain(m)
	}
	return out, nil
}

// DeleteThreatsIdleSince removes threats idle since before the cutoff
// and returns them so the caller can withdraw their mitigations.
func (s *SQLiteStore) DeleteThreatsIdleSince(ctx context.Context, cutoff time.Time) ([]domain.Threat, error) {
	var removed []domain.Threat
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []ThreatModel
		if err := tx.Where("last_seen < ?", cutoff).Find(&models).Error; err != nil {
			return &domain.StorageError{Op: "age threats", Cause: err}
		}
		if len(models) == 0 {
			return nil
		}
		if err := tx.Where("last_seen < ?", cutoff).Delete(&ThreatModel{}).Error; err != nil {
			return &domain.StorageError{Op: "age threats", Cause: err}
		}
		removed = make([]domain.Threat, len(models))
		for i, m := range models {
			removed[i] = threatToDomain(m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// SaveMitigationRule stores or replaces a threat-derived rule.
func (s *SQLiteStore) SaveMitigationRule(ctx context.Context, r domain.MitigationRule) error {
	if err := s.db.WithContext(ctx).Clauses(upsert).Create(mitigationToModel(r)).Error; err != nil {
		return &domain.StorageError{Op: "save mitigation", Cause: err}
	}
	return nil
}

// ListMitigationRules returns all stored mitigation rules.
func (s *SQLiteStore) ListMitigationRules(ctx context.Context) ([]domain.MitigationRule, error) {
	var models []MitigationModel
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&models).Error; err != nil {
		return nil, &domain.StorageError{Op: "list mitigations", Cause: err}
	}
	out := make([]domain.MitigationRule, len(models))
	for i, m := range models {
		out[i] = mitigationToDomain(m)
	}
	return out, nil
}

// DeleteMitigationRule removes a rule by ID. Unknown IDs are a no-op.
func (s *SQLiteStore) DeleteMitigationRule(ctx context.Context, ruleID string) error {
	if err := s.db.WithContext(ctx).Delete(&MitigationModel{}, "rule_id = ?", ruleID).Error; err != nil {
		return &domain.StorageError{Op: "delete mitigation", Cause: err}
	}
	return nil
}
