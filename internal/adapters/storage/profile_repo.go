package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

// PutBaseline stores or replaces a device's behavioral baseline.
func (s *SQLiteStore) PutBaseline(ctx context.Context, b domain.Baseline) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Clauses(upsert).Create(baselineToModel(b)).Error; err != nil {
		return &domain.StorageError{Op: "put baseline", Cause: err}
	}
	return nil
}

// GetBaseline retrieves a device's baseline.
func (s *SQLiteStore) GetBaseline(ctx context.Context, deviceID string) (*domain.Baseline, error) {
	var model BaselineModel
	if err := s.db.WithContext(ctx).First(&model, "device_id = ?", deviceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFound("baseline", deviceID)
		}
		return nil, &domain.StorageError{Op: "get baseline", Cause: err}
	}
	return baselineToDomain(model), nil
}

// PutPolicy stores or replaces a device's policy. The default-deny
// invariant is enforced before anything reaches the disk.
func (s *SQLiteStore) PutPolicy(ctx context.Context, p domain.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Clauses(upsert).Create(policyToModel(p)).Error; err != nil {
		return &domain.StorageError{Op: "put policy", Cause: err}
	}
	return nil
}

// GetPolicy retrieves a device's stored policy.
func (s *SQLiteStore) GetPolicy(ctx context.Context, deviceID string) (*domain.Policy, error) {
	var model PolicyModel
	if err := s.db.WithContext(ctx).First(&model, "device_id = ?", deviceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFound("policy", deviceID)
		}
		return nil, &domain.StorageError{Op: "get policy", Cause: err}
	}
	return policyToDomain(model), nil
}
