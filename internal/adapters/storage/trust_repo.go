package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

// AppendTrustEvent adds one row to the append-only trust ledger.
func (s *SQLiteStore) AppendTrustEvent(ctx context.Context, ev domain.TrustEvent) error {
	model := TrustEventModel{
		DeviceID:   ev.DeviceID,
		ScoreAfter: ev.ScoreAfter,
		Delta:      ev.Delta,
		Reason:     ev.Reason,
		Timestamp:  ev.Timestamp,
	}
	if model.Timestamp.IsZero() {
		model.Timestamp = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return &domain.StorageError{Op: "append trust event", Cause: err}
	}
	return nil
}

// CurrentTrust returns the most recent recorded score for the device.
func (s *SQLiteStore) CurrentTrust(ctx context.Context, deviceID string) (int, error) {
	var model TrustEventModel
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("id desc").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, domain.NewNotFound("trust score", deviceID)
		}
		return 0, &domain.StorageError{Op: "current trust", Cause: err}
	}
	return model.ScoreAfter, nil
}

// TrustHistory returns the most recent ledger rows, newest first.
func (s *SQLiteStore) TrustHistory(ctx context.Context, deviceID string, limit int) ([]domain.TrustEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []TrustEventModel
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("id desc").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, &domain.StorageError{Op: "trust history", Cause: err}
	}
	out := make([]domain.TrustEvent, len(models))
	for i, m := range models {
		out[i] = domain.TrustEvent{
			ID:         m.ID,
			DeviceID:   m.DeviceID,
			ScoreAfter: m.ScoreAfter,
			Delta:      m.Delta,
			Reason:     m.Reason,
			Timestamp:  m.Timestamp,
		}
	}
	return out, nil
}
