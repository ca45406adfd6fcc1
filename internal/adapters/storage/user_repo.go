package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
)

// Ensure interface compliance
var _ ports.UserRepository = (*SQLiteStore)(nil)

// Save creates or updates a user.
func (s *SQLiteStore) Save(ctx context.Context, user domain.User) error {
	return s.db.WithContext(ctx).Save(&user).Error
}

// GetByUsername retrieves a user by their username.
func (s *SQLiteStore) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	var user domain.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFound("user", username)
		}
		return nil, err
	}
	return &user, nil
}

// GetByID retrieves a user by their ID.
func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFound("user", id)
		}
		return nil, err
	}
	return &user, nil
}

// List returns all users.
func (s *SQLiteStore) List(ctx context.Context) ([]domain.User, error) {
	var users []domain.User
	if err := s.db.WithContext(ctx).Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}
