package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/medichat-api/internal/models"
)

// UserRepository resolves user display names.
type UserRepository interface {
	DisplayNames(ctx context.Context, ids []uint) (map[uint]string, error)
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository constructs a user repository backed by GORM.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) DisplayNames(ctx context.Context, ids []uint) (map[uint]string, error) {
	names := make(map[uint]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}

	var users []models.User
	if err := r.db.WithContext(ctx).Select("id", "full_name").Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, user := range users {
		names[user.ID] = user.FullName
	}
	return names, nil
}
