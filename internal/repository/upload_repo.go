package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/noah-isme/medichat-api/internal/models"
)

// UploadRepository persists metadata about uploaded chat images.
type UploadRepository interface {
	Create(ctx context.Context, record *models.UploadRecord) error
}

type uploadRepository struct {
	db *gorm.DB
}

// NewUploadRepository constructs a repository for upload records.
func NewUploadRepository(db *gorm.DB) UploadRepository {
	return &uploadRepository{db: db}
}

// Create stores the record for an image already written to storage.
func (r *uploadRepository) Create(ctx context.Context, record *models.UploadRecord) error {
	if record == nil || record.URL == "" {
		return fmt.Errorf("upload record requires a stored url")
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("store upload record: %w", err)
	}
	return nil
}
