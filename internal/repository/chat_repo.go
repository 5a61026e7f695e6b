package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/noah-isme/medichat-api/internal/models"
)

var (
	// ErrEmptyChatMessage indicates a message with neither text nor an image.
	ErrEmptyChatMessage = errors.New("chat message requires text or an image")
	// ErrChatStoreUnavailable wraps any failure of the underlying chat storage.
	ErrChatStoreUnavailable = errors.New("chat store unavailable")
)

// ChatRepository is the append-only message log for appointment chats.
type ChatRepository interface {
	Append(ctx context.Context, message *models.AppointmentChat) error
	History(ctx context.Context, appointmentID uint) ([]models.AppointmentChat, error)
}

type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository constructs a chat repository backed by GORM.
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

// Append persists the message with the CreatedAt assigned by the caller.
func (r *chatRepository) Append(ctx context.Context, message *models.AppointmentChat) error {
	if message == nil || !message.HasContent() {
		return ErrEmptyChatMessage
	}
	if message.AppointmentID == 0 || message.UserID == 0 {
		return fmt.Errorf("appointment and author are required: %w", ErrEmptyChatMessage)
	}

	if err := r.db.WithContext(ctx).Create(message).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrChatStoreUnavailable, err)
	}
	return nil
}

// History returns the full log of an appointment oldest first.
func (r *chatRepository) History(ctx context.Context, appointmentID uint) ([]models.AppointmentChat, error) {
	messages := make([]models.AppointmentChat, 0)
	err := r.db.WithContext(ctx).
		Where("appointment_id = ?", appointmentID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChatStoreUnavailable, err)
	}
	return messages, nil
}
