package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/medichat-api/internal/models"
)

// Realtime chat event names.
const (
	EventJoinAppointmentChat = "joinAppointmentChat"
	EventAppointmentMessage  = "appointmentMessage"
	EventChatHistory         = "chatHistory"
	EventChatError           = "chatError"
	EventChatClosed          = "chatClosed"
)

// ChatInboundEnvelope is a frame received from a chat client.
type ChatInboundEnvelope struct {
	Event string          `json:"event" validate:"required,oneof=joinAppointmentChat appointmentMessage"`
	Data  json.RawMessage `json:"data"`
}

// ChatOutboundEvent is a frame sent to a chat client.
type ChatOutboundEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// ChatJoinRequest asks to enter an appointment's chat room.
type ChatJoinRequest struct {
	AppointmentID uint `json:"appointmentId" validate:"required"`
	UserID        uint `json:"userId"`
}

// ChatPostRequest carries a new message for the joined room.
type ChatPostRequest struct {
	AppointmentID uint   `json:"appointmentId"`
	UserID        uint   `json:"userId"`
	Message       string `json:"message" validate:"max=4000"`
	ImagePath     string `json:"imagePath" validate:"omitempty,max=512"`
}

// ChatMessageResponse is the serialized representation of a chat message.
type ChatMessageResponse struct {
	ID                uint      `json:"id"`
	AppointmentID     uint      `json:"appointmentId"`
	UserID            uint      `json:"userId"`
	Message           string    `json:"message"`
	ImagePath         *string   `json:"imagePath"`
	CreatedAt         time.Time `json:"createdAt"`
	AuthorDisplayName string    `json:"authorDisplayName"`
}

// NewChatMessageResponse converts a model into a DTO.
func NewChatMessageResponse(message models.AppointmentChat, authorName string) ChatMessageResponse {
	return ChatMessageResponse{
		ID:                message.ID,
		AppointmentID:     message.AppointmentID,
		UserID:            message.UserID,
		Message:           message.Message,
		ImagePath:         message.ImagePath,
		CreatedAt:         message.CreatedAt,
		AuthorDisplayName: authorName,
	}
}

// NewChatMessageResponseSlice converts a slice of models into DTOs using the resolved names.
func NewChatMessageResponseSlice(messages []models.AppointmentChat, names map[uint]string) []ChatMessageResponse {
	out := make([]ChatMessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewChatMessageResponse(message, names[message.UserID]))
	}
	return out
}
