package models

import "time"

// AppointmentChat is one persisted message in an appointment's chat log.
// CreatedAt keeps microseconds so the stored stamp equals the broadcast one.
type AppointmentChat struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	AppointmentID uint      `gorm:"not null;index:idx_appointment_chat_timeline,priority:1" json:"appointment_id"`
	UserID        uint      `gorm:"not null;index" json:"user_id"`
	Message       string    `gorm:"type:text" json:"message"`
	ImagePath     *string   `gorm:"size:512" json:"image_path"`
	CreatedAt     time.Time `gorm:"precision:6;not null;index:idx_appointment_chat_timeline,priority:2" json:"created_at"`
}

// TableName keeps the table name used by the rest of the application.
func (AppointmentChat) TableName() string {
	return "appointment_chat"
}

// HasContent reports whether the message carries text or an image.
func (m AppointmentChat) HasContent() bool {
	return m.Message != "" || (m.ImagePath != nil && *m.ImagePath != "")
}
