package models

import (
	"time"

	"gorm.io/datatypes"
)

// AppointmentStatus represents the lifecycle state of an appointment.
type AppointmentStatus string

const (
	AppointmentPending   AppointmentStatus = "pending"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentRejected  AppointmentStatus = "rejected"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentCompleted AppointmentStatus = "completed"
)

// Account roles allowed to take part in an appointment chat.
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
)

// User is a registered account. Only the fields the chat needs are mapped.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	FullName  string    `gorm:"size:255;not null" json:"full_name"`
	Email     string    `gorm:"size:255;uniqueIndex" json:"email"`
	Role      string    `gorm:"size:32;not null;default:patient" json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Doctor links a practitioner profile to its owning user account.
type Doctor struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	UserID         uint      `gorm:"uniqueIndex;not null" json:"user_id"`
	Specialization string    `gorm:"size:128" json:"specialization"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Appointment is a booking between a patient and a doctor. The scheduled
// date and time carry no zone and are read in the clinic's local time.
type Appointment struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	PatientID       uint              `gorm:"index;not null" json:"patient_id"`
	DoctorID        uint              `gorm:"index;not null" json:"doctor_id"`
	AppointmentDate datatypes.Date    `gorm:"not null" json:"appointment_date"`
	AppointmentTime datatypes.Time    `gorm:"not null" json:"appointment_time"`
	Status          AppointmentStatus `gorm:"size:20;not null;default:pending;index" json:"status"`
	Reason          string            `gorm:"type:text" json:"reason"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`

	Doctor Doctor `gorm:"foreignKey:DoctorID" json:"-"`
}

// ScheduledAt combines the stored date and time of day in loc.
func (a Appointment) ScheduledAt(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	year, month, day := time.Time(a.AppointmentDate).Date()
	offset := time.Duration(a.AppointmentTime)
	hour := int(offset / time.Hour)
	minute := int(offset % time.Hour / time.Minute)
	second := int(offset % time.Minute / time.Second)
	return time.Date(year, month, day, hour, minute, second, 0, loc)
}

// AppointmentSnapshot is the read-only view of an appointment the chat gate evaluates.
type AppointmentSnapshot struct {
	ID           uint
	PatientID    uint
	DoctorUserID uint
	ScheduledAt  time.Time
	Status       AppointmentStatus
}
