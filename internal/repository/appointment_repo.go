package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/medichat-api/internal/models"
)

// ErrAppointmentNotFound is returned when no appointment matches the identifier.
var ErrAppointmentNotFound = errors.New("appointment not found")

// AppointmentRepository reads appointments for the chat gate.
type AppointmentRepository interface {
	FindForChat(ctx context.Context, id uint) (models.AppointmentSnapshot, error)
}

type appointmentRepository struct {
	db  *gorm.DB
	loc *time.Location
}

// NewAppointmentRepository constructs an appointment reader. Scheduled times
// are resolved in loc.
func NewAppointmentRepository(db *gorm.DB, loc *time.Location) AppointmentRepository {
	if loc == nil {
		loc = time.Local
	}
	return &appointmentRepository{db: db, loc: loc}
}

func (r *appointmentRepository) FindForChat(ctx context.Context, id uint) (models.AppointmentSnapshot, error) {
	var appointment models.Appointment
	err := r.db.WithContext(ctx).Preload("Doctor").First(&appointment, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.AppointmentSnapshot{}, ErrAppointmentNotFound
		}
		return models.AppointmentSnapshot{}, err
	}

	return models.AppointmentSnapshot{
		ID:           appointment.ID,
		PatientID:    appointment.PatientID,
		DoctorUserID: appointment.Doctor.UserID,
		ScheduledAt:  appointment.ScheduledAt(r.loc),
		Status:       appointment.Status,
	}, nil
}
