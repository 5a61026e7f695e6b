package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/noah-isme/medichat-api/internal/models"
	"github.com/noah-isme/medichat-api/internal/repository"
)

const (
	// ChatWindowLead is how long before the scheduled start the chat opens.
	ChatWindowLead = 15 * time.Minute
	// ChatWindowTrail is how long after the scheduled start the chat stays open.
	ChatWindowTrail = 45 * time.Minute
)

// ChatGrant is the outcome of a successful authorization.
type ChatGrant struct {
	AppointmentID uint
	PatientUserID uint
	DoctorUserID  uint
	WindowStart   time.Time
	WindowEnd     time.Time
}

// AccessGate decides who may join and post to an appointment's chat.
type AccessGate struct {
	appointments repository.AppointmentRepository
}

// NewAccessGate constructs a gate reading appointments from the given repository.
func NewAccessGate(appointments repository.AppointmentRepository) *AccessGate {
	return &AccessGate{appointments: appointments}
}

// Authorize looks up the appointment and evaluates it for userID at now.
// The snapshot is returned on success so later window checks need no lookup.
func (g *AccessGate) Authorize(ctx context.Context, appointmentID, userID uint, now time.Time) (ChatGrant, models.AppointmentSnapshot, error) {
	snapshot, err := g.appointments.FindForChat(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, repository.ErrAppointmentNotFound) {
			return ChatGrant{}, models.AppointmentSnapshot{}, ErrAppointmentNotFound
		}
		return ChatGrant{}, models.AppointmentSnapshot{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	grant, err := EvaluateChatAccess(&snapshot, userID, now)
	if err != nil {
		return ChatGrant{}, models.AppointmentSnapshot{}, err
	}
	return grant, snapshot, nil
}

// ChatWindow returns the inclusive chat window around a scheduled start.
func ChatWindow(scheduledAt time.Time) (time.Time, time.Time) {
	return scheduledAt.Add(-ChatWindowLead), scheduledAt.Add(ChatWindowTrail)
}

// EvaluateChatAccess applies the chat policy to an appointment snapshot.
// Checks run in order: existence, status, window, then principal.
func EvaluateChatAccess(appointment *models.AppointmentSnapshot, userID uint, now time.Time) (ChatGrant, error) {
	if appointment == nil {
		return ChatGrant{}, ErrAppointmentNotFound
	}
	if appointment.Status != models.AppointmentConfirmed {
		return ChatGrant{}, ErrAppointmentNotConfirmed
	}
	if err := CheckChatWindow(*appointment, now); err != nil {
		return ChatGrant{}, err
	}
	if userID == 0 || (userID != appointment.PatientID && userID != appointment.DoctorUserID) {
		return ChatGrant{}, ErrChatUnauthorized
	}

	start, end := ChatWindow(appointment.ScheduledAt)
	return ChatGrant{
		AppointmentID: appointment.ID,
		PatientUserID: appointment.PatientID,
		DoctorUserID:  appointment.DoctorUserID,
		WindowStart:   start,
		WindowEnd:     end,
	}, nil
}

// CheckChatWindow reports ErrOutsideChatWindow when now is outside the window.
// Status is not consulted; callers bound the snapshot at join.
func CheckChatWindow(appointment models.AppointmentSnapshot, now time.Time) error {
	start, end := ChatWindow(appointment.ScheduledAt)
	if now.Before(start) || now.After(end) {
		return ErrOutsideChatWindow
	}
	return nil
}
