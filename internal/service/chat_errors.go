package service

import "errors"

var (
	// ErrAppointmentNotFound indicates the requested appointment does not exist.
	ErrAppointmentNotFound = errors.New("appointment not found")
	// ErrAppointmentNotConfirmed indicates the appointment cannot host chat in its current status.
	ErrAppointmentNotConfirmed = errors.New("appointment not confirmed")
	// ErrOutsideChatWindow indicates the request fell outside the appointment chat window.
	ErrOutsideChatWindow = errors.New("outside appointment chat window")
	// ErrChatUnauthorized indicates the user is neither the patient nor the doctor of the appointment.
	ErrChatUnauthorized = errors.New("user not authorised for appointment chat")
	// ErrInvalidMessage indicates a post with neither text nor an image.
	ErrInvalidMessage = errors.New("message requires text or an image")
	// ErrStoreUnavailable indicates a persistence or lookup failure.
	ErrStoreUnavailable = errors.New("chat store unavailable")
	// ErrNotJoined indicates a post from a connection that has not joined the room.
	ErrNotJoined = errors.New("appointment chat not joined")
	// ErrMalformedEvent indicates a frame that could not be decoded or validated.
	ErrMalformedEvent = errors.New("malformed chat event")
)

// ChatErrorReason returns the client-facing text for a chat failure.
func ChatErrorReason(err error) string {
	switch {
	case errors.Is(err, ErrAppointmentNotFound), errors.Is(err, ErrAppointmentNotConfirmed):
		return "Invalid or unconfirmed appointment."
	case errors.Is(err, ErrOutsideChatWindow):
		return "Chat is only available during the appointment time."
	case errors.Is(err, ErrChatUnauthorized):
		return "You are not authorized for this chat."
	case errors.Is(err, ErrInvalidMessage):
		return "Message must include text or an image."
	case errors.Is(err, ErrNotJoined):
		return "Join the appointment chat before sending messages."
	case errors.Is(err, ErrMalformedEvent):
		return "Malformed chat event."
	default:
		return "Message could not be saved, please retry."
	}
}

func chatErrorLabel(err error) string {
	switch {
	case errors.Is(err, ErrAppointmentNotFound):
		return "not_found"
	case errors.Is(err, ErrAppointmentNotConfirmed):
		return "not_confirmed"
	case errors.Is(err, ErrOutsideChatWindow):
		return "out_of_window"
	case errors.Is(err, ErrChatUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidMessage):
		return "invalid_message"
	case errors.Is(err, ErrNotJoined):
		return "not_joined"
	case errors.Is(err, ErrMalformedEvent):
		return "malformed"
	default:
		return "store_unavailable"
	}
}
