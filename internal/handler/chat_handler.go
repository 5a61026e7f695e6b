package handler

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/medichat-api/internal/middleware"
	"github.com/noah-isme/medichat-api/internal/models"
	"github.com/noah-isme/medichat-api/internal/service"
	"github.com/noah-isme/medichat-api/internal/utils"
)

// ChatParticipantRoles are the token roles admitted to the chat HTTP endpoints.
var ChatParticipantRoles = []string{models.RolePatient, models.RoleDoctor}

// ChatHandler wires appointment chat endpoints including the websocket upgrade.
type ChatHandler struct {
	service service.ChatService
	logger  zerolog.Logger
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(service service.ChatService, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		service: service,
		logger:  logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds chat routes under the provided router group. When the group
// is JWT protected the upgrade request carries user_id locals, taken from the
// Authorization header or the access_token query parameter.
func (h *ChatHandler) Register(router fiber.Router) {
	router.Use("/chat/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/chat/ws", websocket.New(h.handleConnection))
	router.Get("/appointments/:id/chat", middleware.WithAuth(h.history, middleware.AuthOptions{Roles: ChatParticipantRoles}))
}

func (h *ChatHandler) handleConnection(conn *websocket.Conn) {
	userID, _ := conn.Locals("user_id").(uint)
	correlation, _ := conn.Locals("correlation_id").(string)

	opts := service.ChatConnectionOptions{
		UserID:        userID,
		CorrelationID: correlation,
		Context:       middleware.ContextWithCorrelation(context.Background(), correlation),
	}

	h.logger.Info().Uint("user_id", userID).Str("correlation_id", correlation).Msg("chat websocket connected")
	h.service.ServeConnection(conn, opts)
	h.logger.Info().Uint("user_id", userID).Str("correlation_id", correlation).Msg("chat websocket disconnected")
}

func (h *ChatHandler) history(c *fiber.Ctx) error {
	appointmentID, err := c.ParamsInt("id")
	if err != nil || appointmentID <= 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid appointment id")
	}

	messages, err := h.service.History(requestContext(c), uint(appointmentID), userIDFromContext(c))
	if err != nil {
		status := chatErrorStatus(err)
		if status >= fiber.StatusInternalServerError {
			requestLogger(h.logger, c).Error().Err(err).Int("appointment_id", appointmentID).Msg("failed to load chat history")
		}
		return utils.SendError(c, status, service.ChatErrorReason(err))
	}

	return utils.SendSuccess(c, "chat history", messages)
}

func chatErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrAppointmentNotFound), errors.Is(err, service.ErrAppointmentNotConfirmed):
		return fiber.StatusNotFound
	case errors.Is(err, service.ErrChatUnauthorized), errors.Is(err, service.ErrOutsideChatWindow):
		return fiber.StatusForbidden
	default:
		return fiber.StatusServiceUnavailable
	}
}
