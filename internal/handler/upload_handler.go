package handler

import (
	"errors"
	"mime/multipart"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/medichat-api/internal/service"
	"github.com/noah-isme/medichat-api/internal/utils"
)

const (
	// ChatImageField is the multipart field carrying a chat image.
	ChatImageField = "chatImage"
	// legacyImageField is accepted for clients that post a generic file field.
	legacyImageField = "file"
)

var uploadErrorStatus = []struct {
	err    error
	status int
}{
	{service.ErrUploadTooLarge, fiber.StatusRequestEntityTooLarge},
	{service.ErrUploadTypeNotAllowed, fiber.StatusUnsupportedMediaType},
	{service.ErrUploadScanFailed, fiber.StatusUnprocessableEntity},
	{service.ErrUploadMissing, fiber.StatusBadRequest},
}

// UploadHandler turns multipart chat images into stored image paths.
type UploadHandler struct {
	service service.UploadService
	logger  zerolog.Logger
}

// NewUploadHandler constructs an upload handler.
func NewUploadHandler(service service.UploadService, logger zerolog.Logger) *UploadHandler {
	return &UploadHandler{
		service: service,
		logger:  logger.With().Str("component", "upload_handler").Logger(),
	}
}

// Register mounts POST /upload-image behind the given guards.
func (h *UploadHandler) Register(router fiber.Router, guards ...fiber.Handler) {
	chain := make([]fiber.Handler, 0, len(guards)+1)
	chain = append(chain, guards...)
	router.Post("/upload-image", append(chain, h.upload)...)
}

func (h *UploadHandler) upload(c *fiber.Ctx) error {
	file := formImage(c)
	if file == nil {
		return utils.SendError(c, fiber.StatusBadRequest, "no image uploaded")
	}

	var uploader *uint
	if id := userIDFromContext(c); id > 0 {
		uploader = &id
	}

	result, err := h.service.Upload(requestContext(c), file, uploader)
	if err == nil {
		return utils.SendSuccess(c, "upload successful", result)
	}

	for _, mapping := range uploadErrorStatus {
		if errors.Is(err, mapping.err) {
			return utils.SendError(c, mapping.status, mapping.err.Error())
		}
	}

	requestLogger(h.logger, c).Error().Err(err).Str("file_name", file.Filename).Msg("chat image upload failed")
	return utils.SendError(c, fiber.StatusInternalServerError, "upload failed")
}

func formImage(c *fiber.Ctx) *multipart.FileHeader {
	for _, field := range []string{ChatImageField, legacyImageField} {
		if file, err := c.FormFile(field); err == nil {
			return file
		}
	}
	return nil
}
