package utils

import "github.com/gofiber/fiber/v2"

// Envelope is the JSON body every API response is wrapped in.
type Envelope struct {
	Success       bool        `json:"success"`
	Message       string      `json:"message"`
	Data          interface{} `json:"data,omitempty"`
	Meta          interface{} `json:"meta,omitempty"`
	Details       interface{} `json:"details,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// SendSuccess sends a 200 payload.
func SendSuccess(c *fiber.Ctx, message string, data interface{}) error {
	return SendSuccessWithStatus(c, fiber.StatusOK, message, data)
}

// SendSuccessWithStatus sends a success payload with status, defaulting to 200.
func SendSuccessWithStatus(c *fiber.Ctx, status int, message string, data interface{}) error {
	if status == 0 {
		status = fiber.StatusOK
	}
	return write(c, status, Envelope{Success: true, Message: orDefault(message, "success"), Data: data})
}

// OK sends a 200 payload with optional metadata.
func OK(c *fiber.Ctx, data interface{}, message string, meta interface{}) error {
	return write(c, fiber.StatusOK, Envelope{Success: true, Message: orDefault(message, "success"), Data: data, Meta: meta})
}

// SendError sends a failure payload.
func SendError(c *fiber.Ctx, status int, message string) error {
	return Fail(c, status, message, nil)
}

// Fail sends a failure payload with optional details, defaulting to 500.
// Failures echo the request correlation id so clients can quote it.
func Fail(c *fiber.Ctx, status int, message string, details interface{}) error {
	if status == 0 {
		status = fiber.StatusInternalServerError
	}
	correlation, _ := c.Locals("correlation_id").(string)
	return write(c, status, Envelope{
		Message:       orDefault(message, "error"),
		Details:       details,
		CorrelationID: correlation,
	})
}

func write(c *fiber.Ctx, status int, body Envelope) error {
	return c.Status(status).JSON(body)
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
