package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/medichat-api/internal/middleware"
)

// userIDFromContext returns the JWT principal, or zero for anonymous requests.
func userIDFromContext(c *fiber.Ctx) uint {
	switch id := c.Locals("user_id").(type) {
	case uint:
		return id
	case int:
		if id > 0 {
			return uint(id)
		}
	}
	return 0
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base.With().
		Str("correlation_id", middleware.GetCorrelationID(c)).
		Uint("user_id", userIDFromContext(c)).
		Logger()
	return &logger
}
