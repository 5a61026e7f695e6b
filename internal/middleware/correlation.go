package middleware

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	// CorrelationHeader carries the correlation id on requests and responses.
	CorrelationHeader = "X-Correlation-ID"
	// CorrelationQuery is read when the client cannot set headers, as with browser websockets.
	CorrelationQuery = "correlation_id"

	correlationLocal = "correlation_id"
	maxCorrelationID = 128
)

type correlationIDKey struct{}

// CorrelationID binds a correlation id to every request, reusing one supplied by the caller.
func CorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := firstCorrelation(
			c.Get(CorrelationHeader),
			c.Get(fiber.HeaderXRequestID),
			c.Query(CorrelationQuery),
		)

		c.Locals(correlationLocal, id)
		c.Set(CorrelationHeader, id)
		c.SetUserContext(ContextWithCorrelation(c.UserContext(), id))

		return c.Next()
	}
}

func firstCorrelation(candidates ...string) string {
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate != "" && len(candidate) <= maxCorrelationID {
			return candidate
		}
	}
	return uuid.NewString()
}

// CorrelationIDFromContext returns the correlation id stored in ctx, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// GetCorrelationID returns the correlation id bound to the active request.
func GetCorrelationID(c *fiber.Ctx) string {
	if c == nil {
		return ""
	}
	if id, ok := c.Locals(correlationLocal).(string); ok && id != "" {
		return id
	}
	return CorrelationIDFromContext(c.UserContext())
}

// ContextWithCorrelation attaches correlationID to ctx. Blank ids leave ctx unchanged.
func ContextWithCorrelation(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}
