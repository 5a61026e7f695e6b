package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/medichat-api/internal/observability"
)

// Observability records Prometheus metrics and a structured log line for API
// requests. Websocket upgrades hold the handler for the whole chat session,
// so they are logged with their session length but kept out of the latency
// histogram.
func Observability(logger zerolog.Logger) fiber.Handler {
	observability.RegisterMetrics()

	return func(c *fiber.Ctx) error {
		if !strings.HasPrefix(c.Path(), "/api/") {
			return c.Next()
		}

		upgrade := websocket.IsWebSocketUpgrade(c)
		start := time.Now()
		err := c.Next()
		elapsed := time.Since(start)

		route := routeTemplate(c)
		method := c.Method()
		status := c.Response().StatusCode()
		statusLabel := strconv.Itoa(status)

		observability.HTTPRequests().WithLabelValues(method, route, statusLabel).Inc()
		if status >= fiber.StatusBadRequest {
			observability.HTTPErrors().WithLabelValues(method, route, statusLabel).Inc()
		}

		fields := logger.With().
			Str("correlation_id", GetCorrelationID(c)).
			Str("route", route).
			Str("method", method).
			Int("status", status)
		if id, ok := c.Locals("user_id").(uint); ok {
			fields = fields.Uint("user_id", id)
		}
		entry := fields.Logger()

		if upgrade {
			entry.Info().Dur("session", elapsed).Msg("chat session ended")
			return err
		}

		observability.HTTPLatency().WithLabelValues(method, route).Observe(elapsed.Seconds())
		entry = entry.With().
			Float64("latency_ms", float64(elapsed)/float64(time.Millisecond)).
			Str("latency_bucket", latencyBucket(elapsed)).
			Logger()

		switch {
		case status >= fiber.StatusInternalServerError:
			entry.Error().Msg("request failed")
		case status >= fiber.StatusBadRequest:
			entry.Warn().Msg("request completed with client error")
		default:
			entry.Info().Msg("request completed")
		}

		return err
	}
}

func routeTemplate(c *fiber.Ctx) string {
	if route := c.Route(); route != nil && route.Path != "" {
		return route.Path
	}
	return c.Path()
}

var latencyBuckets = []struct {
	limit time.Duration
	label string
}{
	{25 * time.Millisecond, "<=25ms"},
	{50 * time.Millisecond, "<=50ms"},
	{100 * time.Millisecond, "<=100ms"},
	{250 * time.Millisecond, "<=250ms"},
	{500 * time.Millisecond, "<=500ms"},
}

func latencyBucket(duration time.Duration) string {
	for _, bucket := range latencyBuckets {
		if duration <= bucket.limit {
			return bucket.label
		}
	}
	return ">500ms"
}
