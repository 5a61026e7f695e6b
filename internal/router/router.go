package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/medichat-api/internal/config"
	"github.com/noah-isme/medichat-api/internal/handler"
	"github.com/noah-isme/medichat-api/internal/middleware"
	"github.com/noah-isme/medichat-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ChatHandler   *handler.ChatHandler
	UploadHandler *handler.UploadHandler
	HealthProbes  map[string]handler.HealthProbe
	JWTMiddleware fiber.Handler
	// StaticDir, when set, is served under Config.UploadPublicPrefix.
	StaticDir string
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes))

	app.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.ChatHandler != nil {
		chat := app.Group("/api/v2", jwtMiddleware)
		deps.ChatHandler.Register(chat)
	}

	if deps.UploadHandler != nil {
		uploads := app.Group("/api/chat", jwtMiddleware)
		deps.UploadHandler.Register(uploads,
			middleware.RequireRoles(handler.ChatParticipantRoles...),
			middleware.RateLimit("chat_upload", 20, time.Minute),
		)
	}

	if deps.StaticDir != "" && cfg.UploadPublicPrefix != "" {
		app.Static(cfg.UploadPublicPrefix, deps.StaticDir, fiber.Static{
			Browse: false,
			MaxAge: 3600,
		})
	}
}
