package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-assessment/internal/config"
	"github.com/noah-isme/gema-assessment/internal/handler"
	"github.com/noah-isme/gema-assessment/internal/middleware"
	"github.com/noah-isme/gema-assessment/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	SessionHandler    *handler.SessionHandler
	AssessmentHandler *handler.AssessmentHandler
	HealthChecks      []handler.HealthCheck
	JWTMiddleware     fiber.Handler
	// AuthorGuard restricts definition imports. Defaults to teachers and admins.
	AuthorGuard fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.Health(cfg, deps.HealthChecks...))
	app.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}
	authorGuard := deps.AuthorGuard
	if authorGuard == nil {
		authorGuard = middleware.RequireRole(middleware.RoleTeacher, middleware.RoleAdmin)
	}

	assessments := app.Group("/api/v2/assessment", jwtMiddleware)
	if deps.AssessmentHandler != nil {
		deps.AssessmentHandler.Register(assessments, authorGuard)
	}
	if deps.SessionHandler != nil {
		deps.SessionHandler.Register(assessments)
	}
}
