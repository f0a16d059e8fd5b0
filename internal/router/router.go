package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-marker/internal/config"
	"github.com/noah-isme/gema-marker/internal/handler"
	"github.com/noah-isme/gema-marker/internal/middleware"
	"github.com/noah-isme/gema-marker/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	MarkingHandler *handler.MarkingHandler
	JWTMiddleware  fiber.Handler
	// MarkingRateLimit bounds new runs per caller per minute. Zero disables the limit.
	MarkingRateLimit int
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))

	if deps.MarkingHandler == nil {
		return
	}

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	staff := middleware.RequireRole(middleware.RoleAdmin, middleware.RoleExaminer, middleware.RoleTeacher)
	markings := api.Group("/markings", jwtMiddleware, staff)
	if deps.MarkingRateLimit > 0 {
		markings.Post("", middleware.RateLimit("markings", deps.MarkingRateLimit, time.Minute))
	}
	deps.MarkingHandler.RegisterMarkings(markings)

	students := api.Group("/students", jwtMiddleware)
	deps.MarkingHandler.RegisterStudents(students)
}
