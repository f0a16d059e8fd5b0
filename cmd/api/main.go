package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-marker/internal/bootstrap"
	"github.com/noah-isme/gema-marker/internal/config"
	"github.com/noah-isme/gema-marker/internal/handler"
	"github.com/noah-isme/gema-marker/internal/middleware"
	"github.com/noah-isme/gema-marker/internal/router"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	components, err := bootstrap.Build(context.Background(), cfg, logger)
	if err != nil {
		log.Fatalf("failed to build marking pipeline: %v", err)
	}
	defer components.Close()

	validate := validator.New(validator.WithRequiredStructEnabled())
	markingHandler, err := handler.NewMarkingHandler(components.Orchestrator, validate, cfg.InboxRoot, logger)
	if err != nil {
		components.Close()
		log.Fatalf("failed to build marking handler: %v", err)
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    cfg.UploadLimitMB * 1024 * 1024,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.AllowOrigins})
	router.Register(app, cfg, router.Dependencies{
		MarkingHandler:   markingHandler,
		JWTMiddleware:    middleware.JWTProtected(cfg.JWTSecret),
		MarkingRateLimit: cfg.MarkingRateLimit,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, logger)

	// Queued runs keep their own context; let them reach a terminal state.
	components.Orchestrator.Wait()
	logger.Info().Msg("marking runs drained")
}

func waitForShutdown(app *fiber.App, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
