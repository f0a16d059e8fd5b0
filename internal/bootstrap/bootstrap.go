package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-marker/internal/config"
	"github.com/noah-isme/gema-marker/internal/database"
	"github.com/noah-isme/gema-marker/internal/models"
	"github.com/noah-isme/gema-marker/internal/repository"
	"github.com/noah-isme/gema-marker/internal/service"
	"github.com/noah-isme/gema-marker/pkg/ai"
	cloud "github.com/noah-isme/gema-marker/pkg/cloudinary"
	"github.com/noah-isme/gema-marker/pkg/rasterizer"
)

// Components holds the wired marking pipeline shared by the API server and the CLI.
type Components struct {
	DB           *gorm.DB
	Store        *repository.RecordStore
	Orchestrator *service.MarkingOrchestrator

	closers []func() error
}

// Close releases every connection opened by Build, in reverse order.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build connects the journal, ledger lock, archive, event bus, assessor and rasterizer
// described by cfg. Redis, NATS and Cloudinary are optional.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Components, error) {
	components := &Components{}
	fail := func(err error) (*Components, error) {
		_ = components.Close()
		return nil, err
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return fail(err)
	}
	if err := db.AutoMigrate(&models.MarkingRun{}); err != nil {
		return fail(fmt.Errorf("migrate run journal: %w", err))
	}
	components.DB = db
	if sqlDB, err := db.DB(); err == nil {
		components.closers = append(components.closers, sqlDB.Close)
	}

	var locker repository.Locker
	if cfg.RedisURL != "" {
		redisClient, err := database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		components.closers = append(components.closers, redisClient.Close)
		locker = repository.NewRedisLocker(redisClient, repository.RedisLockerConfig{TTL: cfg.LockTTL})
	} else {
		logger.Info().Msg("redis not configured, ledger writes are serialised in-process only")
	}

	var archiver repository.Archiver
	if cfg.ArchiveEnabled() {
		uploader, err := cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryFolder,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("create cloudinary archiver: %w", err))
		}
		archiver = uploader
	}

	store, err := repository.NewRecordStore(repository.RecordStoreConfig{Root: cfg.ResultsRoot, Sheet: cfg.RecordSheet}, locker, archiver, logger)
	if err != nil {
		return fail(err)
	}
	components.Store = store

	var events service.EventPublisher
	if cfg.NATSURL != "" {
		conn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			return fail(err)
		}
		components.closers = append(components.closers, func() error { conn.Close(); return nil })
		events = service.NewNATSEventPublisher(conn, cfg.NATSSubject, logger)
	}

	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	if closer, ok := backend.(io.Closer); ok {
		components.closers = append(components.closers, closer.Close)
	}

	client, err := ai.NewClient(backend, ai.Config{
		MaxInFlight: cfg.MaxInFlight,
		CallTimeout: cfg.CallTimeout,
		Logger:      logger,
	})
	if err != nil {
		return fail(err)
	}

	docker, err := rasterizer.NewDocker(rasterizer.DockerConfig{
		Host:          cfg.DockerHost,
		Image:         cfg.RasterizerImage,
		DPI:           cfg.RasterizerDPI,
		Timeout:       cfg.RasterizeTimeout,
		WorkspaceRoot: cfg.WorkspaceRoot,
		Logger:        logger,
	})
	if err != nil {
		return fail(err)
	}
	components.closers = append(components.closers, docker.Close)

	components.Orchestrator = service.NewMarkingOrchestrator(
		client,
		rasterizer.Directory{Fallback: docker},
		store,
		repository.NewMarkingRunRepository(db),
		events,
		service.OrchestratorConfig{
			Models: service.Models{
				Structure: cfg.StructureModel,
				Marking:   cfg.MarkingModel,
				Grading:   cfg.GradingModel,
				Feedback:  cfg.FeedbackModel,
			},
			MarkingConcurrency: cfg.MarkingConcurrency,
			Retry: service.RetryPolicy{
				TransportRetries: cfg.TransportRetries,
				SchemaRetries:    cfg.SchemaRetries,
				BaseBackoff:      cfg.RetryBaseBackoff,
				MaxBackoff:       cfg.RetryMaxBackoff,
			},
		},
		logger,
	)

	return components, nil
}

func newBackend(ctx context.Context, cfg config.Config, logger zerolog.Logger) (ai.Backend, error) {
	switch cfg.AssessorBackend {
	case "gemini":
		return ai.NewGeminiBackend(ctx, ai.GeminiConfig{APIKey: cfg.GeminiAPIKey, Logger: logger})
	case "openai":
		return ai.NewOpenAIBackend(ai.OpenAIConfig{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL, Logger: logger})
	default:
		return nil, fmt.Errorf("unsupported assessor backend %q", cfg.AssessorBackend)
	}
}
