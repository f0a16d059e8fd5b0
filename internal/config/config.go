package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values shared by the API and the CLI.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string

	AllowOrigins     string
	InboxRoot        string
	UploadLimitMB    int
	MarkingRateLimit int

	AssessorBackend    string
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	GeminiAPIKey       string
	StructureModel     string
	MarkingModel       string
	GradingModel       string
	FeedbackModel      string
	MaxInFlight        int
	MarkingConcurrency int
	CallTimeout        time.Duration
	TransportRetries   int
	SchemaRetries      int
	RetryBaseBackoff   time.Duration
	RetryMaxBackoff    time.Duration

	ResultsRoot string
	RecordSheet string
	LockTTL     time.Duration

	NATSURL     string
	NATSSubject string

	DockerHost       string
	RasterizerImage  string
	RasterizerDPI    int
	RasterizeTimeout time.Duration
	WorkspaceRoot    string

	CloudinaryCloudName string
	CloudinaryAPIKey    string
	CloudinaryAPISecret string
	CloudinaryFolder    string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// ArchiveEnabled reports whether persisted records are copied to Cloudinary.
func (c Config) ArchiveEnabled() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("MARKER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Marker")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("database.url", "file:marker.db")
	v.SetDefault("http.allow_origins", "*")
	v.SetDefault("http.inbox", "inbox")
	v.SetDefault("http.upload_limit_mb", 64)
	v.SetDefault("http.marking_rate_limit", 30)
	v.SetDefault("assessor.backend", "openai")
	v.SetDefault("assessor.structure_model", "gpt-4o")
	v.SetDefault("assessor.marking_model", "gpt-4o")
	v.SetDefault("assessor.grading_model", "gpt-4o")
	v.SetDefault("assessor.feedback_model", "gpt-4o")
	v.SetDefault("assessor.max_in_flight", 4)
	v.SetDefault("assessor.call_timeout", "3m")
	v.SetDefault("marking.concurrency", 4)
	v.SetDefault("retry.transport", 3)
	v.SetDefault("retry.schema", 1)
	v.SetDefault("retry.base_backoff", "2s")
	v.SetDefault("retry.max_backoff", "30s")
	v.SetDefault("results.root", "results")
	v.SetDefault("results.sheet", "Result")
	v.SetDefault("results.lock_ttl", "30s")
	v.SetDefault("nats.subject", "marker.runs")
	v.SetDefault("rasterizer.image", "minidocks/poppler:latest")
	v.SetDefault("rasterizer.dpi", 150)
	v.SetDefault("rasterizer.timeout", "2m")
	v.SetDefault("cloudinary.folder", "gema/marker")

	durations := map[string]time.Duration{}
	for _, key := range []string{"assessor.call_timeout", "retry.base_backoff", "retry.max_backoff", "results.lock_ttl", "rasterizer.timeout"} {
		value, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		durations[key] = value
	}

	cfg := Config{
		AppName:     v.GetString("app.name"),
		AppEnv:      v.GetString("app.env"),
		AppPort:     v.GetString("app.port"),
		DatabaseURL: v.GetString("database.url"),
		RedisURL:    v.GetString("redis.url"),
		JWTSecret:   v.GetString("jwt.secret"),

		AllowOrigins:     v.GetString("http.allow_origins"),
		InboxRoot:        v.GetString("http.inbox"),
		UploadLimitMB:    v.GetInt("http.upload_limit_mb"),
		MarkingRateLimit: v.GetInt("http.marking_rate_limit"),

		AssessorBackend:    strings.ToLower(v.GetString("assessor.backend")),
		OpenAIAPIKey:       v.GetString("openai.api_key"),
		OpenAIBaseURL:      v.GetString("openai.base_url"),
		GeminiAPIKey:       v.GetString("gemini.api_key"),
		StructureModel:     v.GetString("assessor.structure_model"),
		MarkingModel:       v.GetString("assessor.marking_model"),
		GradingModel:       v.GetString("assessor.grading_model"),
		FeedbackModel:      v.GetString("assessor.feedback_model"),
		MaxInFlight:        v.GetInt("assessor.max_in_flight"),
		MarkingConcurrency: v.GetInt("marking.concurrency"),
		CallTimeout:        durations["assessor.call_timeout"],
		TransportRetries:   v.GetInt("retry.transport"),
		SchemaRetries:      v.GetInt("retry.schema"),
		RetryBaseBackoff:   durations["retry.base_backoff"],
		RetryMaxBackoff:    durations["retry.max_backoff"],

		ResultsRoot: v.GetString("results.root"),
		RecordSheet: v.GetString("results.sheet"),
		LockTTL:     durations["results.lock_ttl"],

		NATSURL:     v.GetString("nats.url"),
		NATSSubject: v.GetString("nats.subject"),

		DockerHost:       v.GetString("docker_host"),
		RasterizerImage:  v.GetString("rasterizer.image"),
		RasterizerDPI:    v.GetInt("rasterizer.dpi"),
		RasterizeTimeout: durations["rasterizer.timeout"],
		WorkspaceRoot:    v.GetString("rasterizer.workspace"),

		CloudinaryCloudName: v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:    v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret: v.GetString("cloudinary.api_secret"),
		CloudinaryFolder:    v.GetString("cloudinary.folder"),
	}

	switch cfg.AssessorBackend {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return Config{}, fmt.Errorf("openai api key must be provided")
		}
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return Config{}, fmt.Errorf("gemini api key must be provided")
		}
	default:
		return Config{}, fmt.Errorf("unsupported assessor backend %q", cfg.AssessorBackend)
	}

	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	if cfg.MarkingConcurrency <= 0 {
		cfg.MarkingConcurrency = cfg.MaxInFlight
	}
	if cfg.UploadLimitMB <= 0 {
		cfg.UploadLimitMB = 64
	}
	if cfg.TransportRetries < 0 {
		cfg.TransportRetries = 0
	}
	if cfg.SchemaRetries < 0 {
		cfg.SchemaRetries = 0
	}

	return cfg, nil
}
