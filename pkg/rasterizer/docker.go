package rasterizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	renderDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "marker",
		Subsystem: "rasterizer",
		Name:      "render_duration_seconds",
		Help:      "Duration of containerised document renders",
		Buckets:   prometheus.DefBuckets,
	}, []string{"image"})

	renderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marker",
		Subsystem: "rasterizer",
		Name:      "render_failures_total",
		Help:      "Number of document renders that failed",
	}, []string{"image"})
)

const workingDir = "/workspace"

// DockerConfig groups the container renderer configuration.
type DockerConfig struct {
	Host          string
	Image         string
	DPI           int
	Timeout       time.Duration
	MemoryLimitMB int64
	CPUShares     int64
	WorkspaceRoot string
	Logger        zerolog.Logger
}

// Docker renders PDFs with poppler's pdftoppm inside a sandboxed, network-less container.
type Docker struct {
	client *client.Client
	cfg    DockerConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewDocker constructs a Docker backed rasterizer.
func NewDocker(cfg DockerConfig) (*Docker, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	if cfg.Image == "" {
		cfg.Image = "minidocks/poppler:latest"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 150
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = os.TempDir()
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &Docker{
		client: cli,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-marker/pkg/rasterizer"),
		logger: logger.With().Str("component", "docker_rasterizer").Logger(),
	}, nil
}

// Rasterize renders the PDF at path into PNG pages.
func (d *Docker) Rasterize(parent context.Context, path string) ([]Page, error) {
	ctx, span := d.tracer.Start(parent, "rasterizer.docker.render", trace.WithAttributes(
		attribute.String("docker.image", d.cfg.Image),
		attribute.String("document.path", filepath.Base(path)),
	))
	defer span.End()

	fail := func(err error) ([]Page, error) {
		renderFailures.WithLabelValues(d.cfg.Image).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	workspace, err := os.MkdirTemp(d.cfg.WorkspaceRoot, "render-")
	if err != nil {
		return fail(fmt.Errorf("create workspace: %w", err))
	}
	defer os.RemoveAll(workspace)

	if err := copyFile(path, filepath.Join(workspace, "input.pdf")); err != nil {
		return fail(err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:    d.cfg.MemoryLimitMB * 1024 * 1024,
			CPUShares: d.cfg.CPUShares,
		},
		NetworkMode: "none",
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: workspace,
			Target: workingDir,
		}},
	}

	config := &container.Config{
		Image:        d.cfg.Image,
		Cmd:          []string{"pdftoppm", "-png", "-r", strconv.Itoa(d.cfg.DPI), workingDir + "/input.pdf", workingDir + "/page"},
		WorkingDir:   workingDir,
		AttachStdout: true,
		AttachStderr: true,
	}

	start := time.Now()
	resp, err := d.client.ContainerCreate(ctx, config, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return fail(fmt.Errorf("container create: %w", err))
	}

	containerID := resp.ID
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.client.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			d.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to remove container")
		}
	}()

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fail(fmt.Errorf("container start: %w", err))
	}

	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNextExit)

	exitCode := 0
	select {
	case err := <-errCh:
		if err != nil {
			return fail(fmt.Errorf("container wait: %w", err))
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fail(fmt.Errorf("render timed out after %s", d.cfg.Timeout))
		}
		return fail(ctx.Err())
	}

	renderDuration.WithLabelValues(d.cfg.Image).Observe(time.Since(start).Seconds())

	if exitCode != 0 {
		stderr := d.stderr(parent, containerID)
		return fail(fmt.Errorf("pdftoppm exited with code %d: %s", exitCode, stderr))
	}

	pages, err := LoadPages(workspace)
	if err != nil {
		return fail(err)
	}

	d.logger.Debug().Str("document", filepath.Base(path)).Int("pages", len(pages)).Msg("document rendered")
	return pages, nil
}

func (d *Docker) stderr(ctx context.Context, containerID string) string {
	logs, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStderr: true})
	if err != nil {
		return ""
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return ""
	}
	return stderr.String()
}

// Close shuts down the underlying client.
func (d *Docker) Close() error {
	if d.client == nil {
		return nil
	}
	return d.client.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open document: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("stage document: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("stage document: %w", err)
	}
	return out.Close()
}
