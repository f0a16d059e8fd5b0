package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

var (
	assessorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "marker",
		Subsystem: "assessor",
		Name:      "call_duration_seconds",
		Help:      "Duration of assessor calls",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"backend", "schema"})

	assessorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marker",
		Subsystem: "assessor",
		Name:      "call_failures_total",
		Help:      "Number of assessor calls that failed, by failure kind",
	}, []string{"backend", "schema", "kind"})

	assessorInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "marker",
		Subsystem: "assessor",
		Name:      "calls_in_flight",
		Help:      "Assessor calls currently awaiting a response",
	})
)

// Config tunes the assessor client.
type Config struct {
	MaxInFlight int
	CallTimeout time.Duration
	Logger      zerolog.Logger
}

// Client is the single choke point for structured assessor calls. It bounds in-flight
// requests, enforces the schema contract and turns failure signals into AssessorError.
// It never retries.
type Client struct {
	backend Backend
	cfg     Config
	slots   *semaphore.Weighted
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// NewClient wraps a backend.
func NewClient(backend Backend, cfg Config) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("assessor backend is required")
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &Client{
		backend: backend,
		cfg:     cfg,
		slots:   semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		tracer:  otel.Tracer("github.com/noah-isme/gema-marker/pkg/ai"),
		logger:  logger.With().Str("component", "assessor_client").Str("backend", backend.Name()).Logger(),
	}, nil
}

// Invoke sends messages to the assessor and decodes the answer into T. It fails with
// TransportError, SchemaViolationError or AssessorError.
func Invoke[T Reporter](ctx context.Context, c *Client, model string, messages []Message, schema *Schema) (T, error) {
	var out T
	if schema == nil {
		return out, fmt.Errorf("assessor call requires a schema")
	}

	content, err := c.complete(ctx, Request{Model: model, Messages: messages, Schema: schema})
	if err != nil {
		return out, err
	}

	// A raised failure signal ends the call even when the rest of the record is incomplete.
	if signal := peekFailureSignal(content); signal != "" {
		return out, c.declined(schema.Name, signal)
	}

	if err := schema.Check(content); err != nil {
		c.countFailure(schema.Name, "schema")
		return out, err
	}

	decoder := json.NewDecoder(bytes.NewReader(content))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&out); err != nil {
		c.countFailure(schema.Name, "schema")
		return out, &SchemaViolationError{Schema: schema.Name, Reason: "cannot decode response", Err: err}
	}

	if signal := out.FailureSignal(); signal != "" {
		return out, c.declined(schema.Name, signal)
	}

	return out, nil
}

func peekFailureSignal(content []byte) string {
	if !gjson.ValidBytes(content) {
		return ""
	}
	field := gjson.GetBytes(content, FailureSignalField)
	if field.Type != gjson.String {
		return ""
	}
	return strings.TrimSpace(field.String())
}

func (c *Client) declined(schema, signal string) error {
	c.countFailure(schema, "declined")
	c.logger.Warn().Str("schema", schema).Str("signal", signal).Msg("assessor raised failure signal")
	return &AssessorError{Schema: schema, Signal: signal}
}

func (c *Client) complete(parent context.Context, req Request) ([]byte, error) {
	if err := c.slots.Acquire(parent, 1); err != nil {
		return nil, fmt.Errorf("wait for assessor slot: %w", err)
	}
	defer c.slots.Release(1)

	assessorInFlight.Inc()
	defer assessorInFlight.Dec()

	ctx, span := c.tracer.Start(parent, "assessor.invoke", trace.WithAttributes(
		attribute.String("assessor.backend", c.backend.Name()),
		attribute.String("assessor.schema", req.Schema.Name),
		attribute.String("assessor.model", req.Model),
		attribute.Int("assessor.messages", len(req.Messages)),
	))
	defer span.End()

	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.backend.Complete(ctx, req)
	duration := time.Since(start)
	assessorDuration.WithLabelValues(c.backend.Name(), req.Schema.Name).Observe(duration.Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if parent.Err() != nil {
			return nil, fmt.Errorf("assessor call aborted: %w", parent.Err())
		}
		var transport *TransportError
		if !errors.As(err, &transport) {
			err = transportFailure(c.backend.Name(), err, true)
		}
		c.countFailure(req.Schema.Name, "transport")
		c.logger.Warn().Err(err).Str("schema", req.Schema.Name).Dur("duration", duration).Msg("assessor call failed")
		return nil, err
	}

	if resp.Refusal != "" {
		span.SetStatus(codes.Error, "refused")
		c.countFailure(req.Schema.Name, "declined")
		return nil, &AssessorError{Schema: req.Schema.Name, Signal: resp.Refusal}
	}

	c.logger.Debug().
		Str("schema", req.Schema.Name).
		Str("model", req.Model).
		Dur("duration", duration).
		Interface("usage", resp.Usage).
		Msg("assessor responded")

	return resp.Content, nil
}

func (c *Client) countFailure(schema, kind string) {
	assessorFailures.WithLabelValues(c.backend.Name(), schema, kind).Inc()
}
