package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-marker/pkg/ai"
)

// RetryPolicy decides retry-versus-fatal for assessor calls. Only the orchestrator applies
// it; lower components report every failure upward.
type RetryPolicy struct {
	// TransportRetries bounds extra attempts after temporary transport failures.
	TransportRetries int
	// SchemaRetries bounds same-input attempts after schema violations.
	SchemaRetries int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy retries transport failures three times and schema violations once.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		TransportRetries: 3,
		SchemaRetries:    1,
		BaseBackoff:      2 * time.Second,
		MaxBackoff:       30 * time.Second,
	}
}

func (p RetryPolicy) isZero() bool {
	return p.TransportRetries == 0 && p.SchemaRetries == 0 && p.BaseBackoff == 0 && p.MaxBackoff == 0 && p.sleep == nil
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.BaseBackoff << attempt
	if p.MaxBackoff > 0 && (delay > p.MaxBackoff || delay <= 0) {
		delay = p.MaxBackoff
	}
	return delay
}

func (p RetryPolicy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withRetry runs call until it succeeds or fails fatally. AssessorError and ValidationError
// are fatal at once, schema violations get SchemaRetries more attempts, and temporary
// transport failures get TransportRetries backed-off attempts.
func withRetry[T any](ctx context.Context, policy RetryPolicy, logger zerolog.Logger, what string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	transportRetries, schemaRetries := 0, 0

	for {
		result, err := call(ctx)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}

		switch {
		case errors.Is(err, ai.ErrSchemaViolation):
			if schemaRetries >= policy.SchemaRetries {
				return zero, err
			}
			schemaRetries++
			logger.Warn().Err(err).Str("call", what).Int("retry", schemaRetries).Msg("schema violation, retrying with the same input")

		case ai.IsTemporary(err):
			if transportRetries >= policy.TransportRetries {
				return zero, fmt.Errorf("transport retry budget of %d exhausted: %w", policy.TransportRetries, err)
			}
			delay := policy.backoff(transportRetries)
			transportRetries++
			logger.Warn().Err(err).Str("call", what).Int("retry", transportRetries).Dur("backoff", delay).Msg("transport failure, backing off")
			if waitErr := policy.wait(ctx, delay); waitErr != nil {
				return zero, err
			}

		default:
			return zero, err
		}
	}
}
