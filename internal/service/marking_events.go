package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// MarkingEvent announces the terminal state of a run.
type MarkingEvent struct {
	RunID         string    `json:"run_id"`
	StudentID     string    `json:"student_id"`
	SubmissionID  string    `json:"submission_id"`
	State         string    `json:"state"`
	FailedStage   string    `json:"failed_stage,omitempty"`
	Cause         string    `json:"cause,omitempty"`
	Score         int       `json:"score"`
	MaxScore      int       `json:"max_score"`
	Grade         string    `json:"grade,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	FinishedAt    time.Time `json:"finished_at"`
}

// EventPublisher delivers marking events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event MarkingEvent) error
}

type natsEventPublisher struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSEventPublisher publishes events on subject. A nil connection yields a publisher
// that drops events.
func NewNATSEventPublisher(conn *nats.Conn, subject string, logger zerolog.Logger) EventPublisher {
	if subject == "" {
		subject = "marker.runs"
	}
	return &natsEventPublisher{
		conn:    conn,
		subject: subject,
		logger:  logger.With().Str("component", "marking_events").Logger(),
	}
}

func (p *natsEventPublisher) Publish(_ context.Context, event MarkingEvent) error {
	if p.conn == nil {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode marking event: %w", err)
	}

	subject := p.subject + "." + event.State
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish marking event: %w", err)
	}

	p.logger.Debug().Str("subject", subject).Str("run_id", event.RunID).Msg("marking event published")
	return nil
}
