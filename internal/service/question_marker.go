package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-marker/internal/models"
	"github.com/noah-isme/gema-marker/pkg/ai"
)

// QuestionMarker marks one question against its slice of the scheme.
type QuestionMarker struct {
	client *ai.Client
	model  string
	logger zerolog.Logger
}

// NewQuestionMarker constructs the per-question marking stage.
func NewQuestionMarker(client *ai.Client, model string, logger zerolog.Logger) *QuestionMarker {
	return &QuestionMarker{
		client: client,
		model:  model,
		logger: logger.With().Str("component", "question_marker").Logger(),
	}
}

// Mark presents only the pages of the question and its scheme guidance, then checks the
// returned marks. Inconsistent marks are reported as schema violations.
func (m *QuestionMarker) Mark(ctx context.Context, locator models.QuestionLocator, submission, scheme models.Document) (models.MarkedQuestion, error) {
	submissionRange := locator.SubmissionRange()
	submissionPages, err := submission.Slice(submissionRange.First, submissionRange.Last)
	if err != nil {
		return models.MarkedQuestion{}, invalid("question "+locator.QuestionNumber, "%v", err)
	}
	schemePages, err := scheme.Slice(locator.Scheme.First, locator.Scheme.Last)
	if err != nil {
		return models.MarkedQuestion{}, invalid("question "+locator.QuestionNumber, "%v", err)
	}

	described, err := json.Marshal(locator)
	if err != nil {
		return models.MarkedQuestion{}, fmt.Errorf("describe question %s: %w", locator.QuestionNumber, err)
	}

	messages := []ai.Message{ai.SystemMessage(examinerPrompt)}
	messages = append(messages, ai.PageMessages(models.DocumentSubmission.Label(), toAIPages(submissionPages), submission.PageCount())...)
	messages = append(messages, ai.PageMessages(models.DocumentMarkingScheme.Label(), toAIPages(schemePages), scheme.PageCount())...)
	messages = append(messages, ai.UserMessage(fmt.Sprintf(
		"Now, please mark question %s (%s). Remember to follow the guidance on the marking scheme, "+
			"list every grading point of the scheme even when it is not earned, and never award more than the question is worth.",
		locator.QuestionNumber, described)))

	resp, err := ai.Invoke[markedQuestionResponse](ctx, m.client, m.model, messages, markingSchema)
	if err != nil {
		return models.MarkedQuestion{}, fmt.Errorf("mark question %s: %w", locator.QuestionNumber, err)
	}

	marked, err := checkMarkedQuestion(locator.QuestionNumber, resp)
	if err != nil {
		return models.MarkedQuestion{}, err
	}

	m.logger.Debug().
		Str("question", marked.QuestionNumber).
		Int("awarded", marked.AwardedMarks).
		Int("max", marked.MaxMarks).
		Msg("question marked")

	return marked, nil
}

func checkMarkedQuestion(questionNumber string, resp markedQuestionResponse) (models.MarkedQuestion, error) {
	violation := func(format string, args ...interface{}) error {
		return ai.NewSchemaViolation(markingSchema.Name, fmt.Sprintf("question %s: ", questionNumber)+fmt.Sprintf(format, args...))
	}

	if got := strings.TrimSpace(resp.QuestionNumber); got != "" && got != questionNumber {
		return models.MarkedQuestion{}, violation("marked question %q instead", got)
	}
	if resp.MaxMarks < 0 {
		return models.MarkedQuestion{}, violation("max_marks %d is negative", resp.MaxMarks)
	}
	if resp.AwardedMarks < 0 || resp.AwardedMarks > resp.MaxMarks {
		return models.MarkedQuestion{}, violation("awarded_marks %d outside 0..%d", resp.AwardedMarks, resp.MaxMarks)
	}

	points := make([]models.GradingPoint, 0, len(resp.GradingPoints))
	worth := 0
	for i, point := range resp.GradingPoints {
		if point.MarksWorth <= 0 {
			return models.MarkedQuestion{}, violation("grading point %d is worth %d marks", i, point.MarksWorth)
		}
		if point.MarksEarned < 0 || point.MarksEarned > point.MarksWorth {
			return models.MarkedQuestion{}, violation("grading point %d earned %d of %d", i, point.MarksEarned, point.MarksWorth)
		}
		worth += point.MarksWorth
		points = append(points, models.GradingPoint{
			Type:        strings.TrimSpace(point.Type),
			MarksWorth:  point.MarksWorth,
			MarksEarned: point.MarksEarned,
		})
	}
	if len(points) > 0 && worth < resp.MaxMarks {
		return models.MarkedQuestion{}, violation("grading points cover %d of %d marks", worth, resp.MaxMarks)
	}

	return models.MarkedQuestion{
		QuestionNumber: questionNumber,
		MaxMarks:       resp.MaxMarks,
		AwardedMarks:   resp.AwardedMarks,
		GradingPoints:  points,
	}, nil
}
