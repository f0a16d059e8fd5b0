package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-marker/internal/models"
	"github.com/noah-isme/gema-marker/pkg/ai"
)

// GradeResolution is the resolved grade and the thresholds it was derived from.
type GradeResolution struct {
	Grade      string
	Thresholds []models.GradeThreshold
}

// GradeResolver maps a locally computed total to a letter grade using a rendered
// threshold table.
type GradeResolver struct {
	client *ai.Client
	model  string
	logger zerolog.Logger
}

// NewGradeResolver constructs the grading stage.
func NewGradeResolver(client *ai.Client, model string, logger zerolog.Logger) *GradeResolver {
	return &GradeResolver{
		client: client,
		model:  model,
		logger: logger.With().Str("component", "grade_resolver").Logger(),
	}
}

// Resolve asks the assessor to read the component's thresholds. The total is passed as a
// read-only fact and the grade is always computed locally, so "no threshold met" yields U.
// An empty threshold list is a schema violation.
func (r *GradeResolver) Resolve(ctx context.Context, componentNumber string, totalAwarded int, table models.Document) (GradeResolution, error) {
	messages := []ai.Message{ai.SystemMessage(gradePrompt)}
	messages = append(messages, ai.PageMessages(models.DocumentThresholdTable.Label(), toAIPages(table.Pages), table.PageCount())...)
	messages = append(messages, ai.UserMessage(fmt.Sprintf(
		"The candidate sat component %s and scored a total raw mark of %d. This total is final; do not recompute it. "+
			"Read the thresholds of component %s from the table and give the grade of the highest threshold met. "+
			"If no threshold is met, the grade is %s.",
		componentNumber, totalAwarded, componentNumber, models.GradeUngraded)))

	resp, err := ai.Invoke[gradeResponse](ctx, r.client, r.model, messages, gradeSchema)
	if err != nil {
		return GradeResolution{}, fmt.Errorf("resolve grade: %w", err)
	}

	return r.resolve(componentNumber, totalAwarded, resp)
}

func (r *GradeResolver) resolve(componentNumber string, totalAwarded int, resp gradeResponse) (GradeResolution, error) {
	thresholds := make([]models.GradeThreshold, 0, len(resp.Thresholds))
	for i, row := range resp.Thresholds {
		grade := strings.TrimSpace(row.Grade)
		if utf8.RuneCountInString(grade) != 1 {
			return GradeResolution{}, ai.NewSchemaViolation(gradeSchema.Name, fmt.Sprintf("threshold %d grade %q is not a single character", i, row.Grade))
		}
		if row.MinimumMark < 0 {
			return GradeResolution{}, ai.NewSchemaViolation(gradeSchema.Name, fmt.Sprintf("threshold %d minimum mark %d is negative", i, row.MinimumMark))
		}
		thresholds = append(thresholds, models.GradeThreshold{Grade: grade, MinimumMark: row.MinimumMark})
	}

	// A threshold table always has at least one row. Without any the grade would come
	// from the assessor alone, which is never accepted.
	if len(thresholds) == 0 {
		return GradeResolution{}, ai.NewSchemaViolation(gradeSchema.Name, "no thresholds read for component "+componentNumber)
	}

	proposed := strings.TrimSpace(resp.Grade)
	grade := models.GradeForScore(totalAwarded, thresholds)
	if proposed != grade {
		r.logger.Warn().
			Str("component", componentNumber).
			Int("total", totalAwarded).
			Str("assessor_grade", proposed).
			Str("grade", grade).
			Msg("assessor grade disagrees with thresholds, using thresholds")
	}

	return GradeResolution{Grade: grade, Thresholds: thresholds}, nil
}
