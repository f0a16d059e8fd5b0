package service

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-marker/internal/models"
	"github.com/noah-isme/gema-marker/pkg/ai"
)

// Feedback is the per-submission narrative.
type Feedback struct {
	Strengths  string
	Weaknesses string
}

// FeedbackSynthesizer writes narrative feedback for one submission and for a student's
// whole history.
type FeedbackSynthesizer struct {
	client    *ai.Client
	model     string
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
}

// NewFeedbackSynthesizer constructs the feedback stage.
func NewFeedbackSynthesizer(client *ai.Client, model string, logger zerolog.Logger) *FeedbackSynthesizer {
	return &FeedbackSynthesizer{
		client:    client,
		model:     model,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "feedback_synthesizer").Logger(),
	}
}

type historyEntry struct {
	Score           int    `json:"score"`
	MaxScore        int    `json:"max_score"`
	Grade           string `json:"grade"`
	SyllabusCode    string `json:"syllabus_code"`
	ComponentNumber string `json:"component_number"`
	Strengths       string `json:"strengths"`
	Weaknesses      string `json:"weaknesses"`
}

// Summarize comments on a finished marking report.
func (f *FeedbackSynthesizer) Summarize(ctx context.Context, report models.MarkingReport) (Feedback, error) {
	payload, err := json.MarshalIndent(struct {
		SyllabusCode    string                  `json:"syllabus_code"`
		ComponentNumber string                  `json:"component_number"`
		Questions       []models.MarkedQuestion `json:"marked_questions"`
	}{report.SyllabusCode, report.ComponentNumber, report.Questions}, "", "  ")
	if err != nil {
		return Feedback{}, fmt.Errorf("encode marking report: %w", err)
	}

	messages := []ai.Message{
		ai.SystemMessage(teacherPrompt),
		ai.UserMessage("The marked exam, in JSON:\n" + string(payload)),
	}

	resp, err := ai.Invoke[feedbackResponse](ctx, f.client, f.model, messages, feedbackSchema)
	if err != nil {
		return Feedback{}, fmt.Errorf("summarize submission: %w", err)
	}

	feedback := Feedback{
		Strengths:  f.clean(resp.AreasOfStrength),
		Weaknesses: f.clean(resp.AreasForImprovement),
	}
	if feedback.Strengths == "" && feedback.Weaknesses == "" {
		return Feedback{}, ai.NewSchemaViolation(feedbackSchema.Name, "feedback is empty")
	}

	return feedback, nil
}

// Holistic comments on the student's full history ledger, oldest row first.
func (f *FeedbackSynthesizer) Holistic(ctx context.Context, ledger models.HistoryLedger) (string, error) {
	if len(ledger.Rows) == 0 {
		return "", invalid("ledger", "student %s has no marked submissions", ledger.StudentID)
	}

	entries := make([]historyEntry, 0, len(ledger.Rows))
	for _, row := range ledger.Rows {
		entries = append(entries, historyEntry{
			Score:           row.Score,
			MaxScore:        row.MaxScore,
			Grade:           row.Grade,
			SyllabusCode:    row.SyllabusCode,
			ComponentNumber: row.ComponentNumber,
			Strengths:       row.Strengths,
			Weaknesses:      row.Weaknesses,
		})
	}

	payload, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}

	messages := []ai.Message{
		ai.SystemMessage(historyPrompt),
		ai.UserMessage("Provided is the recent performance of the student on practice exam papers, in the format of json:" + string(payload)),
	}

	resp, err := ai.Invoke[holisticResponse](ctx, f.client, f.model, messages, holisticSchema)
	if err != nil {
		return "", fmt.Errorf("summarize history: %w", err)
	}

	comment := f.clean(resp.Comment)
	if comment == "" {
		return "", ai.NewSchemaViolation(holisticSchema.Name, "comment is empty")
	}

	f.logger.Info().Str("student_id", ledger.StudentID).Int("submissions", len(entries)).Msg("holistic feedback produced")
	return comment, nil
}

// markupTag matches real HTML elements only. Comparisons such as "x<y and z>w" are not
// tags and must reach the record unchanged.
var markupTag = regexp.MustCompile(`(?i)</?(?:a|b|i|u|s|em|strong|p|br|hr|div|span|font|small|big|sub|sup|code|pre|blockquote|ul|ol|li|h[1-6]|table|thead|tbody|tr|td|th|img|iframe|object|embed|script|style)(?:\s+[a-z-]+\s*=\s*(?:"[^"]*"|'[^']*'))*\s*/?>`)

// clean strips markup from assessor prose. Text outside recognised tags is escaped before
// sanitising, so the policy never mistakes an inequality for a tag.
func (f *FeedbackSynthesizer) clean(text string) string {
	var b strings.Builder
	last := 0
	for _, loc := range markupTag.FindAllStringIndex(text, -1) {
		b.WriteString(html.EscapeString(text[last:loc[0]]))
		b.WriteString(text[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(html.EscapeString(text[last:]))

	return strings.TrimSpace(html.UnescapeString(f.sanitizer.Sanitize(b.String())))
}
