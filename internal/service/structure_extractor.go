package service

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-marker/internal/models"
	"github.com/noah-isme/gema-marker/pkg/ai"
)

// compound labels list parts ("3(a)(i and ii)", "3(a), (b)", "2 & 3") or span them
// ("3(a)-(c)"). Separators inside one label, as in "Q-1" or "4/5", are allowed.
var compoundLabel = regexp.MustCompile(`(?i)\band\b|[,&;]|\)\s*[-–+/]\s*\(`)

// StructureExtractor identifies the syllabus metadata and every question of a paper.
type StructureExtractor struct {
	client *ai.Client
	model  string
	logger zerolog.Logger
}

// NewStructureExtractor constructs the first marking stage.
func NewStructureExtractor(client *ai.Client, model string, logger zerolog.Logger) *StructureExtractor {
	return &StructureExtractor{
		client: client,
		model:  model,
		logger: logger.With().Str("component", "structure_extractor").Logger(),
	}
}

// Extract makes one call over both full documents and validates the locators it returns.
func (e *StructureExtractor) Extract(ctx context.Context, submission, scheme models.Document) (models.PaperStructure, error) {
	messages := []ai.Message{ai.SystemMessage(examinerPrompt)}
	messages = append(messages, ai.PageMessages(models.DocumentSubmission.Label(), toAIPages(submission.Pages), submission.PageCount())...)
	messages = append(messages, ai.PageMessages(models.DocumentMarkingScheme.Label(), toAIPages(scheme.Pages), scheme.PageCount())...)
	messages = append(messages, ai.UserMessage(
		"Now, please fill in some general information that you see in the exam paper and the marking scheme. "+
			"List every question separately, never as a compound like 3(a)(i and ii), and give contiguous page ranges "+
			"for its statement, its answer space and its marking guidance. Statement and answer pages may coincide."))

	resp, err := ai.Invoke[structureResponse](ctx, e.client, e.model, messages, structureSchema)
	if err != nil {
		return models.PaperStructure{}, fmt.Errorf("extract paper structure: %w", err)
	}

	structure, err := buildStructure(resp, submission.PageCount(), scheme.PageCount())
	if err != nil {
		return models.PaperStructure{}, err
	}

	e.logger.Info().
		Str("syllabus_code", structure.SyllabusCode).
		Str("component_number", structure.ComponentNumber).
		Int("questions", len(structure.Questions)).
		Msg("paper structure extracted")

	return structure, nil
}

func buildStructure(resp structureResponse, submissionPages, schemePages int) (models.PaperStructure, error) {
	structure := models.PaperStructure{
		SyllabusCode:    strings.TrimSpace(resp.SyllabusCode),
		ComponentNumber: strings.TrimSpace(resp.ComponentNumber),
		Questions:       make([]models.QuestionLocator, 0, len(resp.Questions)),
	}

	seen := make(map[string]struct{}, len(resp.Questions))
	for i, question := range resp.Questions {
		label := strings.TrimSpace(question.QuestionNumber)
		field := fmt.Sprintf("questions[%d]", i)
		if label == "" {
			return models.PaperStructure{}, invalid(field, "question number is empty")
		}
		if compoundLabel.MatchString(label) {
			return models.PaperStructure{}, invalid(field, "question number %q combines several parts", label)
		}
		if _, dup := seen[label]; dup {
			return models.PaperStructure{}, invalid(field, "question number %q appears more than once", label)
		}
		seen[label] = struct{}{}

		statement, err := contiguousRange(question.StatementPages, submissionPages)
		if err != nil {
			return models.PaperStructure{}, invalid(field+".statement_pages", "question %s: %v", label, err)
		}
		answer, err := contiguousRange(question.AnswerPages, submissionPages)
		if err != nil {
			return models.PaperStructure{}, invalid(field+".answer_pages", "question %s: %v", label, err)
		}
		scheme, err := contiguousRange(question.SchemePages, schemePages)
		if err != nil {
			return models.PaperStructure{}, invalid(field+".scheme_pages", "question %s: %v", label, err)
		}

		structure.Questions = append(structure.Questions, models.QuestionLocator{
			QuestionNumber: label,
			Statement:      statement,
			Answer:         answer,
			Scheme:         scheme,
		})
	}

	return structure, nil
}

// contiguousRange accepts page lists in any order as long as they form one gapless run
// inside the document.
func contiguousRange(pages []int, pageCount int) (models.PageRange, error) {
	if len(pages) == 0 {
		return models.PageRange{}, fmt.Errorf("page range is empty")
	}

	sorted := append([]int(nil), pages...)
	sort.Ints(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i] != sorted[i-1]+1 {
			return models.PageRange{}, fmt.Errorf("pages %v are not contiguous", pages)
		}
	}

	first, last := sorted[0], sorted[len(sorted)-1]
	if first < 1 || last > pageCount {
		return models.PageRange{}, fmt.Errorf("pages %v fall outside a document of %d pages", pages, pageCount)
	}

	return models.PageRange{First: first, Last: last}, nil
}
