package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-marker/internal/models"
	"github.com/noah-isme/gema-marker/pkg/ai"
)

func TestStructureExtractorRejectsDuplicateQuestionNumbers(t *testing.T) {
	backend := newScriptedBackend()
	backend.on(structureSchema.Name, structureReply(t,
		location("3(a)", []int{1}, []int{1}, []int{1}),
		location("3(a)", []int{2}, []int{2}, []int{2}),
	))
	extractor := NewStructureExtractor(newTestClient(t, backend), "model", zerolog.Nop())

	_, err := extractor.Extract(context.Background(),
		testDocument(models.DocumentSubmission, "qp", 4),
		testDocument(models.DocumentMarkingScheme, "ms", 3))

	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	require.ErrorIs(t, err, ErrValidation)
	require.Contains(t, validation.Reason, "3(a)")
	require.Equal(t, 1, backend.callCount(structureSchema.Name))
}

func TestBuildStructureValidatesLocators(t *testing.T) {
	cases := []struct {
		name     string
		question questionLocation
	}{
		{"compound parts", location("3(a)(i and ii)", []int{1}, []int{1}, []int{1})},
		{"listed parts", location("3(a), (b)", []int{1}, []int{1}, []int{1})},
		{"joined questions", location("2 & 3", []int{1}, []int{1}, []int{1})},
		{"spanned parts", location("3(a)-(c)", []int{1}, []int{1}, []int{1})},
		{"blank label", location("  ", []int{1}, []int{1}, []int{1})},
		{"gap in answer space", location("4", []int{1}, []int{1, 3}, []int{1})},
		{"empty scheme range", location("4", []int{1}, []int{1}, []int{})},
		{"page past the end", location("4", []int{1}, []int{5}, []int{1})},
		{"page zero", location("4", []int{0, 1}, []int{1}, []int{1})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := buildStructure(structureResponse{Questions: []questionLocation{tc.question}}, 4, 3)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestBuildStructureAcceptsSeparatorsWithinOneLabel(t *testing.T) {
	structure, err := buildStructure(structureResponse{
		Questions: []questionLocation{
			location("Q-1", []int{1}, []int{1}, []int{1}),
			location("4/5", []int{2}, []int{2}, []int{2}),
			location("6(b)(ii)", []int{3}, []int{3}, []int{3}),
		},
	}, 4, 3)
	require.NoError(t, err)
	require.Len(t, structure.Questions, 3)
	require.Equal(t, "4/5", structure.Questions[1].QuestionNumber)
}

func TestBuildStructureNormalisesRanges(t *testing.T) {
	structure, err := buildStructure(structureResponse{
		SyllabusCode:    " 9709 ",
		ComponentNumber: "12",
		Questions: []questionLocation{
			location("1", []int{1}, []int{1}, []int{1}),
			location("2(a)", []int{2}, []int{4, 3}, []int{3, 2}),
		},
	}, 4, 3)
	require.NoError(t, err)
	require.Equal(t, "9709", structure.SyllabusCode)
	require.Len(t, structure.Questions, 2)
	require.Equal(t, models.PageRange{First: 3, Last: 4}, structure.Questions[1].Answer)
	require.Equal(t, models.PageRange{First: 2, Last: 3}, structure.Questions[1].Scheme)
}

func TestQuestionMarkerSendsOnlyTheQuestionPages(t *testing.T) {
	backend := newScriptedBackend()
	backend.on(markingSchema.Name, markedReply(t, "2", 5, 4))
	marker := NewQuestionMarker(newTestClient(t, backend), "model", zerolog.Nop())

	locator := models.QuestionLocator{
		QuestionNumber: "2",
		Statement:      models.PageRange{First: 2, Last: 2},
		Answer:         models.PageRange{First: 3, Last: 4},
		Scheme:         models.PageRange{First: 2, Last: 3},
	}
	marked, err := marker.Mark(context.Background(), locator,
		testDocument(models.DocumentSubmission, "qp", 6),
		testDocument(models.DocumentMarkingScheme, "ms", 5))
	require.NoError(t, err)
	require.Equal(t, 4, marked.AwardedMarks)

	requests := backend.requestsFor(markingSchema.Name)
	require.Len(t, requests, 1)
	require.Equal(t, []string{"qp-2", "qp-3", "qp-4", "ms-2", "ms-3"}, imageTags(requests[0]))

	var markers []string
	for _, message := range requests[0].Messages {
		if len(message.Images) > 0 {
			markers = append(markers, message.Text)
		}
	}
	require.Equal(t, "This is page 2/6 of the exam paper that the candidate has written.", markers[0])
	require.Equal(t, "This is page 3/5 of the marking scheme.", markers[4])
	require.Equal(t, "2", questionOf(requests[0]))
}

func TestQuestionMarkerRejectsOutOfDocumentSlice(t *testing.T) {
	backend := newScriptedBackend()
	marker := NewQuestionMarker(newTestClient(t, backend), "model", zerolog.Nop())

	locator := models.QuestionLocator{
		QuestionNumber: "9",
		Statement:      models.PageRange{First: 5, Last: 5},
		Answer:         models.PageRange{First: 5, Last: 7},
		Scheme:         models.PageRange{First: 1, Last: 1},
	}
	_, err := marker.Mark(context.Background(), locator,
		testDocument(models.DocumentSubmission, "qp", 6),
		testDocument(models.DocumentMarkingScheme, "ms", 2))
	require.ErrorIs(t, err, ErrValidation)
	require.Zero(t, backend.callCount(markingSchema.Name))
}

func TestCheckMarkedQuestion(t *testing.T) {
	points := []gradingPointResponse{
		{Type: "M", MarksWorth: 1, MarksEarned: 1},
		{Type: "A", MarksWorth: 2, MarksEarned: 0},
	}

	marked, err := checkMarkedQuestion("1", markedQuestionResponse{QuestionNumber: "1", GradingPoints: points, MaxMarks: 3, AwardedMarks: 1})
	require.NoError(t, err)
	require.Len(t, marked.GradingPoints, 2)

	invalidResponses := map[string]markedQuestionResponse{
		"awarded above max":     {QuestionNumber: "1", MaxMarks: 3, AwardedMarks: 4},
		"negative award":        {QuestionNumber: "1", MaxMarks: 3, AwardedMarks: -1},
		"wrong question":        {QuestionNumber: "2", MaxMarks: 3, AwardedMarks: 1},
		"points short of max":   {QuestionNumber: "1", GradingPoints: points[:1], MaxMarks: 3, AwardedMarks: 1},
		"point earned too much": {QuestionNumber: "1", GradingPoints: []gradingPointResponse{{Type: "B", MarksWorth: 1, MarksEarned: 2}}, MaxMarks: 1, AwardedMarks: 1},
		"worthless point":       {QuestionNumber: "1", GradingPoints: []gradingPointResponse{{Type: "B", MarksWorth: 0}}, MaxMarks: 0},
	}
	for name, resp := range invalidResponses {
		t.Run(name, func(t *testing.T) {
			_, err := checkMarkedQuestion("1", resp)
			require.ErrorIs(t, err, ai.ErrSchemaViolation)
		})
	}
}

func TestGradeResolverComputesGradeLocally(t *testing.T) {
	resolver := NewGradeResolver(nil, "model", zerolog.Nop())
	table := gradeResponse{
		Thresholds: []thresholdRowResponse{{Grade: "B", MinimumMark: 45}, {Grade: "A", MinimumMark: 60}, {Grade: "C", MinimumMark: 30}},
		Grade:      "A",
	}

	cases := map[int]string{75: "A", 60: "A", 59: "B", 45: "B", 44: "C", 30: "C", 5: models.GradeUngraded, 0: models.GradeUngraded}
	for total, want := range cases {
		resolution, err := resolver.resolve("12", total, table)
		require.NoError(t, err)
		require.Equal(t, want, resolution.Grade, "total %d", total)
		require.Len(t, resolution.Thresholds, 3)
	}
}

func TestGradeResolverNeverTrustsAssessorGrade(t *testing.T) {
	resolver := NewGradeResolver(nil, "model", zerolog.Nop())

	_, err := resolver.resolve("12", 5, gradeResponse{Grade: "A"})
	require.ErrorIs(t, err, ai.ErrSchemaViolation)

	resolution, err := resolver.resolve("12", 5, gradeResponse{
		Thresholds: []thresholdRowResponse{{Grade: "A", MinimumMark: 60}, {Grade: "E", MinimumMark: 12}},
		Grade:      "A",
	})
	require.NoError(t, err)
	require.Equal(t, models.GradeUngraded, resolution.Grade)

	_, err = resolver.resolve("12", 50, gradeResponse{Thresholds: []thresholdRowResponse{{Grade: "", MinimumMark: 10}}})
	require.ErrorIs(t, err, ai.ErrSchemaViolation)
}

func TestGradeResolverRetriesEmptyThresholdTableOnce(t *testing.T) {
	backend := newScriptedBackend()
	backend.on(gradeSchema.Name, gradeReply(t, "A"), gradeReply(t, "A", thresholdRowResponse{Grade: "A", MinimumMark: 60}))
	resolver := NewGradeResolver(newTestClient(t, backend), "model", zerolog.Nop())

	resolution, err := withRetry(context.Background(), instantRetry(3, 1), zerolog.Nop(), "grade", func(ctx context.Context) (GradeResolution, error) {
		return resolver.Resolve(ctx, "12", 5, testDocument(models.DocumentThresholdTable, "gt", 1))
	})
	require.NoError(t, err)
	require.Equal(t, models.GradeUngraded, resolution.Grade)
	require.Len(t, backend.requestsFor(gradeSchema.Name), 2)
}

func TestGradeResolverSendsTotalAsFact(t *testing.T) {
	backend := newScriptedBackend()
	backend.on(gradeSchema.Name, gradeReply(t, "B", thresholdRowResponse{Grade: "A", MinimumMark: 6}, thresholdRowResponse{Grade: "B", MinimumMark: 4}))
	resolver := NewGradeResolver(newTestClient(t, backend), "model", zerolog.Nop())

	resolution, err := resolver.Resolve(context.Background(), "12", 6, testDocument(models.DocumentThresholdTable, "gt", 1))
	require.NoError(t, err)
	require.Equal(t, "A", resolution.Grade)

	requests := backend.requestsFor(gradeSchema.Name)
	require.Len(t, requests, 1)
	last := requests[0].Messages[len(requests[0].Messages)-1]
	require.Contains(t, last.Text, "total raw mark of 6")
	require.Equal(t, []string{"gt-1"}, imageTags(requests[0]))
}

func TestFeedbackSynthesizerStripsMarkup(t *testing.T) {
	backend := newScriptedBackend()
	backend.on(feedbackSchema.Name, feedbackReply(t, "<b>Strong</b> recall & accuracy", "<script>x</script>Show working"))
	synthesizer := NewFeedbackSynthesizer(newTestClient(t, backend), "model", zerolog.Nop())

	feedback, err := synthesizer.Summarize(context.Background(), models.MarkingReport{
		Questions: []models.MarkedQuestion{{QuestionNumber: "1", MaxMarks: 3, AwardedMarks: 1}},
	})
	require.NoError(t, err)
	require.Equal(t, "Strong recall & accuracy", feedback.Strengths)
	require.Equal(t, "Show working", feedback.Weaknesses)
}

func TestFeedbackSynthesizerKeepsInequalities(t *testing.T) {
	synthesizer := NewFeedbackSynthesizer(nil, "model", zerolog.Nop())

	cases := map[string]string{
		"Correctly stated that x<y and z>w for the limit.": "Correctly stated that x<y and z>w for the limit.",
		"Showed a<b and c>d":                                "Showed a<b and c>d",
		"Used 0 < p < 1 & q > 2":                            "Used 0 < p < 1 & q > 2",
		`<p class="note">Check <em>a<b</em></p>`:            "Check a<b",
		"<b>Good</b> use of x<y":                            "Good use of x<y",
	}
	for input, want := range cases {
		require.Equal(t, want, synthesizer.clean(input), input)
	}
}

func TestFeedbackSynthesizerHolistic(t *testing.T) {
	backend := newScriptedBackend()
	backend.on(holisticSchema.Name, jsonReply(t, holisticResponse{Comment: "Steady improvement in algebra."}))
	synthesizer := NewFeedbackSynthesizer(newTestClient(t, backend), "model", zerolog.Nop())

	_, err := synthesizer.Holistic(context.Background(), models.HistoryLedger{StudentID: "alice"})
	require.ErrorIs(t, err, ErrValidation)

	comment, err := synthesizer.Holistic(context.Background(), models.HistoryLedger{
		StudentID: "alice",
		Rows: []models.LedgerRow{
			{SyllabusCode: "9709", ComponentNumber: "12", Score: 6, MaxScore: 8, Grade: "A"},
			{SyllabusCode: "9709", ComponentNumber: "32", Score: 3, MaxScore: 8, Grade: "C"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "Steady improvement in algebra.", comment)

	requests := backend.requestsFor(holisticSchema.Name)
	require.Len(t, requests, 1)
	payload := requests[0].Messages[len(requests[0].Messages)-1].Text
	require.Less(t, strings.Index(payload, `"component_number":"12"`), strings.Index(payload, `"component_number":"32"`))
}

func TestWithRetryPolicy(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()

	t.Run("schema violation retried once", func(t *testing.T) {
		calls := 0
		_, err := withRetry(ctx, instantRetry(3, 1), logger, "test", func(context.Context) (int, error) {
			calls++
			return 0, ai.NewSchemaViolation("s", "bad")
		})
		require.ErrorIs(t, err, ai.ErrSchemaViolation)
		require.Equal(t, 2, calls)
	})

	t.Run("schema violation recovers", func(t *testing.T) {
		calls := 0
		value, err := withRetry(ctx, instantRetry(3, 1), logger, "test", func(context.Context) (int, error) {
			calls++
			if calls == 1 {
				return 0, ai.NewSchemaViolation("s", "bad")
			}
			return 7, nil
		})
		require.NoError(t, err)
		require.Equal(t, 7, value)
	})

	t.Run("transport budget", func(t *testing.T) {
		calls := 0
		_, err := withRetry(ctx, instantRetry(3, 1), logger, "test", func(context.Context) (int, error) {
			calls++
			return 0, &ai.TransportError{Backend: "stub", Temporary: true, Err: errors.New("503")}
		})
		require.ErrorIs(t, err, ai.ErrTransport)
		require.Contains(t, err.Error(), "retry budget of 3 exhausted")
		require.Equal(t, 4, calls)
	})

	t.Run("permanent transport failure", func(t *testing.T) {
		calls := 0
		_, err := withRetry(ctx, instantRetry(3, 1), logger, "test", func(context.Context) (int, error) {
			calls++
			return 0, &ai.TransportError{Backend: "stub", Temporary: false, Err: errors.New("401")}
		})
		require.ErrorIs(t, err, ai.ErrTransport)
		require.Equal(t, 1, calls)
	})

	t.Run("fatal errors are not retried", func(t *testing.T) {
		for _, fatal := range []error{
			&ai.AssessorError{Schema: "s", Signal: "illegible"},
			invalid("questions[0]", "duplicate"),
		} {
			calls := 0
			_, err := withRetry(ctx, instantRetry(3, 1), logger, "test", func(context.Context) (int, error) {
				calls++
				return 0, fatal
			})
			require.ErrorIs(t, err, fatal)
			require.Equal(t, 1, calls)
		}
	})

	t.Run("backoff doubles up to the cap", func(t *testing.T) {
		policy := DefaultRetryPolicy()
		require.Equal(t, policy.BaseBackoff, policy.backoff(0))
		require.Equal(t, 2*policy.BaseBackoff, policy.backoff(1))
		require.Equal(t, policy.MaxBackoff, policy.backoff(10))
	})
}
