package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-marker/internal/models"
	"github.com/noah-isme/gema-marker/internal/repository"
	"github.com/noah-isme/gema-marker/pkg/ai"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []MarkingEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event MarkingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) states() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	states := make([]string, 0, len(p.events))
	for _, event := range p.events {
		states = append(states, event.State)
	}
	return states
}

type orchestratorFixture struct {
	backend      *scriptedBackend
	store        *repository.RecordStore
	runs         repository.MarkingRunRepository
	events       *recordingPublisher
	orchestrator *MarkingOrchestrator
}

func newOrchestratorFixture(t *testing.T, policy RetryPolicy) *orchestratorFixture {
	t.Helper()

	backend := newScriptedBackend()
	store, err := repository.NewRecordStore(repository.RecordStoreConfig{Root: t.TempDir()}, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.MarkingRun{}))
	runs := repository.NewMarkingRunRepository(db)

	events := &recordingPublisher{}
	raster := pageRasterizer{pages: map[string]int{"qp.pdf": 6, "ms.pdf": 4, "gt.pdf": 1}}

	orchestrator := NewMarkingOrchestrator(newTestClient(t, backend), raster, store, runs, events, OrchestratorConfig{
		MarkingConcurrency: 2,
		Retry:              policy,
	}, zerolog.Nop())

	return &orchestratorFixture{backend: backend, store: store, runs: runs, events: events, orchestrator: orchestrator}
}

func (f *orchestratorFixture) scriptHappyPath(t *testing.T) {
	f.backend.on(structureSchema.Name, structureReply(t,
		location("1", []int{1}, []int{1, 2}, []int{1}),
		location("2", []int{2}, []int{3, 4}, []int{2, 3}),
	))
	f.backend.respond(markingSchema.Name, func(req ai.Request) reply {
		switch questionOf(req) {
		case "1":
			return markedReply(t, "1", 3, 1)
		case "2":
			return markedReply(t, "2", 5, 5)
		}
		return reply{err: errors.New("unexpected question")}
	})
	f.backend.on(gradeSchema.Name, gradeReply(t, "A",
		thresholdRowResponse{Grade: "A", MinimumMark: 6},
		thresholdRowResponse{Grade: "B", MinimumMark: 4},
	))
	f.backend.on(feedbackSchema.Name, feedbackReply(t, "Complete answer to question 2.", "Question 1 lacks working."))
}

func markingRequest() MarkingRequest {
	return MarkingRequest{
		StudentID:      "alice",
		SubmissionID:   "mock-1",
		SubmissionPath: "qp.pdf",
		SchemePath:     "ms.pdf",
		ThresholdsPath: "gt.pdf",
	}
}

func TestMarkingOrchestratorEndToEnd(t *testing.T) {
	f := newOrchestratorFixture(t, instantRetry(3, 1))
	f.scriptHappyPath(t)
	ctx := context.Background()

	req := markingRequest()
	req.CorrelationID = "req-42"
	result, err := f.orchestrator.Run(ctx, req)
	require.NoError(t, err)
	require.Equal(t, models.RunStateDone, result.State)
	require.NotNil(t, result.Record)
	require.Equal(t, models.Score{Awarded: 6, Available: 8}, result.Record.Score)
	require.Equal(t, "A", result.Record.Grade)
	require.Equal(t, "Complete answer to question 2.", result.Record.Report.Strengths)
	require.Equal(t, []string{"1", "2"}, []string{result.Record.Report.Questions[0].QuestionNumber, result.Record.Report.Questions[1].QuestionNumber})

	stored, err := f.store.Load(ctx, "alice", "mock-1")
	require.NoError(t, err)
	require.Equal(t, result.Record.Score, stored.Score)

	ledger, err := f.orchestrator.Ledger(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, ledger.Rows, 1)
	require.Equal(t, 6, ledger.Rows[0].Score)
	require.Equal(t, 8, ledger.Rows[0].MaxScore)

	run, err := f.orchestrator.RunStatus(ctx, result.RunID)
	require.NoError(t, err)
	require.Equal(t, models.RunStateDone, run.State)
	require.Equal(t, 6, run.Score)
	require.Equal(t, "A", run.Grade)
	require.NotNil(t, run.FinishedAt)

	require.Equal(t, []string{models.RunStateDone}, f.events.states())
	require.Equal(t, "req-42", f.events.events[0].CorrelationID)

	var question2 ai.Request
	for _, req := range f.backend.requestsFor(markingSchema.Name) {
		if questionOf(req) == "2" {
			question2 = req
		}
	}
	require.Equal(t, []string{"qp.pdf-2", "qp.pdf-3", "qp.pdf-4", "ms.pdf-2", "ms.pdf-3"}, imageTags(question2))
}

func TestMarkingOrchestratorKeepsExtractorOrder(t *testing.T) {
	f := newOrchestratorFixture(t, instantRetry(3, 1))
	f.scriptHappyPath(t)

	release := make(chan struct{})
	f.backend.respond(markingSchema.Name, func(req ai.Request) reply {
		switch questionOf(req) {
		case "1":
			<-release
			return markedReply(t, "1", 3, 1)
		default:
			close(release)
			return markedReply(t, "2", 5, 5)
		}
	})

	result, err := f.orchestrator.Run(context.Background(), markingRequest())
	require.NoError(t, err)
	require.Equal(t, "1", result.Record.Report.Questions[0].QuestionNumber)
	require.Equal(t, "2", result.Record.Report.Questions[1].QuestionNumber)
}

func TestMarkingOrchestratorRetriesSchemaViolationOnce(t *testing.T) {
	f := newOrchestratorFixture(t, instantRetry(3, 1))
	f.scriptHappyPath(t)

	var mu sync.Mutex
	attempts := 0
	f.backend.respond(markingSchema.Name, func(req ai.Request) reply {
		if questionOf(req) == "1" {
			return markedReply(t, "1", 3, 1)
		}
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return markedReply(t, "2", 5, 6)
	})

	result, err := f.orchestrator.Run(context.Background(), markingRequest())
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, models.RunStateMarking, stageErr.Stage)
	require.ErrorIs(t, err, ai.ErrSchemaViolation)
	require.Equal(t, models.RunStateFailed, result.State)
	require.Contains(t, result.Cause, "marking")
	require.Nil(t, result.Record)
	require.Equal(t, 2, attempts)

	keys, err := f.store.List(context.Background(), "alice")
	require.NoError(t, err)
	require.Empty(t, keys, "a failed run must not leave a record behind")

	run, err := f.orchestrator.RunStatus(context.Background(), result.RunID)
	require.NoError(t, err)
	require.Equal(t, models.RunStateFailed, run.State)
	require.Equal(t, models.RunStateMarking, run.FailedStage)
	require.Equal(t, []string{models.RunStateFailed}, f.events.states())
}

func TestMarkingOrchestratorRecoversFromTransientFailures(t *testing.T) {
	f := newOrchestratorFixture(t, instantRetry(3, 1))
	f.scriptHappyPath(t)
	f.backend.queues[gradeSchema.Name] = append([]reply{
		{err: &ai.TransportError{Backend: "scripted", Temporary: true, Err: errors.New("429")}},
		{err: &ai.TransportError{Backend: "scripted", Temporary: true, Err: errors.New("503")}},
	}, f.backend.queues[gradeSchema.Name]...)

	result, err := f.orchestrator.Run(context.Background(), markingRequest())
	require.NoError(t, err)
	require.Equal(t, "A", result.Record.Grade)
	require.Equal(t, 3, f.backend.callCount(gradeSchema.Name))
}

func TestMarkingOrchestratorExhaustsTransportBudget(t *testing.T) {
	f := newOrchestratorFixture(t, instantRetry(2, 1))
	f.scriptHappyPath(t)
	f.backend.queues[structureSchema.Name] = []reply{{err: &ai.TransportError{Backend: "scripted", Temporary: true, Err: errors.New("timeout")}}}

	result, err := f.orchestrator.Run(context.Background(), markingRequest())
	require.ErrorIs(t, err, ai.ErrTransport)
	require.Equal(t, models.RunStateExtracting, result.FailedStage)
	require.Equal(t, 3, f.backend.callCount(structureSchema.Name))
	require.Zero(t, f.backend.callCount(markingSchema.Name))
}

func TestMarkingOrchestratorFailsOnFailureSignal(t *testing.T) {
	f := newOrchestratorFixture(t, instantRetry(3, 1))
	f.scriptHappyPath(t)
	f.backend.queues[feedbackSchema.Name] = []reply{jsonReply(t, feedbackResponse{
		AreasOfStrength: "fine",
		CustomError:     "the marked report is unreadable",
	})}

	result, err := f.orchestrator.Run(context.Background(), markingRequest())
	var assessorErr *ai.AssessorError
	require.ErrorAs(t, err, &assessorErr)
	require.Equal(t, "the marked report is unreadable", assessorErr.Signal)
	require.Equal(t, models.RunStateSynthesizing, result.FailedStage)
	require.Contains(t, result.Cause, "the marked report is unreadable")
	require.Equal(t, 1, f.backend.callCount(feedbackSchema.Name))

	keys, err := f.store.List(context.Background(), "alice")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestMarkingOrchestratorRejectsDuplicateQuestions(t *testing.T) {
	f := newOrchestratorFixture(t, instantRetry(3, 1))
	f.scriptHappyPath(t)
	f.backend.queues[structureSchema.Name] = []reply{structureReply(t,
		location("3(a)", []int{1}, []int{1}, []int{1}),
		location("3(a)", []int{2}, []int{2}, []int{2}),
	)}

	result, err := f.orchestrator.Run(context.Background(), markingRequest())
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, models.RunStateExtracting, result.FailedStage)
	require.Equal(t, 1, f.backend.callCount(structureSchema.Name))
}

func TestMarkingOrchestratorFailsOnUnreadableDocument(t *testing.T) {
	f := newOrchestratorFixture(t, instantRetry(3, 1))
	req := markingRequest()
	req.SchemePath = "missing.pdf"

	result, err := f.orchestrator.Run(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, models.RunStateIngesting, result.FailedStage)
	require.Zero(t, f.backend.callCount(structureSchema.Name))
}

func TestMarkingOrchestratorValidatesRequest(t *testing.T) {
	f := newOrchestratorFixture(t, instantRetry(3, 1))

	req := markingRequest()
	req.StudentID = "../etc"
	_, err := f.orchestrator.Run(context.Background(), req)
	require.ErrorIs(t, err, ErrValidation)

	req = markingRequest()
	req.ThresholdsPath = ""
	_, err = f.orchestrator.Run(context.Background(), req)
	require.ErrorIs(t, err, ErrValidation)
}

func TestMarkingOrchestratorRefusesConcurrentRunOfSameKey(t *testing.T) {
	f := newOrchestratorFixture(t, instantRetry(3, 1))
	f.scriptHappyPath(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.backend.respond(structureSchema.Name, func(ai.Request) reply {
		close(entered)
		<-release
		return structureReply(t, location("1", []int{1}, []int{1, 2}, []int{1}))
	})
	f.backend.respond(markingSchema.Name, func(ai.Request) reply { return markedReply(t, "1", 3, 1) })

	runID, err := f.orchestrator.Submit(context.Background(), markingRequest())
	require.NoError(t, err)
	<-entered

	_, err = f.orchestrator.Run(context.Background(), markingRequest())
	require.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	f.orchestrator.Wait()

	run, err := f.orchestrator.RunStatus(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, models.RunStateDone, run.State)
	require.Equal(t, 1, run.Score)
}

func TestMarkingOrchestratorCancellationLeavesNoRecord(t *testing.T) {
	f := newOrchestratorFixture(t, instantRetry(3, 1))
	f.scriptHappyPath(t)

	ctx, cancel := context.WithCancel(context.Background())
	f.backend.respond(markingSchema.Name, func(req ai.Request) reply {
		cancel()
		time.Sleep(10 * time.Millisecond)
		return markedReply(t, questionOf(req), 3, 1)
	})

	result, err := f.orchestrator.Run(ctx, markingRequest())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, models.RunStateFailed, result.State)

	keys, err := f.store.List(context.Background(), "alice")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestMarkingOrchestratorHolisticFeedback(t *testing.T) {
	f := newOrchestratorFixture(t, instantRetry(3, 1))
	f.scriptHappyPath(t)
	f.backend.on(holisticSchema.Name,
		jsonReply(t, holisticResponse{Comment: ""}),
		jsonReply(t, holisticResponse{Comment: "Consistently strong."}),
	)
	ctx := context.Background()

	_, err := f.orchestrator.Feedback(ctx, "alice")
	require.ErrorIs(t, err, repository.ErrRecordNotFound)

	_, err = f.orchestrator.Run(ctx, markingRequest())
	require.NoError(t, err)

	comment, err := f.orchestrator.Feedback(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "Consistently strong.", comment)
	require.Equal(t, 2, f.backend.callCount(holisticSchema.Name))
}
