package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-marker/internal/models"
	"github.com/noah-isme/gema-marker/internal/observability"
	"github.com/noah-isme/gema-marker/internal/repository"
	"github.com/noah-isme/gema-marker/pkg/ai"
	"github.com/noah-isme/gema-marker/pkg/rasterizer"
)

// ErrRunNotFound indicates the run journal has no such run.
var ErrRunNotFound = errors.New("marking run not found")

// MarkingRequest names the submission to mark and the documents to mark it with.
type MarkingRequest struct {
	StudentID      string
	SubmissionID   string
	SubmissionPath string
	SchemePath     string
	ThresholdsPath string
	// CorrelationID ties the run's logs and events to the request that queued it.
	CorrelationID  string
}

// RunResult is the single terminal outcome of a run. Record is nil unless State is done.
type RunResult struct {
	RunID       string
	State       string
	Record      *models.SubmissionRecord
	FailedStage string
	Cause       string
}

// ResultStore persists records and serves the history ledger.
type ResultStore interface {
	Persist(ctx context.Context, record models.SubmissionRecord) (models.HistoryLedger, error)
	Ledger(ctx context.Context, studentID string) (models.HistoryLedger, error)
}

// MarkingService is the surface consumed by the CLI and the HTTP handlers.
type MarkingService interface {
	Run(ctx context.Context, req MarkingRequest) (RunResult, error)
	Submit(ctx context.Context, req MarkingRequest) (string, error)
	RunStatus(ctx context.Context, runID string) (models.MarkingRun, error)
	Ledger(ctx context.Context, studentID string) (models.HistoryLedger, error)
	Feedback(ctx context.Context, studentID string) (string, error)
}

// OrchestratorConfig tunes a MarkingOrchestrator.
type OrchestratorConfig struct {
	Models             Models
	MarkingConcurrency int
	Retry              RetryPolicy
}

// MarkingOrchestrator drives a submission from raw documents to a persisted record. It is
// the only place that decides between retrying and failing.
type MarkingOrchestrator struct {
	rasterizer rasterizer.Rasterizer
	extractor  *StructureExtractor
	marker     *QuestionMarker
	grader     *GradeResolver
	feedback   *FeedbackSynthesizer
	store      ResultStore
	runs       repository.MarkingRunRepository
	events     EventPublisher

	retry       RetryPolicy
	concurrency int
	tracer      trace.Tracer
	logger      zerolog.Logger

	active     sync.Map
	background sync.WaitGroup
	now        func() time.Time
}

// NewMarkingOrchestrator wires the marking stages. runs and events are optional.
func NewMarkingOrchestrator(client *ai.Client, raster rasterizer.Rasterizer, store ResultStore, runs repository.MarkingRunRepository, events EventPublisher, cfg OrchestratorConfig, logger zerolog.Logger) *MarkingOrchestrator {
	if cfg.MarkingConcurrency <= 0 {
		cfg.MarkingConcurrency = 4
	}
	if cfg.Retry.isZero() {
		cfg.Retry = DefaultRetryPolicy()
	}

	return &MarkingOrchestrator{
		rasterizer:  raster,
		extractor:   NewStructureExtractor(client, cfg.Models.Structure, logger),
		marker:      NewQuestionMarker(client, cfg.Models.Marking, logger),
		grader:      NewGradeResolver(client, cfg.Models.Grading, logger),
		feedback:    NewFeedbackSynthesizer(client, cfg.Models.Feedback, logger),
		store:       store,
		runs:        runs,
		events:      events,
		retry:       cfg.Retry,
		concurrency: cfg.MarkingConcurrency,
		tracer:      otel.Tracer("github.com/noah-isme/gema-marker/internal/service/marking"),
		logger:      logger.With().Str("component", "marking_orchestrator").Logger(),
		now:         time.Now,
	}
}

// Run marks the submission and blocks until the run is terminal. A failed run returns
// its result alongside a *StageError naming the stage.
func (o *MarkingOrchestrator) Run(ctx context.Context, req MarkingRequest) (RunResult, error) {
	run, release, err := o.start(ctx, req)
	if err != nil {
		return RunResult{}, err
	}
	defer release()

	return o.execute(ctx, run, req)
}

// Submit starts the run in the background and returns its id. Progress is visible through
// RunStatus.
func (o *MarkingOrchestrator) Submit(ctx context.Context, req MarkingRequest) (string, error) {
	if o.runs == nil {
		return "", fmt.Errorf("background runs need a run journal")
	}

	run, release, err := o.start(ctx, req)
	if err != nil {
		return "", err
	}

	runCtx := context.WithoutCancel(ctx)
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		defer release()
		_, _ = o.execute(runCtx, run, req)
	}()

	return run.ID, nil
}

// Wait blocks until every background run has finished.
func (o *MarkingOrchestrator) Wait() {
	o.background.Wait()
}

// RunStatus reads a run from the journal.
func (o *MarkingOrchestrator) RunStatus(ctx context.Context, runID string) (models.MarkingRun, error) {
	if o.runs == nil {
		return models.MarkingRun{}, ErrRunNotFound
	}

	run, err := o.runs.GetByID(ctx, runID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.MarkingRun{}, ErrRunNotFound
	}
	if err != nil {
		return models.MarkingRun{}, fmt.Errorf("read marking run: %w", err)
	}
	return run, nil
}

// Ledger returns the student's last rebuilt history ledger.
func (o *MarkingOrchestrator) Ledger(ctx context.Context, studentID string) (models.HistoryLedger, error) {
	if !repository.ValidKey(studentID) {
		return models.HistoryLedger{}, invalid("student_id", "%q is not a valid key", studentID)
	}
	return o.store.Ledger(ctx, studentID)
}

// Feedback produces the holistic comment over the student's whole ledger.
func (o *MarkingOrchestrator) Feedback(ctx context.Context, studentID string) (string, error) {
	ledger, err := o.Ledger(ctx, studentID)
	if err != nil {
		return "", err
	}

	return withRetry(ctx, o.retry, o.logger, "holistic feedback", func(ctx context.Context) (string, error) {
		return o.feedback.Holistic(ctx, ledger)
	})
}

func (o *MarkingOrchestrator) start(ctx context.Context, req MarkingRequest) (*models.MarkingRun, func(), error) {
	if err := validateRequest(req); err != nil {
		return nil, nil, err
	}

	key := req.StudentID + "/" + req.SubmissionID
	if _, running := o.active.LoadOrStore(key, struct{}{}); running {
		return nil, nil, fmt.Errorf("%w: %s", ErrRunInProgress, key)
	}
	release := func() { o.active.Delete(key) }

	run := &models.MarkingRun{
		ID:           uuid.NewString(),
		StudentID:    req.StudentID,
		SubmissionID: req.SubmissionID,
		State:        models.RunStateIngesting,
		StartedAt:    o.now().UTC(),
	}
	if o.runs != nil {
		if err := o.runs.Create(ctx, run); err != nil {
			release()
			return nil, nil, fmt.Errorf("journal marking run: %w", err)
		}
	}

	return run, release, nil
}

func validateRequest(req MarkingRequest) error {
	if !repository.ValidKey(req.StudentID) {
		return invalid("student_id", "%q is not a valid key", req.StudentID)
	}
	if !repository.ValidKey(req.SubmissionID) {
		return invalid("submission_id", "%q is not a valid key", req.SubmissionID)
	}
	for field, path := range map[string]string{
		"submission": req.SubmissionPath,
		"scheme":     req.SchemePath,
		"thresholds": req.ThresholdsPath,
	} {
		if strings.TrimSpace(path) == "" {
			return invalid(field, "document path is required")
		}
	}
	return nil
}

type documents struct {
	submission models.Document
	scheme     models.Document
	thresholds models.Document
}

func (o *MarkingOrchestrator) execute(ctx context.Context, run *models.MarkingRun, req MarkingRequest) (RunResult, error) {
	ctx, span := o.tracer.Start(ctx, "marking.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("student.id", run.StudentID),
		attribute.String("submission.id", run.SubmissionID),
	))
	defer span.End()

	logger := o.logger.With().
		Str("run_id", run.ID).
		Str("student_id", run.StudentID).
		Str("submission_id", run.SubmissionID).
		Logger()
	if req.CorrelationID != "" {
		logger = logger.With().Str("correlation_id", req.CorrelationID).Logger()
	}

	started := o.now()
	fail := func(stage string, err error) (RunResult, error) {
		stageErr := &StageError{Stage: stage, Err: err}
		span.RecordError(stageErr)
		span.SetStatus(codes.Error, stage)

		finished := o.now().UTC()
		run.State = models.RunStateFailed
		run.FailedStage = stage
		run.Cause = stageErr.Error()
		run.FinishedAt = &finished
		o.journal(ctx, logger, run)

		observability.MarkingRuns().WithLabelValues(models.RunStateFailed).Inc()
		observability.MarkingStageFailures().WithLabelValues(stage).Inc()
		observability.MarkingRunDuration().Observe(o.now().Sub(started).Seconds())
		o.announce(ctx, logger, run, req.CorrelationID)

		logger.Error().Err(err).Str("stage", stage).Msg("marking run failed")
		return RunResult{RunID: run.ID, State: run.State, FailedStage: stage, Cause: run.Cause}, stageErr
	}
	enter := func(state string) {
		run.State = state
		o.journal(ctx, logger, run)
		logger.Info().Str("state", state).Msg("marking run transition")
	}

	logger.Info().Str("state", run.State).Msg("marking run started")
	docs, err := o.ingest(ctx, req)
	if err != nil {
		return fail(models.RunStateIngesting, err)
	}

	enter(models.RunStateExtracting)
	structure, err := withRetry(ctx, o.retry, logger, "structure", func(ctx context.Context) (models.PaperStructure, error) {
		return o.extractor.Extract(ctx, docs.submission, docs.scheme)
	})
	if err != nil {
		return fail(models.RunStateExtracting, err)
	}
	if len(structure.Questions) == 0 {
		logger.Warn().Msg("paper structure lists no questions")
	}

	enter(models.RunStateMarking)
	marked, err := o.markAll(ctx, logger, structure, docs)
	if err != nil {
		return fail(models.RunStateMarking, err)
	}

	enter(models.RunStateAggregating)
	report := models.MarkingReport{
		SyllabusCode:    structure.SyllabusCode,
		ComponentNumber: structure.ComponentNumber,
		Questions:       marked,
	}
	score := report.Score()
	run.Score = score.Awarded
	run.MaxScore = score.Available
	if questions, err := json.Marshal(marked); err == nil {
		run.Questions = questions
	}

	enter(models.RunStateGrading)
	resolution, err := withRetry(ctx, o.retry, logger, "grade", func(ctx context.Context) (GradeResolution, error) {
		return o.grader.Resolve(ctx, structure.ComponentNumber, score.Awarded, docs.thresholds)
	})
	if err != nil {
		return fail(models.RunStateGrading, err)
	}
	run.Grade = resolution.Grade

	enter(models.RunStateSynthesizing)
	feedback, err := withRetry(ctx, o.retry, logger, "feedback", func(ctx context.Context) (Feedback, error) {
		return o.feedback.Summarize(ctx, report)
	})
	if err != nil {
		return fail(models.RunStateSynthesizing, err)
	}
	report.Strengths = feedback.Strengths
	report.Weaknesses = feedback.Weaknesses

	enter(models.RunStatePersisting)
	if err := ctx.Err(); err != nil {
		return fail(models.RunStatePersisting, err)
	}
	record := models.SubmissionRecord{
		StudentID:    run.StudentID,
		SubmissionID: run.SubmissionID,
		Report:       report,
		Score:        score,
		Grade:        resolution.Grade,
	}
	ledger, err := o.store.Persist(ctx, record)
	if err != nil {
		return fail(models.RunStatePersisting, err)
	}

	finished := o.now().UTC()
	run.FinishedAt = &finished
	enter(models.RunStateDone)

	observability.MarkingRuns().WithLabelValues(models.RunStateDone).Inc()
	observability.MarkingRunDuration().Observe(o.now().Sub(started).Seconds())
	o.announce(ctx, logger, run, req.CorrelationID)

	logger.Info().
		Int("score", score.Awarded).
		Int("max_score", score.Available).
		Str("grade", resolution.Grade).
		Int("ledger_rows", len(ledger.Rows)).
		Msg("marking run finished")

	return RunResult{RunID: run.ID, State: run.State, Record: &record}, nil
}

func (o *MarkingOrchestrator) ingest(ctx context.Context, req MarkingRequest) (documents, error) {
	var docs documents
	group, groupCtx := errgroup.WithContext(ctx)

	load := func(kind models.DocumentKind, path string, into *models.Document) {
		group.Go(func() error {
			pages, err := o.rasterizer.Rasterize(groupCtx, path)
			if err != nil {
				return fmt.Errorf("render %s: %w", kind, err)
			}
			if len(pages) == 0 {
				return fmt.Errorf("render %s: %w", kind, rasterizer.ErrNoPages)
			}
			*into = toDocument(kind, pages)
			return nil
		})
	}
	load(models.DocumentSubmission, req.SubmissionPath, &docs.submission)
	load(models.DocumentMarkingScheme, req.SchemePath, &docs.scheme)
	load(models.DocumentThresholdTable, req.ThresholdsPath, &docs.thresholds)

	if err := group.Wait(); err != nil {
		return documents{}, err
	}
	return docs, nil
}

// markAll fans the questions out under the concurrency cap. The first fatal error cancels
// the remaining calls; results keep the extractor's order whatever order they finish in.
func (o *MarkingOrchestrator) markAll(ctx context.Context, logger zerolog.Logger, structure models.PaperStructure, docs documents) ([]models.MarkedQuestion, error) {
	marked := make([]models.MarkedQuestion, len(structure.Questions))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.concurrency)
	for i, locator := range structure.Questions {
		group.Go(func() error {
			question, err := withRetry(groupCtx, o.retry, logger, "question "+locator.QuestionNumber, func(ctx context.Context) (models.MarkedQuestion, error) {
				return o.marker.Mark(ctx, locator, docs.submission, docs.scheme)
			})
			if err != nil {
				return err
			}
			marked[i] = question
			observability.QuestionsMarked().Inc()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return marked, nil
}

func (o *MarkingOrchestrator) journal(ctx context.Context, logger zerolog.Logger, run *models.MarkingRun) {
	if o.runs == nil {
		return
	}
	if err := o.runs.Update(context.WithoutCancel(ctx), run); err != nil {
		logger.Warn().Err(err).Str("state", run.State).Msg("failed to journal marking run")
	}
}

func (o *MarkingOrchestrator) announce(ctx context.Context, logger zerolog.Logger, run *models.MarkingRun, correlationID string) {
	if o.events == nil {
		return
	}

	event := MarkingEvent{
		RunID:         run.ID,
		StudentID:     run.StudentID,
		SubmissionID:  run.SubmissionID,
		State:         run.State,
		FailedStage:   run.FailedStage,
		Cause:         run.Cause,
		Score:         run.Score,
		MaxScore:      run.MaxScore,
		Grade:         run.Grade,
		CorrelationID: correlationID,
		FinishedAt:    o.now().UTC(),
	}
	if run.FinishedAt != nil {
		event.FinishedAt = *run.FinishedAt
	}
	if err := o.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		logger.Warn().Err(err).Msg("failed to publish marking event")
	}
}

func toDocument(kind models.DocumentKind, pages []rasterizer.Page) models.Document {
	doc := models.Document{Kind: kind, Pages: make([]models.PageImage, 0, len(pages))}
	for _, page := range pages {
		doc.Pages = append(doc.Pages, models.PageImage{Number: page.Number, MIMEType: page.MIMEType, Data: page.Data})
	}
	return doc
}
