package handler

import (
	"errors"
	"fmt"
	"mime/multipart"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-marker/internal/dto"
	"github.com/noah-isme/gema-marker/internal/middleware"
	"github.com/noah-isme/gema-marker/internal/repository"
	"github.com/noah-isme/gema-marker/internal/service"
	"github.com/noah-isme/gema-marker/internal/utils"
	"github.com/noah-isme/gema-marker/pkg/ai"
)

var allowedDocumentTypes = []string{"application/pdf", "image/png", "image/jpeg"}

// documentParts maps multipart file fields to the stored file stem.
var documentParts = []string{"submission", "scheme", "thresholds"}

// MarkingHandler exposes marking runs, ledgers and holistic feedback.
type MarkingHandler struct {
	service   service.MarkingService
	validator *validator.Validate
	inbox     string
	logger    zerolog.Logger
}

// NewMarkingHandler builds a marking handler. Uploaded documents are kept under inbox.
func NewMarkingHandler(service service.MarkingService, validate *validator.Validate, inbox string, logger zerolog.Logger) (*MarkingHandler, error) {
	if validate == nil {
		return nil, errors.New("marking handler requires a validator")
	}
	err := validate.RegisterValidation("record_key", func(fl validator.FieldLevel) bool {
		return repository.ValidKey(fl.Field().String())
	})
	if err != nil {
		return nil, fmt.Errorf("register record_key validation: %w", err)
	}

	return &MarkingHandler{
		service:   service,
		validator: validate,
		inbox:     inbox,
		logger:    logger.With().Str("component", "marking_handler").Logger(),
	}, nil
}

// RegisterMarkings attaches the run routes.
func (h *MarkingHandler) RegisterMarkings(router fiber.Router) {
	router.Post("", h.create)
	router.Get("/runs/:id", h.run)
}

// RegisterStudents attaches the per-student routes. Students only reach their own.
func (h *MarkingHandler) RegisterStudents(router fiber.Router) {
	owner := middleware.RequireStudentOrStaff("student")
	router.Get("/:student/ledger", owner, h.ledger)
	router.Post("/:student/feedback", owner, h.feedback)
}

func (h *MarkingHandler) create(c *fiber.Ctx) error {
	var payload dto.MarkingCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return h.handleError(c, err)
	}

	files := make(map[string]*multipart.FileHeader, len(documentParts))
	for _, part := range documentParts {
		file, err := c.FormFile(part)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, part+" file is required")
		}
		files[part] = file
	}

	dir := filepath.Join(h.inbox, payload.StudentID, payload.SubmissionID+"-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return h.handleError(c, fmt.Errorf("create inbox: %w", err))
	}

	paths := make(map[string]string, len(files))
	for part, file := range files {
		path, err := h.store(c, dir, part, file)
		if err != nil {
			_ = os.RemoveAll(dir)
			return h.handleError(c, err)
		}
		paths[part] = path
	}

	runID, err := h.service.Submit(c.UserContext(), service.MarkingRequest{
		StudentID:      payload.StudentID,
		SubmissionID:   payload.SubmissionID,
		SubmissionPath: paths["submission"],
		SchemePath:     paths["scheme"],
		ThresholdsPath: paths["thresholds"],
		CorrelationID:  middleware.GetCorrelationID(c),
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return h.handleError(c, err)
	}

	logger := middleware.RequestLogger(h.logger, c)
	logger.Info().
		Str("run_id", runID).
		Str("student_id", payload.StudentID).
		Str("submission_id", payload.SubmissionID).
		Str("requested_by", middleware.Subject(c)).
		Msg("marking run queued")

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "marking run queued", dto.MarkingAcceptedResponse{
		RunID:     runID,
		StatusURL: "/api/v1/markings/runs/" + runID,
	})
}

// store validates the upload by content and saves it as <part><ext>.
func (h *MarkingHandler) store(c *fiber.Ctx, dir, part string, file *multipart.FileHeader) (string, error) {
	src, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("open %s upload: %w", part, err)
	}
	mtype, err := mimetype.DetectReader(src)
	src.Close()
	if err != nil {
		return "", fmt.Errorf("detect %s type: %w", part, err)
	}
	if !mimetype.EqualsAny(mtype.String(), allowedDocumentTypes...) {
		return "", &service.ValidationError{Field: part, Reason: "unsupported document type " + mtype.String()}
	}

	path := filepath.Join(dir, part+mtype.Extension())
	if err := c.SaveFile(file, path); err != nil {
		return "", fmt.Errorf("save %s upload: %w", part, err)
	}
	return path, nil
}

func (h *MarkingHandler) run(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid run id")
	}

	run, err := h.service.RunStatus(c.UserContext(), id)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "marking run retrieved", dto.NewMarkingRunResponse(run))
}

func (h *MarkingHandler) ledger(c *fiber.Ctx) error {
	ledger, err := h.service.Ledger(c.UserContext(), c.Params("student"))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "ledger retrieved", dto.NewLedgerResponse(ledger))
}

func (h *MarkingHandler) feedback(c *fiber.Ctx) error {
	student := c.Params("student")
	comment, err := h.service.Feedback(c.UserContext(), student)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "feedback generated", dto.FeedbackResponse{StudentID: student, Comment: comment})
}

// Error codes let API clients tell marking failures apart without parsing messages.
const (
	codeValidation          = "validation_failed"
	codeRunInProgress       = "run_in_progress"
	codeRunNotFound         = "run_not_found"
	codeLedgerNotFound      = "ledger_not_found"
	codeAssessorDeclined    = "assessor_declined"
	codeAssessorUnavailable = "assessor_unavailable"
)

func (h *MarkingHandler) handleError(c *fiber.Ctx, err error) error {
	var validationErrors validator.ValidationErrors
	var assessorErr *ai.AssessorError
	switch {
	case errors.As(err, &validationErrors):
		return utils.SendErrorCode(c, fiber.StatusBadRequest, codeValidation, validationErrors.Error())
	case errors.Is(err, service.ErrValidation), errors.Is(err, repository.ErrInvalidKey):
		return utils.SendErrorCode(c, fiber.StatusBadRequest, codeValidation, err.Error())
	case errors.Is(err, service.ErrRunInProgress):
		return utils.SendErrorCode(c, fiber.StatusConflict, codeRunInProgress, "submission is already being marked")
	case errors.Is(err, service.ErrRunNotFound):
		return utils.SendErrorCode(c, fiber.StatusNotFound, codeRunNotFound, "marking run not found")
	case errors.Is(err, repository.ErrRecordNotFound):
		return utils.SendErrorCode(c, fiber.StatusNotFound, codeLedgerNotFound, "no marked submissions for student")
	case errors.As(err, &assessorErr):
		return utils.SendErrorCode(c, fiber.StatusUnprocessableEntity, codeAssessorDeclined, assessorErr.Error())
	case errors.Is(err, ai.ErrTransport), errors.Is(err, ai.ErrSchemaViolation):
		logger := middleware.RequestLogger(h.logger, c)
		logger.Warn().Err(err).Msg("assessor unavailable")
		return utils.SendErrorCode(c, fiber.StatusBadGateway, codeAssessorUnavailable, "assessor unavailable")
	default:
		logger := middleware.RequestLogger(h.logger, c)
		logger.Error().Err(err).Msg("internal server error")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
