package dto

import (
	"encoding/json"
	"time"

	"github.com/jinzhu/copier"

	"github.com/noah-isme/gema-marker/internal/models"
)

// MarkingCreateRequest describes the multipart form that starts a marking run. The three
// documents travel as the submission, scheme and thresholds file parts.
type MarkingCreateRequest struct {
	StudentID    string `form:"student_id" validate:"required,max=128,record_key"`
	SubmissionID string `form:"submission_id" validate:"required,max=128,record_key"`
}

// MarkingAcceptedResponse is returned once a run has been queued.
type MarkingAcceptedResponse struct {
	RunID     string `json:"run_id"`
	StatusURL string `json:"status_url"`
}

// MarkingRunResponse reports the journaled state of a run.
type MarkingRunResponse struct {
	ID           string          `json:"id"`
	StudentID    string          `json:"student_id"`
	SubmissionID string          `json:"submission_id"`
	State        string          `json:"state"`
	FailedStage  string          `json:"failed_stage,omitempty"`
	Cause        string          `json:"cause,omitempty"`
	Score        *int            `json:"score,omitempty" copier:"-"`
	MaxScore     *int            `json:"max_score,omitempty" copier:"-"`
	Grade        string          `json:"grade,omitempty"`
	Questions    json.RawMessage `json:"questions,omitempty" copier:"-"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// NewMarkingRunResponse maps a journal entry. Scores are only reported once aggregated.
func NewMarkingRunResponse(run models.MarkingRun) MarkingRunResponse {
	var resp MarkingRunResponse
	_ = copier.Copy(&resp, &run)
	if len(run.Questions) > 0 {
		score, maxScore := run.Score, run.MaxScore
		resp.Score = &score
		resp.MaxScore = &maxScore
		resp.Questions = json.RawMessage(run.Questions)
	}
	return resp
}

// LedgerResponse is a student's history ledger.
type LedgerResponse struct {
	StudentID string              `json:"student_id"`
	Header    []string            `json:"header"`
	Rows      []LedgerRowResponse `json:"rows"`
}

// LedgerRowResponse is one marked submission of the ledger.
type LedgerRowResponse struct {
	SyllabusCode    string `json:"syllabus_code"`
	ComponentNumber string `json:"component_number"`
	Score           int    `json:"score"`
	MaxScore        int    `json:"max_score"`
	Grade           string `json:"grade"`
	Strengths       string `json:"strengths"`
	Weaknesses      string `json:"weaknesses"`
}

// NewLedgerResponse maps a ledger.
func NewLedgerResponse(ledger models.HistoryLedger) LedgerResponse {
	var resp LedgerResponse
	_ = copier.Copy(&resp, &ledger)
	if resp.Rows == nil {
		resp.Rows = []LedgerRowResponse{}
	}
	return resp
}

// FeedbackResponse carries the holistic comment on a student's history.
type FeedbackResponse struct {
	StudentID string `json:"student_id"`
	Comment   string `json:"comment"`
}
