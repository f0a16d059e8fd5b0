package dto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-marker/internal/models"
)

func TestNewMarkingRunResponseHidesScoreUntilAggregated(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	run := models.MarkingRun{
		ID:           "run-1",
		StudentID:    "alice",
		SubmissionID: "paper-1",
		State:        models.RunStateFailed,
		FailedStage:  models.RunStateExtracting,
		Cause:        "marking failed during extracting: boom",
		StartedAt:    started,
	}

	resp := NewMarkingRunResponse(run)
	require.Equal(t, "run-1", resp.ID)
	require.Equal(t, "alice", resp.StudentID)
	require.Equal(t, models.RunStateExtracting, resp.FailedStage)
	require.Equal(t, started, resp.StartedAt)
	require.Nil(t, resp.Score)
	require.Nil(t, resp.MaxScore)
	require.Nil(t, resp.Questions)
	require.Nil(t, resp.FinishedAt)
}

func TestNewMarkingRunResponseReportsScore(t *testing.T) {
	finished := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	run := models.MarkingRun{
		ID:         "run-2",
		State:      models.RunStateDone,
		Score:      6,
		MaxScore:   8,
		Grade:      "A",
		Questions:  []byte(`[{"question_number":"1","max_marks":3,"awarded_marks":1}]`),
		FinishedAt: &finished,
	}

	resp := NewMarkingRunResponse(run)
	require.NotNil(t, resp.Score)
	require.Equal(t, 6, *resp.Score)
	require.Equal(t, 8, *resp.MaxScore)
	require.Equal(t, "A", resp.Grade)
	require.JSONEq(t, string(run.Questions), string(resp.Questions))
	require.Equal(t, finished, *resp.FinishedAt)
}

func TestNewLedgerResponse(t *testing.T) {
	ledger := models.HistoryLedger{
		StudentID: "alice",
		Header:    []string{"Syllabus Code", "Component Number", "Score", "Max Score", "Grade", "Strengths", "Weaknesses"},
		Rows: []models.LedgerRow{
			{SyllabusCode: "9709", ComponentNumber: "12", Score: 6, MaxScore: 8, Grade: "A", Strengths: "algebra", Weaknesses: "units"},
			{SyllabusCode: "9709", ComponentNumber: "32", Score: 20, MaxScore: 75, Grade: "U"},
		},
	}

	resp := NewLedgerResponse(ledger)
	require.Equal(t, "alice", resp.StudentID)
	require.Equal(t, ledger.Header, resp.Header)
	require.Equal(t, []LedgerRowResponse{
		{SyllabusCode: "9709", ComponentNumber: "12", Score: 6, MaxScore: 8, Grade: "A", Strengths: "algebra", Weaknesses: "units"},
		{SyllabusCode: "9709", ComponentNumber: "32", Score: 20, MaxScore: 75, Grade: "U"},
	}, resp.Rows)

	empty := NewLedgerResponse(models.HistoryLedger{StudentID: "bob"})
	require.NotNil(t, empty.Rows)
	require.Empty(t, empty.Rows)
}
