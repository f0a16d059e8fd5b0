package models

import (
	"time"

	"gorm.io/datatypes"
)

// Marking run states. Failed is reachable from every other state.
const (
	RunStateIngesting    = "ingesting"
	RunStateExtracting   = "extracting"
	RunStateMarking      = "marking"
	RunStateAggregating  = "aggregating"
	RunStateGrading      = "grading"
	RunStateSynthesizing = "synthesizing"
	RunStatePersisting   = "persisting"
	RunStateDone         = "done"
	RunStateFailed       = "failed"
)

// MarkingRun journals one orchestrator run.
type MarkingRun struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	StudentID    string         `gorm:"size:128;not null;index" json:"student_id"`
	SubmissionID string         `gorm:"size:128;not null;index" json:"submission_id"`
	State        string         `gorm:"size:32;not null" json:"state"`
	FailedStage  string         `gorm:"size:32" json:"failed_stage,omitempty"`
	Cause        string         `gorm:"type:text" json:"cause,omitempty"`
	Score        int            `gorm:"default:0" json:"score"`
	MaxScore     int            `gorm:"default:0" json:"max_score"`
	Grade        string         `gorm:"size:8" json:"grade,omitempty"`
	Questions    datatypes.JSON `json:"questions,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Terminal reports whether the run has finished.
func (r MarkingRun) Terminal() bool {
	return r.State == RunStateDone || r.State == RunStateFailed
}
