package models

// SubmissionRecord is the persisted outcome of one successful marking run. It is keyed by
// student and submission; a re-run overwrites the record for that key.
type SubmissionRecord struct {
	StudentID    string        `json:"student_id"`
	SubmissionID string        `json:"submission_id"`
	Report       MarkingReport `json:"report"`
	Score        Score         `json:"score"`
	Grade        string        `json:"grade"`
}

// LedgerRow is one row of a student's history ledger.
type LedgerRow struct {
	SyllabusCode    string `json:"syllabus_code"`
	ComponentNumber string `json:"component_number"`
	Score           int    `json:"score"`
	MaxScore        int    `json:"max_score"`
	Grade           string `json:"grade"`
	Strengths       string `json:"strengths"`
	Weaknesses      string `json:"weaknesses"`
}

// LedgerRowFor projects a record onto the ledger columns.
func LedgerRowFor(record SubmissionRecord) LedgerRow {
	return LedgerRow{
		SyllabusCode:    record.Report.SyllabusCode,
		ComponentNumber: record.Report.ComponentNumber,
		Score:           record.Score.Awarded,
		MaxScore:        record.Score.Available,
		Grade:           record.Grade,
		Strengths:       record.Report.Strengths,
		Weaknesses:      record.Report.Weaknesses,
	}
}

// HistoryLedger is the denormalised, fully rebuilt table of a student's records.
type HistoryLedger struct {
	StudentID string      `json:"student_id"`
	Header    []string    `json:"header"`
	Rows      []LedgerRow `json:"rows"`
}
