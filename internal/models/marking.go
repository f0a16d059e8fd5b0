package models

// PageRange is an inclusive, contiguous run of 1-indexed pages.
type PageRange struct {
	First int `json:"first"`
	Last  int `json:"last"`
}

// Pages lists the page numbers in the range.
func (r PageRange) Pages() []int {
	if r.Last < r.First {
		return nil
	}
	pages := make([]int, 0, r.Last-r.First+1)
	for page := r.First; page <= r.Last; page++ {
		pages = append(pages, page)
	}
	return pages
}

// QuestionLocator records where a question lives in the submission and the scheme.
type QuestionLocator struct {
	QuestionNumber string    `json:"question_number"`
	Statement      PageRange `json:"statement_pages"`
	Answer         PageRange `json:"answer_pages"`
	Scheme         PageRange `json:"scheme_pages"`
}

// SubmissionRange is the submission slice needed to mark the question: from the earliest
// of statement and answer space up to the end of the answer space.
func (l QuestionLocator) SubmissionRange() PageRange {
	first := l.Statement.First
	if l.Answer.First < first {
		first = l.Answer.First
	}
	return PageRange{First: first, Last: l.Answer.Last}
}

// PaperStructure is the outcome of structure extraction.
type PaperStructure struct {
	SyllabusCode    string
	ComponentNumber string
	Questions       []QuestionLocator
}

// GradingPoint is one scheme mark (B1, M1, A2...). Informational only.
type GradingPoint struct {
	Type        string `json:"type"`
	MarksWorth  int    `json:"marks_worth"`
	MarksEarned int    `json:"marks_earned"`
}

// MarkedQuestion is the marking outcome of one question.
type MarkedQuestion struct {
	QuestionNumber string         `json:"question_number"`
	MaxMarks       int            `json:"max_marks"`
	AwardedMarks   int            `json:"awarded_marks"`
	GradingPoints  []GradingPoint `json:"grading_points,omitempty"`
}

// MarkingReport is the ordered result of marking every question of a submission.
type MarkingReport struct {
	SyllabusCode    string           `json:"syllabus_code"`
	ComponentNumber string           `json:"component_number"`
	Questions       []MarkedQuestion `json:"questions"`
	Strengths       string           `json:"strengths"`
	Weaknesses      string           `json:"weaknesses"`
}

// Score is derived from a report and never cached beyond one run.
type Score struct {
	Awarded   int `json:"total_awarded"`
	Available int `json:"total_available"`
}

// Score sums awarded and maximum marks. An empty report scores 0/0.
func (r MarkingReport) Score() Score {
	var score Score
	for _, question := range r.Questions {
		score.Awarded += question.AwardedMarks
		score.Available += question.MaxMarks
	}
	return score
}

// GradeUngraded is reserved for "no threshold met".
const GradeUngraded = "U"

// GradeThreshold is a row of a threshold table: the minimum mark for a grade.
type GradeThreshold struct {
	Grade       string `json:"grade"`
	MinimumMark int    `json:"minimum_mark"`
}

// GradeForScore returns the grade of the highest threshold met, or GradeUngraded.
func GradeForScore(total int, thresholds []GradeThreshold) string {
	best := -1
	grade := GradeUngraded
	for _, threshold := range thresholds {
		if total >= threshold.MinimumMark && threshold.MinimumMark > best {
			best = threshold.MinimumMark
			grade = threshold.Grade
		}
	}
	return grade
}
