package service

import (
	"github.com/noah-isme/gema-marker/internal/models"
	"github.com/noah-isme/gema-marker/pkg/ai"
)

// Response types of every assessor call. Each carries the custom_error failure signal.

type questionLocation struct {
	QuestionNumber string `json:"question_number" description:"the question number, e.g. 3(a)(i), 3(a)(ii), 3(b), 4(a), 5, 6. do not write things like 3(a)(i and ii) or 3(a and b) as one question, write them separately"`
	StatementPages []int  `json:"page_nums_of_statement_of_the_problem_in_qp" description:"consecutive page numbers (e.g. [1,2,3], never [1,3]) of the exam paper pages containing the statement of the problem, which is not always the same as the answer space"`
	AnswerPages    []int  `json:"page_nums_of_answer_space_in_qp" description:"consecutive page numbers of the exam paper pages containing the space left for the candidate to answer this question"`
	SchemePages    []int  `json:"page_nums_in_ms" description:"consecutive page numbers of the marking scheme pages containing the marking guidance of this question"`
}

type structureResponse struct {
	SyllabusCode    string             `json:"syllabus_code" description:"the 4-digit syllabus code at the top-right corner of the marking scheme cover, e.g. 9701/12 means 9701"`
	ComponentNumber string             `json:"component_number" description:"the 2-digit component number at the top-right corner of the marking scheme cover, e.g. 9701/12 means 12"`
	Questions       []questionLocation `json:"questions" description:"every question of the exam paper, answered or not, in increasing order"`
	CustomError     string             `json:"custom_error" description:"leave empty unless you want to raise a fatal error, the details of which you shall specify here"`
}

func (r structureResponse) FailureSignal() string { return r.CustomError }

type gradingPointResponse struct {
	Type        string `json:"grading_point_type" description:"the type of this grading point, the letters before the number, e.g. the type of B1 is B"`
	MarksWorth  int    `json:"marks_worth" description:"the marks this grading point is worth, e.g. B2 is worth 2"`
	MarksEarned int    `json:"marks_earned" description:"the marks the candidate earned for this grading point"`
}

type markedQuestionResponse struct {
	QuestionNumber string                 `json:"question_number" description:"the number of the question being marked"`
	StudentAnswer  string                 `json:"student_answer" description:"the answer written by the candidate, possibly empty"`
	Guidance       string                 `json:"guidance" description:"the marking scheme guidance for this question"`
	GradingPoints  []gradingPointResponse `json:"grading_points" description:"every grading point (B1, M1, A1...) of this question in the marking scheme, whether or not the candidate earned it. Leave empty if the scheme has none"`
	MaxMarks       int                    `json:"max_marks" description:"the marks this question is worth"`
	AwardedMarks   int                    `json:"awarded_marks" description:"the marks the candidate earns, never more than max_marks"`
	CustomError    string                 `json:"custom_error" description:"leave empty unless you want to raise a fatal error, the details of which you shall specify here"`
}

func (r markedQuestionResponse) FailureSignal() string { return r.CustomError }

type thresholdRowResponse struct {
	Grade       string `json:"grade" description:"a single grade letter"`
	MinimumMark int    `json:"minimum_mark" description:"the minimum raw mark required for the grade"`
}

type gradeResponse struct {
	Thresholds  []thresholdRowResponse `json:"thresholds" description:"the grade thresholds of the requested component, as read from the table"`
	Grade       string                 `json:"grade" description:"the grade of the highest threshold met by the total mark, or U if no threshold is met"`
	CustomError string                 `json:"custom_error" description:"leave empty unless you want to raise a fatal error, the details of which you shall specify here"`
}

func (r gradeResponse) FailureSignal() string { return r.CustomError }

type feedbackResponse struct {
	AreasOfStrength     string `json:"areas_of_strengths" description:"a detailed comment on the areas where the student performed well"`
	AreasForImprovement string `json:"areas_for_improvement" description:"a detailed comment on the areas where the student needs to improve"`
	CustomError         string `json:"custom_error" description:"leave empty unless you want to raise a fatal error, the details of which you shall specify here"`
}

func (r feedbackResponse) FailureSignal() string { return r.CustomError }

type holisticResponse struct {
	Comment     string `json:"detailed_comment_on_student_performance" description:"a detailed summary of the student's strengths and areas for improvement across all papers"`
	CustomError string `json:"custom_error" description:"explanation for any fatal error you want to raise. unless a fatal error is what you want to raise, leave this field empty"`
}

func (r holisticResponse) FailureSignal() string { return r.CustomError }

var (
	structureSchema = ai.MustSchema[structureResponse]("paper_structure")
	markingSchema   = ai.MustSchema[markedQuestionResponse]("marked_question")
	gradeSchema     = ai.MustSchema[gradeResponse]("grade_threshold")
	feedbackSchema  = ai.MustSchema[feedbackResponse]("submission_feedback")
	holisticSchema  = ai.MustSchema[holisticResponse]("holistic_feedback")
)

const examinerPrompt = "You are an experienced A-Level examiner.\n" +
	"You are marking the exam paper of a candidate.\n" +
	"You will follow the instructions of the marking scheme when marking the exam paper.\n" +
	"The user is your co-worker, and will provide you with the exam paper and the marking scheme.\n"

const teacherPrompt = "You are a responsible and experienced teacher who is giving comments on a student's performance in a recent exam.\n" +
	"The user, who is your co-worker who has marked the student's exam, will provide you the marked questions of this student.\n"

const historyPrompt = "You are a responsible and experienced teacher who is giving comments on a student's recent performance on exam papers done for practice, " +
	"and are here to provide a detailed summary of the student's strengths and areas for improvement."

const gradePrompt = "You are an experienced examinations officer reading a grade threshold table.\n" +
	"The user will provide the pages of the table, a component number and a candidate's total raw mark.\n"

// Models names the assessor model used by each stage.
type Models struct {
	Structure string
	Marking   string
	Grading   string
	Feedback  string
}

func toAIPages(pages []models.PageImage) []ai.Page {
	out := make([]ai.Page, 0, len(pages))
	for _, page := range pages {
		out = append(out, ai.Page{Number: page.Number, Image: ai.Image{MIMEType: page.MIMEType, Data: page.Data}})
	}
	return out
}
