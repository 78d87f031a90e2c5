package dto

import (
	"time"

	"github.com/noah-isme/gema-assessment/internal/assessment"
	"github.com/noah-isme/gema-assessment/internal/models"
)

// StartSessionRequest starts or resumes a session for an assessment.
type StartSessionRequest struct {
	AssessmentID uint `json:"assessment_id" validate:"required,gt=0"`
}

// WriteAnswerRequest autosaves part of an answer. Omitted fields are kept.
type WriteAnswerRequest struct {
	Option   *string `json:"option" validate:"omitempty,max=255"`
	Code     *string `json:"code" validate:"omitempty,max=65536"`
	Language *string `json:"language" validate:"omitempty,oneof=python javascript go java cpp"`
}

// Patch converts the request into an engine answer patch.
func (r WriteAnswerRequest) Patch() assessment.AnswerPatch {
	patch := assessment.AnswerPatch{Option: r.Option, Code: r.Code}
	if r.Language != nil {
		lang := assessment.Language(*r.Language)
		patch.Language = &lang
	}
	return patch
}

// EvaluateRequest runs the current answer without submitting it.
type EvaluateRequest struct {
	Mode  string  `json:"mode" validate:"required,oneof=dry_run test_run"`
	Input *string `json:"input" validate:"omitempty,max=65536"`
}

// SubmitItemRequest submits and locks one item.
type SubmitItemRequest struct {
	Option   string `json:"option" validate:"max=255"`
	Code     string `json:"code" validate:"max=65536"`
	Language string `json:"language" validate:"omitempty,oneof=python javascript go java cpp"`
}

// Answer converts the request into an engine answer.
func (r SubmitItemRequest) Answer() assessment.Answer {
	return assessment.Answer{Option: r.Option, Code: r.Code, Language: assessment.Language(r.Language)}
}

// CaseResponse is a visible test case.
type CaseResponse struct {
	Input    string `json:"input"`
	Expected string `json:"expected"`
}

// QuestionResponse is the student view of a question.
type QuestionResponse struct {
	Position    int            `json:"position"`
	Kind        string         `json:"kind"`
	Prompt      string         `json:"prompt"`
	MaxScore    float64        `json:"max_score"`
	Options     []string       `json:"options,omitempty"`
	Languages   []string       `json:"languages,omitempty"`
	SampleCases []CaseResponse `json:"sample_cases,omitempty"`
	StarterCode string         `json:"starter_code,omitempty"`
}

// AssessmentResponse is the student view of an assessment. Correct options
// and hidden cases are never included.
type AssessmentResponse struct {
	ID              uint               `json:"id"`
	Title           string             `json:"title"`
	DurationSeconds int                `json:"duration_seconds"`
	Questions       []QuestionResponse `json:"questions,omitempty"`
}

// NewAssessmentResponse builds the student view of a stored assessment.
func NewAssessmentResponse(a models.Assessment) AssessmentResponse {
	resp := AssessmentResponse{
		ID:              a.ID,
		Title:           a.Title,
		DurationSeconds: a.DurationSeconds,
	}
	for _, q := range a.Questions {
		question := QuestionResponse{
			Position:    q.Position,
			Kind:        q.Kind,
			Prompt:      q.Prompt,
			MaxScore:    q.MaxScore,
			Options:     q.OptionList(),
			Languages:   q.LanguageList(),
			StarterCode: q.StarterCode,
		}
		for _, c := range q.SampleCaseList() {
			question.SampleCases = append(question.SampleCases, CaseResponse{Input: c.Input, Expected: c.Expected})
		}
		resp.Questions = append(resp.Questions, question)
	}
	return resp
}

// NewAssessmentResponseSlice maps assessments without their questions.
func NewAssessmentResponseSlice(items []models.Assessment) []AssessmentResponse {
	out := make([]AssessmentResponse, 0, len(items))
	for _, item := range items {
		out = append(out, AssessmentResponse{ID: item.ID, Title: item.Title, DurationSeconds: item.DurationSeconds})
	}
	return out
}

// EvaluateResponse pairs a result with the item's remaining quota.
type EvaluateResponse struct {
	Result   assessment.Result `json:"result"`
	RunsUsed int               `json:"runs_used"`
	RunsLeft int               `json:"runs_left"`
}

// ResultResponse is one entry of a student's assessment history.
type ResultResponse struct {
	SessionID    string    `json:"session_id"`
	AssessmentID uint      `json:"assessment_id"`
	Reason       string    `json:"reason"`
	TotalScore   float64   `json:"total_score"`
	MaxScore     float64   `json:"max_score"`
	Percentage   int       `json:"percentage"`
	Grade        string    `json:"grade"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// NewResultResponseSlice maps stored results.
func NewResultResponseSlice(results []models.AssessmentResult) []ResultResponse {
	out := make([]ResultResponse, 0, len(results))
	for _, r := range results {
		out = append(out, ResultResponse{
			SessionID:    r.SessionID,
			AssessmentID: r.AssessmentID,
			Reason:       r.Reason,
			TotalScore:   r.TotalScore,
			MaxScore:     r.MaxScore,
			Percentage:   r.Percentage,
			Grade:        r.Grade,
			StartedAt:    r.StartedAt,
			FinishedAt:   r.FinishedAt,
		})
	}
	return out
}
