package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Question kinds stored in the definition tables.
const (
	QuestionKindMCQ    = "mcq"
	QuestionKindCoding = "coding"
)

// Assessment is a timed test definition made of ordered questions.
type Assessment struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	Title             string     `gorm:"size:255;not null" json:"title"`
	DurationSeconds   int        `gorm:"not null" json:"duration_seconds"`
	FractionalScoring bool       `gorm:"default:false" json:"fractional_scoring"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	Questions         []Question `gorm:"foreignKey:AssessmentID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"questions"`
}

// TestCase is a stored input/expected-output pair.
type TestCase struct {
	Input    string `json:"input"`
	Expected string `json:"expected"`
}

// Question is one MCQ or coding item of an assessment. Correct options and
// hidden cases never leave the server.
type Question struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	AssessmentID  uint           `gorm:"not null;index" json:"assessment_id"`
	Position      int            `gorm:"not null" json:"position"`
	Kind          string         `gorm:"size:16;not null" json:"kind"`
	Prompt        string         `gorm:"type:text" json:"prompt"`
	MaxScore      float64        `gorm:"not null" json:"max_score"`
	Options       datatypes.JSON `gorm:"type:json" json:"-"`
	CorrectOption string         `gorm:"size:255" json:"-"`
	SampleCases   datatypes.JSON `gorm:"type:json" json:"-"`
	HiddenCases   datatypes.JSON `gorm:"type:json" json:"-"`
	Languages     datatypes.JSON `gorm:"type:json" json:"-"`
	Tolerance     *float64       `json:"tolerance,omitempty"`
	StarterCode   string         `gorm:"type:text" json:"starter_code"`
}

// SetOptions stores the MCQ options.
func (q *Question) SetOptions(options []string) { q.Options = encodeJSON(options) }

// OptionList returns the MCQ options.
func (q Question) OptionList() []string { return decodeJSON[string](q.Options) }

// SetSampleCases stores the visible cases.
func (q *Question) SetSampleCases(cases []TestCase) { q.SampleCases = encodeJSON(cases) }

// SampleCaseList returns the visible cases.
func (q Question) SampleCaseList() []TestCase { return decodeJSON[TestCase](q.SampleCases) }

// SetHiddenCases stores the hidden cases.
func (q *Question) SetHiddenCases(cases []TestCase) { q.HiddenCases = encodeJSON(cases) }

// HiddenCaseList returns the hidden cases.
func (q Question) HiddenCaseList() []TestCase { return decodeJSON[TestCase](q.HiddenCases) }

// SetLanguages stores the allowed languages. Empty means any supported.
func (q *Question) SetLanguages(languages []string) { q.Languages = encodeJSON(languages) }

// LanguageList returns the allowed languages.
func (q Question) LanguageList() []string { return decodeJSON[string](q.Languages) }

func encodeJSON[T any](values []T) datatypes.JSON {
	if values == nil {
		values = []T{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return datatypes.JSON([]byte("[]"))
	}
	return datatypes.JSON(data)
}

func decodeJSON[T any](raw datatypes.JSON) []T {
	if len(raw) == 0 {
		return nil
	}
	var values []T
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil
	}
	return values
}
