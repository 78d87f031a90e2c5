package models

import (
	"time"

	"gorm.io/datatypes"
)

// AssessmentResult is the persisted outcome of one terminated session.
type AssessmentResult struct {
	ID           uint                   `gorm:"primaryKey" json:"id"`
	SessionID    string                 `gorm:"size:64;uniqueIndex;not null" json:"session_id"`
	AssessmentID uint                   `gorm:"not null;index" json:"assessment_id"`
	StudentID    uint                   `gorm:"not null;index" json:"student_id"`
	Reason       string                 `gorm:"size:16;not null" json:"reason"`
	TotalScore   float64                `gorm:"not null" json:"total_score"`
	MaxScore     float64                `gorm:"not null" json:"max_score"`
	Percentage   int                    `gorm:"not null" json:"percentage"`
	Grade        string                 `gorm:"size:8;not null" json:"grade"`
	StartedAt    time.Time              `json:"started_at"`
	FinishedAt   time.Time              `json:"finished_at"`
	CreatedAt    time.Time              `json:"created_at"`
	Items        []AssessmentItemResult `gorm:"foreignKey:ResultID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"items"`
	Assessment   Assessment             `gorm:"foreignKey:AssessmentID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// AssessmentItemResult is the per-question breakdown of a result.
type AssessmentItemResult struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	ResultID   uint           `gorm:"not null;index" json:"result_id"`
	Position   int            `gorm:"not null" json:"position"`
	QuestionID uint           `gorm:"not null" json:"question_id"`
	Kind       string         `gorm:"size:16;not null" json:"kind"`
	Answered   bool           `json:"answered"`
	Language   string         `gorm:"size:32" json:"language,omitempty"`
	Answer     string         `gorm:"type:text" json:"answer"`
	Passed     int            `json:"passed"`
	Total      int            `json:"total"`
	Score      float64        `json:"score"`
	MaxScore   float64        `json:"max_score"`
	Outputs    datatypes.JSON `gorm:"type:json" json:"outputs"`
}
