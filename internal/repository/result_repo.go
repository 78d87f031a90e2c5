package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-assessment/internal/models"
)

const defaultResultLimit = 20

// ResultRepository persists final session results.
type ResultRepository interface {
	Save(ctx context.Context, result *models.AssessmentResult) (bool, error)
	GetBySessionID(ctx context.Context, sessionID string) (models.AssessmentResult, error)
	ListByStudent(ctx context.Context, studentID uint, limit int) ([]models.AssessmentResult, error)
}

// NewResultRepository constructs a result repository.
func NewResultRepository(db *gorm.DB) ResultRepository {
	return &resultRepository{db: db}
}

type resultRepository struct {
	db *gorm.DB
}

// Save stores the result and its items. A second save for the same session
// is ignored and reports false.
func (r *resultRepository) Save(ctx context.Context, result *models.AssessmentResult) (bool, error) {
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items := result.Items
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoNothing: true,
		}).Omit(clause.Associations).Create(result)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		created = true

		if len(items) == 0 {
			return nil
		}
		for i := range items {
			items[i].ResultID = result.ID
		}
		if err := tx.Create(&items).Error; err != nil {
			return err
		}
		result.Items = items
		return nil
	})
	return created, err
}

func (r *resultRepository) GetBySessionID(ctx context.Context, sessionID string) (models.AssessmentResult, error) {
	var result models.AssessmentResult
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Where("session_id = ?", sessionID).
		First(&result).Error
	if err != nil {
		return models.AssessmentResult{}, err
	}
	return result, nil
}

func (r *resultRepository) ListByStudent(ctx context.Context, studentID uint, limit int) ([]models.AssessmentResult, error) {
	if limit <= 0 {
		limit = defaultResultLimit
	}
	var results []models.AssessmentResult
	err := r.db.WithContext(ctx).
		Where("student_id = ?", studentID).
		Order("finished_at DESC").
		Limit(limit).
		Find(&results).Error
	return results, err
}
