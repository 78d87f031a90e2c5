package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment/internal/definition"
	"github.com/noah-isme/gema-assessment/internal/models"
	"github.com/noah-isme/gema-assessment/internal/repository"
)

// AssessmentService manages assessment definitions.
type AssessmentService interface {
	Import(ctx context.Context, raw []byte) (models.Assessment, error)
	Get(ctx context.Context, id uint) (models.Assessment, error)
	List(ctx context.Context) ([]models.Assessment, error)
}

type assessmentService struct {
	repo   repository.AssessmentRepository
	logger zerolog.Logger
}

// NewAssessmentService constructs an assessment definition service.
func NewAssessmentService(repo repository.AssessmentRepository, logger zerolog.Logger) AssessmentService {
	return &assessmentService{
		repo:   repo,
		logger: logger.With().Str("component", "assessment_service").Logger(),
	}
}

// Import validates a JSON definition document and stores it.
func (s *assessmentService) Import(ctx context.Context, raw []byte) (models.Assessment, error) {
	doc, err := definition.Parse(raw)
	if err != nil {
		return models.Assessment{}, err
	}

	model := definition.ToModel(doc)
	if err := s.repo.Create(ctx, &model); err != nil {
		return models.Assessment{}, fmt.Errorf("store assessment: %w", err)
	}

	s.logger.Info().Uint("assessment_id", model.ID).Int("questions", len(model.Questions)).Msg("assessment imported")
	return model, nil
}

func (s *assessmentService) Get(ctx context.Context, id uint) (models.Assessment, error) {
	assessment, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Assessment{}, ErrAssessmentNotFound
	}
	return assessment, err
}

func (s *assessmentService) List(ctx context.Context) ([]models.Assessment, error) {
	return s.repo.List(ctx)
}
