package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-assessment/internal/definition"
	"github.com/noah-isme/gema-assessment/internal/dto"
	"github.com/noah-isme/gema-assessment/internal/service"
	"github.com/noah-isme/gema-assessment/internal/utils"
)

// AssessmentHandler serves assessment definitions.
type AssessmentHandler struct {
	service service.AssessmentService
	logger  zerolog.Logger
}

// NewAssessmentHandler constructs an assessment handler.
func NewAssessmentHandler(service service.AssessmentService, logger zerolog.Logger) *AssessmentHandler {
	return &AssessmentHandler{
		service: service,
		logger:  logger.With().Str("component", "assessment_handler").Logger(),
	}
}

// Register binds read routes for every caller and the import route behind
// authorGuard.
func (h *AssessmentHandler) Register(router fiber.Router, authorGuard fiber.Handler) {
	router.Get("/assessments", h.list)
	router.Get("/assessments/:id", h.get)
	router.Post("/assessments", authorGuard, h.importDefinition)
}

func (h *AssessmentHandler) list(c *fiber.Ctx) error {
	items, err := h.service.List(c.UserContext())
	if err != nil {
		return handleError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "assessments", dto.NewAssessmentResponseSlice(items))
}

func (h *AssessmentHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	item, err := h.service.Get(c.UserContext(), id)
	if err != nil {
		return handleError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "assessment", dto.NewAssessmentResponse(item))
}

func (h *AssessmentHandler) importDefinition(c *fiber.Ctx) error {
	created, err := h.service.Import(c.UserContext(), c.Body())
	if errors.Is(err, definition.ErrInvalidDefinition) {
		return utils.SendError(c, fiber.StatusUnprocessableEntity, err.Error())
	}
	if err != nil {
		return handleError(c, h.logger, err)
	}

	h.logger.Info().
		Uint("assessment_id", created.ID).
		Interface("author_id", c.Locals("user_id")).
		Msg("assessment definition imported")
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "assessment imported", dto.NewAssessmentResponse(created))
}
