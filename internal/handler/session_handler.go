package handler

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-assessment/internal/assessment"
	"github.com/noah-isme/gema-assessment/internal/dto"
	"github.com/noah-isme/gema-assessment/internal/middleware"
	"github.com/noah-isme/gema-assessment/internal/service"
	"github.com/noah-isme/gema-assessment/internal/utils"
)

const streamWriteTimeout = 5 * time.Second

// SessionHandler exposes timed assessment sessions to students.
type SessionHandler struct {
	service         service.SessionService
	validator       *validator.Validate
	logger          zerolog.Logger
	evaluateLimiter fiber.Handler
}

// NewSessionHandler constructs a session handler. evaluateLimiter guards the
// evaluate route and may be nil.
func NewSessionHandler(service service.SessionService, validator *validator.Validate, logger zerolog.Logger, evaluateLimiter fiber.Handler) *SessionHandler {
	return &SessionHandler{
		service:         service,
		validator:       validator,
		logger:          logger.With().Str("component", "session_handler").Logger(),
		evaluateLimiter: evaluateLimiter,
	}
}

// Register binds session routes under the provided router group.
func (h *SessionHandler) Register(router fiber.Router) {
	evaluate := []fiber.Handler{h.evaluate}
	if h.evaluateLimiter != nil {
		evaluate = append([]fiber.Handler{h.evaluateLimiter}, evaluate...)
	}

	router.Post("/sessions", h.start)
	router.Get("/sessions/:id", h.get)
	router.Put("/sessions/:id/items/:item", h.write)
	router.Post("/sessions/:id/items/:item/evaluate", evaluate...)
	router.Post("/sessions/:id/items/:item/submit", h.submit)
	router.Post("/sessions/:id/terminate", h.terminate)
	router.Get("/sessions/:id/summary", h.summary)
	router.Get("/sessions/:id/ws", h.upgrade, websocket.New(h.stream))
	router.Get("/results", h.results)
}

func (h *SessionHandler) start(c *fiber.Ctx) error {
	studentID := userIDFromContext(c)
	if studentID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	var payload dto.StartSessionRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return h.handleError(c, err)
	}

	snap, err := h.service.Start(c.UserContext(), studentID, payload.AssessmentID)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "session started", snap)
}

func (h *SessionHandler) get(c *fiber.Ctx) error {
	studentID := userIDFromContext(c)
	if studentID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	snap, err := h.service.Get(c.UserContext(), studentID, c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "session snapshot", snap)
}

func (h *SessionHandler) write(c *fiber.Ctx) error {
	studentID := userIDFromContext(c)
	if studentID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}
	item, err := parseItemParam(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.WriteAnswerRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return h.handleError(c, err)
	}

	snap, err := h.service.Write(c.UserContext(), studentID, c.Params("id"), item, payload.Patch())
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "answer saved", snap)
}

func (h *SessionHandler) evaluate(c *fiber.Ctx) error {
	studentID := userIDFromContext(c)
	if studentID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}
	item, err := parseItemParam(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.EvaluateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return h.handleError(c, err)
	}

	sessionID := c.Params("id")
	res, err := h.service.Evaluate(c.UserContext(), studentID, sessionID, item, assessment.Mode(payload.Mode), payload.Input)
	response := dto.EvaluateResponse{Result: res}
	if snap, snapErr := h.service.Get(c.UserContext(), studentID, sessionID); snapErr == nil && int(item) < len(snap.Items) {
		response.RunsUsed = snap.Items[item].RunsUsed
		response.RunsLeft = snap.Items[item].RunsLeft
	}

	if errors.Is(err, assessment.ErrTimeout) {
		return utils.SendErrorWithCode(c, fiber.StatusGatewayTimeout, "evaluation_timeout", err.Error(), response)
	}
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "evaluation complete", response)
}

func (h *SessionHandler) submit(c *fiber.Ctx) error {
	studentID := userIDFromContext(c)
	if studentID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}
	item, err := parseItemParam(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.SubmitItemRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return h.handleError(c, err)
	}

	state, err := h.service.Submit(c.UserContext(), studentID, c.Params("id"), item, payload.Answer())
	if errors.Is(err, assessment.ErrTimeout) {
		return utils.SendErrorWithCode(c, fiber.StatusGatewayTimeout, "evaluation_timeout", err.Error(), state)
	}
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "item submitted", state)
}

func (h *SessionHandler) terminate(c *fiber.Ctx) error {
	studentID := userIDFromContext(c)
	if studentID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	snap, err := h.service.Terminate(c.UserContext(), studentID, c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "session terminated", snap)
}

func (h *SessionHandler) summary(c *fiber.Ctx) error {
	studentID := userIDFromContext(c)
	if studentID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	summary, err := h.service.Summary(c.UserContext(), studentID, c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "session summary", summary)
}

func (h *SessionHandler) results(c *fiber.Ctx) error {
	studentID := userIDFromContext(c)
	if studentID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}
	limit, err := parseQueryInt(c, "limit")
	if err != nil || limit < 0 || limit > 100 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}

	// Reviewers may read another student's results.
	if raw := c.Query("student_id"); raw != "" {
		if !middleware.HasRole(c, middleware.RoleTeacher, middleware.RoleAdmin) {
			return utils.SendErrorWithCode(c, fiber.StatusForbidden, "forbidden", "only reviewers may list other students", nil)
		}
		other, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || other == 0 {
			return utils.SendError(c, fiber.StatusBadRequest, errInvalidIdentifier.Error())
		}
		studentID = uint(other)
	}

	results, err := h.service.Results(c.UserContext(), studentID, limit)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "assessment results", dto.NewResultResponseSlice(results))
}

func (h *SessionHandler) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if userIDFromContext(c) == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}
	return c.Next()
}

// stream pushes every snapshot of the session until it terminates or the
// client goes away.
func (h *SessionHandler) stream(conn *websocket.Conn) {
	defer conn.Close()

	studentID := websocketUserID(conn)
	sessionID := conn.Params("id")
	logger := h.logger.With().Str("session_id", sessionID).Uint("student_id", studentID).Logger()

	initial, updates, cancel, err := h.service.Subscribe(context.Background(), studentID, sessionID)
	if err != nil {
		reason := "session not found"
		if errors.Is(err, service.ErrSessionForbidden) {
			reason = "forbidden"
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
		return
	}
	defer cancel()

	logger.Debug().Msg("snapshot stream connected")
	defer logger.Debug().Msg("snapshot stream disconnected")

	if err := h.writeSnapshot(conn, initial); err != nil || initial.Terminated() {
		h.closeStream(conn)
		return
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case snap, ok := <-updates:
			if !ok {
				h.closeStream(conn)
				return
			}
			if snap.Version <= initial.Version && !snap.Terminated() {
				continue
			}
			if err := h.writeSnapshot(conn, snap); err != nil {
				logger.Debug().Err(err).Msg("snapshot stream write failed")
				return
			}
			if snap.Terminated() {
				h.closeStream(conn)
				return
			}
		}
	}
}

func (h *SessionHandler) writeSnapshot(conn *websocket.Conn, snap assessment.Snapshot) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(snap)
}

func (h *SessionHandler) closeStream(conn *websocket.Conn) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session terminated"))
}

func (h *SessionHandler) handleError(c *fiber.Ctx, err error) error {
	return handleError(c, h.logger, err)
}

// handleError maps engine and service errors onto HTTP statuses and
// stable error codes.
func handleError(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	switch {
	case isValidationError(err):
		return utils.SendErrorWithCode(c, fiber.StatusBadRequest, "invalid_payload", err.Error(), nil)
	case errors.Is(err, service.ErrSessionNotFound):
		return utils.SendErrorWithCode(c, fiber.StatusNotFound, "session_not_found", err.Error(), nil)
	case errors.Is(err, service.ErrAssessmentNotFound):
		return utils.SendErrorWithCode(c, fiber.StatusNotFound, "assessment_not_found", err.Error(), nil)
	case errors.Is(err, assessment.ErrUnknownItem):
		return utils.SendErrorWithCode(c, fiber.StatusNotFound, "unknown_item", err.Error(), nil)
	case errors.Is(err, service.ErrSessionForbidden):
		return utils.SendErrorWithCode(c, fiber.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, assessment.ErrValidation):
		return utils.SendErrorWithCode(c, fiber.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	case errors.Is(err, assessment.ErrInvalidConfig):
		return utils.SendErrorWithCode(c, fiber.StatusUnprocessableEntity, "invalid_config", err.Error(), nil)
	case errors.Is(err, assessment.ErrQuotaExceeded):
		return utils.SendErrorWithCode(c, fiber.StatusTooManyRequests, "quota_exceeded", err.Error(), nil)
	case errors.Is(err, assessment.ErrItemLocked):
		return utils.SendErrorWithCode(c, fiber.StatusConflict, "item_locked", err.Error(), nil)
	case errors.Is(err, assessment.ErrSessionTerminated):
		return utils.SendErrorWithCode(c, fiber.StatusConflict, "session_terminated", err.Error(), nil)
	case errors.Is(err, assessment.ErrSessionActive):
		return utils.SendErrorWithCode(c, fiber.StatusConflict, "session_active", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		return utils.SendErrorWithCode(c, fiber.StatusGatewayTimeout, "timeout", "request timed out", nil)
	default:
		requestLogger(logger, c).Error().Err(err).Msg("internal server error")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
