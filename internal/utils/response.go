package utils

import "github.com/gofiber/fiber/v2"

// headerCorrelationID mirrors the header set by the correlation middleware.
const headerCorrelationID = "X-Correlation-ID"

// APIResponse describes the common structure for API responses. Code is a
// stable machine readable error kind; it is only set on failures.
type APIResponse struct {
	Success       bool        `json:"success"`
	Code          string      `json:"code,omitempty"`
	Data          interface{} `json:"data,omitempty"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// SendSuccess sends a successful JSON response with a message.
func SendSuccess(c *fiber.Ctx, message string, data interface{}) error {
	return SendSuccessWithStatus(c, fiber.StatusOK, message, data)
}

// SendSuccessWithStatus sends a success payload using the provided HTTP status code.
func SendSuccessWithStatus(c *fiber.Ctx, status int, message string, data interface{}) error {
	if message == "" {
		message = "success"
	}
	if status == 0 {
		status = fiber.StatusOK
	}

	return c.Status(status).JSON(APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// SendError sends an error JSON response with the given status code.
func SendError(c *fiber.Ctx, status int, message string) error {
	return SendErrorWithCode(c, status, "", message, nil)
}

// SendErrorWithData sends an error response that still carries a payload,
// such as the timed-out result of an evaluation.
func SendErrorWithData(c *fiber.Ctx, status int, message string, data interface{}) error {
	return SendErrorWithCode(c, status, "", message, data)
}

// SendErrorWithCode sends an error response tagged with code. The request
// correlation id is echoed in the body so clients can quote it.
func SendErrorWithCode(c *fiber.Ctx, status int, code, message string, data interface{}) error {
	if message == "" {
		message = "error"
	}
	if code == "" {
		code = codeForStatus(status)
	}

	return c.Status(status).JSON(APIResponse{
		Success:       false,
		Code:          code,
		Data:          data,
		Message:       message,
		CorrelationID: string(c.Response().Header.Peek(headerCorrelationID)),
	})
}

func codeForStatus(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return "bad_request"
	case fiber.StatusUnauthorized:
		return "unauthorized"
	case fiber.StatusForbidden:
		return "forbidden"
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusConflict:
		return "conflict"
	case fiber.StatusUnprocessableEntity:
		return "unprocessable"
	case fiber.StatusTooManyRequests:
		return "rate_limited"
	case fiber.StatusServiceUnavailable:
		return "unavailable"
	case fiber.StatusGatewayTimeout:
		return "timeout"
	default:
		return "internal_error"
	}
}
