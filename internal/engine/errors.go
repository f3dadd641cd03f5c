package engine

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// AppError is the one error type handlers surface to clients. Code comes
// from the fixed taxonomy; Status is the HTTP status it maps to.
type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

// ErrorResponse is the wire envelope: {"error": {...}}.
type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func InvalidPayloadError(msg string) *AppError {
	return &AppError{Code: "INVALID_PAYLOAD", Status: 400, Message: msg}
}

func ValidationError(details []ErrorDetail) *AppError {
	return &AppError{Code: "VALIDATION_FAILED", Status: 422, Message: "Validation failed", Details: details}
}

func UnauthorizedError(msg string) *AppError {
	if msg == "" {
		msg = "Authentication required"
	}
	return &AppError{Code: "UNAUTHORIZED", Status: 401, Message: msg}
}

func ForbiddenError(msg string) *AppError {
	if msg == "" {
		msg = "Permission denied"
	}
	return &AppError{Code: "FORBIDDEN", Status: 403, Message: msg}
}

func NotFoundError(msg string) *AppError {
	return &AppError{Code: "NOT_FOUND", Status: 404, Message: msg}
}

func UnknownEntityError(name string) *AppError {
	return &AppError{Code: "NOT_FOUND", Status: 404, Message: fmt.Sprintf("Unknown entity: %s", name)}
}

func ConflictError(msg string) *AppError {
	if msg == "" {
		msg = "Conflict with existing record"
	}
	return &AppError{Code: "CONFLICT", Status: 409, Message: msg}
}

func FileTooLargeError(max int64) *AppError {
	return &AppError{Code: "FILE_TOO_LARGE", Status: 413, Message: fmt.Sprintf("File exceeds maximum size of %d bytes", max)}
}

func AIRequestFailedError(msg string) *AppError {
	return &AppError{Code: "AI_REQUEST_FAILED", Status: 502, Message: msg}
}

func InternalError(msg string) *AppError {
	if msg == "" {
		msg = "Internal server error"
	}
	return &AppError{Code: "INTERNAL_ERROR", Status: 500, Message: msg}
}

// FiberErrorHandler maps errors escaping handlers onto the error envelope.
// AppErrors keep their code and status; anything else becomes a 500 without
// leaking internals.
func FiberErrorHandler(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(ErrorResponse{
			Error: &AppError{Code: "INTERNAL_ERROR", Status: fiberErr.Code, Message: fiberErr.Message},
		})
	}

	engineLog.Error().Err(err).Str("path", c.Path()).Msg("unhandled error")
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: InternalError("")})
}
