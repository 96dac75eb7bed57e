package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/stepherg/gatedash/internal/logging"
)

// APIError is the JSON body of every non-2xx response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewBadRequestError(message string, cause error) *APIError {
	err := &APIError{Status: http.StatusBadRequest, Code: "BAD_REQUEST", Message: message}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewValidationError reports a missing or malformed field.
func NewValidationError(field string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_ERROR",
		Message: fmt.Sprintf("validation failed for field: %s", field),
	}
}

func NewInternalError(message string, cause error) *APIError {
	err := &APIError{Status: http.StatusInternalServerError, Code: "INTERNAL_ERROR", Message: message}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// ErrorHandler renders errors returned by handlers as APIError JSON.
// Usage: e.HTTPErrorHandler = api.ErrorHandler(logger)
func ErrorHandler(log *zap.Logger) echo.HTTPErrorHandler {
	log = logging.OrNop(log)
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var apiErr *APIError
		switch e := err.(type) {
		case *APIError:
			apiErr = e
		case *echo.HTTPError:
			apiErr = &APIError{Status: e.Code, Code: "HTTP_ERROR", Message: fmt.Sprintf("%v", e.Message)}
		default:
			log.Error("unhandled request error", zap.String("path", c.Request().URL.Path), zap.Error(err))
			apiErr = &APIError{
				Status:  http.StatusInternalServerError,
				Code:    "UNKNOWN_ERROR",
				Message: "An unexpected error occurred",
				Details: err.Error(),
			}
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(apiErr.Status)
			return
		}
		_ = c.JSON(apiErr.Status, apiErr)
	}
}
