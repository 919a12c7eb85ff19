package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/chainflow/pkg/schema"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	StepID  string         `json:"step_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// statusFor maps an error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeConfiguration,
		schema.ErrCodeDataResolution, schema.ErrCodeCycleDetected:
		return http.StatusBadRequest
	case schema.ErrCodeActionUnavailable:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeInsufficientCredits:
		return http.StatusPaymentRequired
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeExternalService:
		return http.StatusBadGateway
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleError renders chainflow and echo errors as errorBody.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	detail := errorDetail{Code: schema.ErrCodeStore, Message: "internal error"}

	var cfErr *schema.ChainflowError
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &cfErr):
		status = statusFor(cfErr.Code)
		detail = errorDetail{Code: cfErr.Code, Message: cfErr.Message, StepID: cfErr.StepID, Details: cfErr.Details}
	case errors.As(err, &httpErr):
		status = httpErr.Code
		detail = errorDetail{Code: http.StatusText(status), Message: http.StatusText(status)}
		if msg, ok := httpErr.Message.(string); ok {
			detail.Message = msg
		}
		if status == http.StatusBadRequest {
			detail.Code = schema.ErrCodeValidation
		}
	default:
		s.logger.Error("unhandled error", "path", c.Path(), "error", err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, errorBody{Error: detail})
	}
	if err != nil {
		s.logger.Error("write error response", "error", err)
	}
}

// badRequest wraps a decode failure as a VALIDATION error.
func badRequest(msg string, cause error) error {
	return schema.NewError(schema.ErrCodeValidation, msg).WithCause(cause)
}
