package relay

import (
	"net/http"

	echo "github.com/labstack/echo/v4"
)

// ErrorCode — код ошибки relay.
type ErrorCode string

const (
	ErrCodeBadRequest    ErrorCode = "BAD_REQUEST"
	ErrCodeBrokerFailure ErrorCode = "BROKER_FAILURE"
	ErrCodeUnavailable   ErrorCode = "UNAVAILABLE"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse — структура ответа с ошибкой.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail — детали ошибки.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// AcceptedResponse — ответ на принятый envelope.
type AcceptedResponse struct {
	ID string `json:"id"`
}

// HealthResponse — ответ /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func errorJSON(c echo.Context, status int, code ErrorCode, message string) error {
	return c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

func badRequest(c echo.Context, message string) error {
	return errorJSON(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}
