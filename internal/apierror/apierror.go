package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrBadRequest     ErrorCode = "BAD_REQUEST"
	ErrInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"

	// Delivery-domain codes.
	ErrRateLimited           ErrorCode = "RATE_LIMITED"
	ErrBudgetExceeded        ErrorCode = "BUDGET_EXCEEDED"
	ErrProviderUnavailable   ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrDeliveryTimeout       ErrorCode = "DELIVERY_TIMEOUT"
	ErrTemplateRenderFailure ErrorCode = "TEMPLATE_RENDER_FAILURE"
	ErrRetryExhausted        ErrorCode = "RETRY_EXHAUSTED"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	logrus.Error(details)
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// As unwraps err into an APIError if it carries one.
func As(err error) (APIError, bool) {
	var apiErr APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}

// Is reports whether err is an APIError with the given code.
func Is(err error, code ErrorCode) bool {
	apiErr, ok := As(err)
	return ok && apiErr.Code == code
}

func MapErrorToHTTPStatus(err error) int {
	if apiErr, ok := As(err); ok {
		switch apiErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrConflict:
			return http.StatusConflict
		case ErrInvalidInput, ErrBadRequest, ErrTemplateRenderFailure:
			return http.StatusBadRequest
		case ErrRateLimited:
			return http.StatusTooManyRequests
		case ErrBudgetExceeded:
			return http.StatusPaymentRequired
		case ErrProviderUnavailable:
			return http.StatusServiceUnavailable
		case ErrDeliveryTimeout:
			return http.StatusGatewayTimeout
		case ErrInternalServer, ErrRetryExhausted:
			return http.StatusInternalServerError
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}

// RateLimitDetails rides on RATE_LIMITED errors so callers can surface
// limit metadata in response headers.
type RateLimitDetails struct {
	Scope      string `json:"scope"`
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
	ResetEpoch int64  `json:"reset_epoch"`
	RetryAfter int64  `json:"retry_after_sec"`
}

// BudgetDetails rides on BUDGET_EXCEEDED errors.
type BudgetDetails struct {
	Scope          string  `json:"scope"`
	UtilizationPct float64 `json:"utilization_pct"`
}
