package apierror

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIErrorError(t *testing.T) {
	err := NewAPIError(ErrRateLimited, "too many requests", nil)
	assert.Equal(t, "RATE_LIMITED: too many requests", err.Error())
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		code   ErrorCode
		status int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrConflict, http.StatusConflict},
		{ErrInvalidInput, http.StatusBadRequest},
		{ErrRateLimited, http.StatusTooManyRequests},
		{ErrBudgetExceeded, http.StatusPaymentRequired},
		{ErrProviderUnavailable, http.StatusServiceUnavailable},
		{ErrDeliveryTimeout, http.StatusGatewayTimeout},
		{ErrTemplateRenderFailure, http.StatusBadRequest},
		{ErrInternalServer, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.status, MapErrorToHTTPStatus(NewAPIError(tt.code, "x", nil)))
		})
	}

	assert.Equal(t, http.StatusInternalServerError, MapErrorToHTTPStatus(assert.AnError))
}

func TestIsMatchesWrappedErrors(t *testing.T) {
	err := fmt.Errorf("admission: %w", NewAPIError(ErrBudgetExceeded, "cap reached", BudgetDetails{Scope: "acme:*:*", UtilizationPct: 104}))
	assert.True(t, Is(err, ErrBudgetExceeded))
	assert.False(t, Is(err, ErrRateLimited))

	apiErr, ok := As(err)
	assert.True(t, ok)
	details, ok := apiErr.Details.(BudgetDetails)
	assert.True(t, ok)
	assert.Equal(t, "acme:*:*", details.Scope)
}
