package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCode_Status(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeRouteNotFound, http.StatusNotFound},
		{CodeReplicasUnavailable, http.StatusServiceUnavailable},
		{CodeMissingCredentials, http.StatusUnauthorized},
		{CodeNULByte, http.StatusBadRequest},
		{CodeBodyTooLarge, http.StatusBadRequest},
		{CodeBurstExceeded, http.StatusTooManyRequests},
		{CodeQuotaExceeded, http.StatusTooManyRequests},
		{CodeInsufficientRole, http.StatusForbidden},
		{CodeOperationExpired, http.StatusGone},
		{CodeRequestInProgress, http.StatusConflict},
		{CodeCircuitOpen, http.StatusServiceUnavailable},
		{CodeBackendTimeout, http.StatusGatewayTimeout},
		{Code("E0000"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.Status())
		})
	}
}

func TestGatewayError_Is(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", New(CodeBurstExceeded, "slow down"))

	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.True(t, errors.Is(err, New(CodeBurstExceeded, "")))
	assert.False(t, errors.Is(err, New(CodeQuotaExceeded, "")))
	assert.False(t, errors.Is(err, ErrValidation))
}

func TestGatewayError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(CodeBackendError, "backend failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "E9001")
	assert.Contains(t, err.Error(), "refused")
}

func TestFrom(t *testing.T) {
	assert.Nil(t, From(nil))

	gw := From(errors.New("boom"))
	assert.Equal(t, CodeInternal, gw.Code)
	assert.Equal(t, http.StatusInternalServerError, gw.Status())

	orig := New(CodeInvalidKey, "invalid key")
	assert.Same(t, orig, From(fmt.Errorf("ctx: %w", orig)))
}

func TestGatewayError_Marshal(t *testing.T) {
	err := New(CodeBurstExceeded, "rate limit exceeded").
		WithDetail("limit", 20).
		WithRetryAfter(100 * time.Millisecond)

	var env map[string]map[string]any
	require.NoError(t, json.Unmarshal(err.Marshal("trace", "req"), &env))

	body := env["error"]
	assert.Equal(t, "E9401", body["code"])
	assert.Equal(t, "rate limit exceeded", body["message"])
	assert.Equal(t, float64(1), body["retry_after"])
	assert.Equal(t, "trace", body["trace_id"])
	assert.Equal(t, "req", body["request_id"])
	assert.Equal(t, float64(20), body["details"].(map[string]any)["limit"])
}

func TestGatewayError_MarshalUnencodableDetails(t *testing.T) {
	err := New(CodeInternal, "oops").WithDetail("fn", func() {})
	var env Envelope
	require.NoError(t, json.Unmarshal(err.Marshal("", ""), &env))
	assert.Equal(t, CodeInternal, env.Error.Code)
	assert.Nil(t, env.Error.Details)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, RetryAfterSeconds(0))
	assert.Equal(t, 1, RetryAfterSeconds(0.1))
	assert.Equal(t, 2, RetryAfterSeconds(1.5))
	assert.Equal(t, 3600, RetryAfterSeconds(3600))
}
