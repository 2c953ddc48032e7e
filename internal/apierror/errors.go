// Package apierror defines the client-facing error taxonomy of the gateway.
//
// Every failure that reaches a caller is a *GatewayError carrying a stable
// E9xxx code. Codes are grouped by range and each code maps to a fixed HTTP
// status:
//
//	E90xx  server and backend failures       500/502/503/504
//	E91xx  routing                           404 (503 when no replica is healthy)
//	E92xx  authentication                    401
//	E93xx  request validation                400
//	E94xx  rate limiting                     429, carries retry_after
//	E95xx  authorization                     403
//	E96xx  async operations                  404/409/410/403
//	E97xx  webhook delivery                  internal only
//	E98xx  circuit breaker                   503
//
// Structured errors implement Error, Unwrap and Is so callers can test them
// with errors.Is against a code sentinel, for example
// errors.Is(err, apierror.ErrRateLimited).
package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is a stable gateway error code.
type Code string

// Server and backend codes.
const (
	CodeInternal           Code = "E9000"
	CodeBackendError       Code = "E9001"
	CodeBackendTimeout     Code = "E9002"
	CodeServiceUnavailable Code = "E9003"
)

// Routing codes.
const (
	CodeRouteNotFound       Code = "E9101"
	CodeVersionNotFound     Code = "E9102"
	CodeReplicasUnavailable Code = "E9103"
)

// Authentication codes.
const (
	CodeMissingCredentials Code = "E9201"
	CodeInvalidKey         Code = "E9202"
	CodeTokenExpired       Code = "E9203"
	CodeInvalidSignature   Code = "E9204"
	CodeInvalidCertificate Code = "E9205"
	CodeCredentialExpired  Code = "E9206"
	CodeInvalidToken       Code = "E9207"
)

// Validation codes.
const (
	CodeTooManyHeaders        Code = "E9301"
	CodeHeaderTooLarge        Code = "E9302"
	CodeForbiddenHeader       Code = "E9303"
	CodeBodyTooLarge          Code = "E9304"
	CodeQueryTooLong          Code = "E9305"
	CodeMalformedJSON         Code = "E9306"
	CodeNULByte               Code = "E9307"
	CodeControlCharacter      Code = "E9308"
	CodeInvalidUTF8           Code = "E9309"
	CodeInvalidIdempotencyKey Code = "E9310"
)

// Rate limiting codes.
const (
	CodeBurstExceeded Code = "E9401"
	CodeQuotaExceeded Code = "E9402"
)

// Authorization codes.
const (
	CodeConsumerInactive  Code = "E9501"
	CodeTenantMismatch    Code = "E9502"
	CodeInsufficientScope Code = "E9503"
	CodeInsufficientRole  Code = "E9504"
	CodePolicyDenied      Code = "E9505"
)

// Async operation codes.
const (
	CodeOperationNotFound  Code = "E9601"
	CodeOperationExpired   Code = "E9602"
	CodeOperationForbidden Code = "E9603"
	CodeRequestInProgress  Code = "E9604"
)

// Webhook codes. These never reach the original caller.
const (
	CodeInvalidWebhookURL Code = "E9701"
	CodeWebhookFailed     Code = "E9702"
)

// Circuit breaker codes.
const (
	CodeCircuitOpen Code = "E9801"
)

var statusByCode = map[Code]int{
	CodeInternal:           http.StatusInternalServerError,
	CodeBackendError:       http.StatusBadGateway,
	CodeBackendTimeout:     http.StatusGatewayTimeout,
	CodeServiceUnavailable: http.StatusServiceUnavailable,

	CodeRouteNotFound:       http.StatusNotFound,
	CodeVersionNotFound:     http.StatusNotFound,
	CodeReplicasUnavailable: http.StatusServiceUnavailable,

	CodeMissingCredentials: http.StatusUnauthorized,
	CodeInvalidKey:         http.StatusUnauthorized,
	CodeTokenExpired:       http.StatusUnauthorized,
	CodeInvalidSignature:   http.StatusUnauthorized,
	CodeInvalidCertificate: http.StatusUnauthorized,
	CodeCredentialExpired:  http.StatusUnauthorized,
	CodeInvalidToken:       http.StatusUnauthorized,

	CodeTooManyHeaders:        http.StatusBadRequest,
	CodeHeaderTooLarge:        http.StatusBadRequest,
	CodeForbiddenHeader:       http.StatusBadRequest,
	CodeBodyTooLarge:          http.StatusBadRequest,
	CodeQueryTooLong:          http.StatusBadRequest,
	CodeMalformedJSON:         http.StatusBadRequest,
	CodeNULByte:               http.StatusBadRequest,
	CodeControlCharacter:      http.StatusBadRequest,
	CodeInvalidUTF8:           http.StatusBadRequest,
	CodeInvalidIdempotencyKey: http.StatusBadRequest,

	CodeBurstExceeded: http.StatusTooManyRequests,
	CodeQuotaExceeded: http.StatusTooManyRequests,

	CodeConsumerInactive:  http.StatusForbidden,
	CodeTenantMismatch:    http.StatusForbidden,
	CodeInsufficientScope: http.StatusForbidden,
	CodeInsufficientRole:  http.StatusForbidden,
	CodePolicyDenied:      http.StatusForbidden,

	CodeOperationNotFound:  http.StatusNotFound,
	CodeOperationExpired:   http.StatusGone,
	CodeOperationForbidden: http.StatusForbidden,
	CodeRequestInProgress:  http.StatusConflict,

	CodeInvalidWebhookURL: http.StatusBadRequest,
	CodeWebhookFailed:     http.StatusBadGateway,

	CodeCircuitOpen: http.StatusServiceUnavailable,
}

// Status returns the HTTP status associated with the code.
func (c Code) Status() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Category returns the taxonomy group of the code.
func (c Code) Category() string {
	if len(c) != 5 {
		return "unknown"
	}
	switch c[2] {
	case '0':
		return "server"
	case '1':
		return "routing"
	case '2':
		return "authentication"
	case '3':
		return "validation"
	case '4':
		return "rate_limit"
	case '5':
		return "authorization"
	case '6':
		return "operation"
	case '7':
		return "webhook"
	case '8':
		return "circuit_breaker"
	default:
		return "unknown"
	}
}

// GatewayError is a client-facing error with a stable code.
type GatewayError struct {
	Code       Code
	Message    string
	Details    map[string]any
	RetryAfter time.Duration
	Cause      error
}

// New creates a GatewayError.
func New(code Code, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message}
}

// Newf creates a GatewayError with a formatted message.
func Newf(code Code, format string, args ...any) *GatewayError {
	return &GatewayError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a GatewayError that wraps cause.
func Wrap(code Code, message string, cause error) *GatewayError {
	return &GatewayError{Code: code, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a GatewayError with the same code, or one of
// the category sentinels matching this error's range.
func (e *GatewayError) Is(target error) bool {
	switch t := target.(type) {
	case *GatewayError:
		return t.Code == e.Code
	case *categoryError:
		return t.category == e.Code.Category()
	default:
		return false
	}
}

// Status returns the HTTP status for the error.
func (e *GatewayError) Status() int {
	return e.Code.Status()
}

// WithDetail returns e with an extra detail entry.
func (e *GatewayError) WithDetail(key string, value any) *GatewayError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter sets the retry hint reported to the caller.
func (e *GatewayError) WithRetryAfter(d time.Duration) *GatewayError {
	e.RetryAfter = d
	return e
}

type categoryError struct {
	category string
}

func (c *categoryError) Error() string { return c.category + " error" }

// Category sentinels for errors.Is checks.
var (
	ErrServer         error = &categoryError{category: "server"}
	ErrRouting        error = &categoryError{category: "routing"}
	ErrAuthentication error = &categoryError{category: "authentication"}
	ErrValidation     error = &categoryError{category: "validation"}
	ErrRateLimited    error = &categoryError{category: "rate_limit"}
	ErrAuthorization  error = &categoryError{category: "authorization"}
	ErrOperation      error = &categoryError{category: "operation"}
	ErrWebhook        error = &categoryError{category: "webhook"}
	ErrCircuit        error = &categoryError{category: "circuit_breaker"}
)

// From converts any error into a GatewayError. Errors that are not already
// gateway errors become E9000 with a generic message.
func From(err error) *GatewayError {
	if err == nil {
		return nil
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	return Wrap(CodeInternal, "internal server error", err)
}
