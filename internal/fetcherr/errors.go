// Package fetcherr defines the typed errors surfaced by the fetch core.
// Every failure mode has a stable machine-readable code so callers and the
// HTTP surface can branch without string matching.
package fetcherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a failure mode. Codes are part of the public API and
// never change once shipped.
type Code string

const (
	CodeInvalidURL          Code = "invalid_url"
	CodeUnauthorized        Code = "unauthorized"
	CodeRateLimited         Code = "rate_limited"
	CodeNoViableTier        Code = "no_viable_tier"
	CodeFetchTimeout        Code = "fetch_timeout"
	CodeRenderFailed        Code = "render_failed"
	CodeValidationFailed    Code = "validation_failed"
	CodeBotDetected         Code = "bot_detected"
	CodeUpstreamRateLimited Code = "upstream_rate_limited"

	CodeInvalidRequest   Code = "invalid_request"
	CodeWorkflowNotFound Code = "workflow_not_found"
	CodeSessionNotFound  Code = "session_not_found"
	CodeForbidden        Code = "forbidden"

	// Internal codes. Never surfaced as a terminal fetch error: discovery
	// sources record these per-source, pattern bypass falls through to the
	// next tier.
	CodeDiscoveryError      Code = "discovery_error"
	CodePatternInvokeFailed Code = "pattern_invoke_failed"
)

// Error is the single error type used across the core. Detail carries
// code-specific payload (e.g. failed verification checks).
type Error struct {
	Code    Code
	Message string
	Detail  any
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is makes errors.Is match on code equality so sentinel comparisons work
// across wrapping.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return fe.Code == e.Code
	}
	return false
}

// New creates an error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a code.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// WithDetail attaches a code-specific payload.
func (e *Error) WithDetail(detail any) *Error {
	e.Detail = detail
	return e
}

// CodeOf extracts the code from any error, or empty if it is not ours.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// HTTPStatus maps a code to the status the HTTP surface returns.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidURL, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeWorkflowNotFound, CodeSessionNotFound:
		return http.StatusNotFound
	case CodeRateLimited, CodeUpstreamRateLimited:
		return http.StatusTooManyRequests
	case CodeNoViableTier, CodeValidationFailed:
		return http.StatusUnprocessableEntity
	case CodeFetchTimeout:
		return http.StatusGatewayTimeout
	case CodeRenderFailed:
		return http.StatusBadGateway
	case CodeBotDetected:
		return http.StatusUnavailableForLegalReasons
	default:
		return http.StatusInternalServerError
	}
}
