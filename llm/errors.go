package llm

import (
	"errors"
	"fmt"
)

// ErrorCode classifies gateway and provider failures.
type ErrorCode string

const (
	ErrCodeInvalidRequest       ErrorCode = "invalid_request"
	ErrCodeAuthentication       ErrorCode = "authentication_error"
	ErrCodeRateLimited          ErrorCode = "rate_limited"
	ErrCodeUpstream             ErrorCode = "upstream_error"
	ErrCodeTimeout              ErrorCode = "timeout"
	ErrCodeProviderUnavailable  ErrorCode = "provider_unavailable"
	ErrCodeModelNotFound        ErrorCode = "model_not_found"
	ErrCodeStreamingUnsupported ErrorCode = "streaming_unsupported"
	ErrCodeRoutingUnavailable   ErrorCode = "routing_unavailable"
	ErrCodeConfiguration        ErrorCode = "configuration_error"
)

// Error is the typed error surfaced by providers and the gateway.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is match on code so callers can compare against
// sentinel-style values without caring about message or provider.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// NewError builds a typed error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError builds a typed error preserving the underlying cause.
func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithProvider tags the error with the provider it came from.
func (e *Error) WithProvider(name string) *Error {
	e.Provider = name
	return e
}

// WithStatus records the upstream HTTP status.
func (e *Error) WithStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// AsRetryable marks the error safe to retry against another provider.
func (e *Error) AsRetryable() *Error {
	e.Retryable = true
	return e
}

// IsRetryable reports whether err carries a retryable typed error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CodeOf extracts the error code, or empty string for untyped errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
