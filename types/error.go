package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the proxy.
type ErrorCode string

const (
	// ErrConfig covers invalid configuration detected at startup.
	ErrConfig ErrorCode = "CONFIG_ERROR"
	// ErrRoute means no provider or mux rule matched the request.
	ErrRoute ErrorCode = "ROUTE_ERROR"
	// ErrAuth covers missing or rejected credentials, ours or upstream's.
	ErrAuth ErrorCode = "AUTH_ERROR"
	// ErrUpstream covers provider connection failures and 5xx replies.
	ErrUpstream ErrorCode = "UPSTREAM_ERROR"
	// ErrRedaction means a detector failed mid-request; the request still
	// proceeds with whatever was redacted before the failure.
	ErrRedaction ErrorCode = "REDACTION_FAILURE"
	// ErrInternal is the catch-all for bugs on our side.
	ErrInternal ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: defaultStatus(code)}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus overrides the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

func defaultStatus(code ErrorCode) int {
	switch code {
	case ErrRoute:
		return http.StatusBadRequest
	case ErrAuth:
		return http.StatusUnauthorized
	case ErrUpstream:
		return http.StatusBadGateway
	case ErrRedaction, ErrInternal, ErrConfig:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// HTTPStatusFor extracts the HTTP status an error should surface as.
// Unknown errors map to 500.
func HTTPStatusFor(err error) int {
	var e *Error
	if errors.As(err, &e) {
		if e.HTTPStatus != 0 {
			return e.HTTPStatus
		}
		return defaultStatus(e.Code)
	}
	return http.StatusInternalServerError
}

// CodeFor extracts the error code from an error chain.
func CodeFor(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInternal
}
