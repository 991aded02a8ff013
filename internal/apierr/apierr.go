// Package apierr defines the gateway's error taxonomy and the JSON shape
// returned to clients. Every failure surfaced over HTTP is an *Error; the
// Type tag maps onto an HTTP status so handlers never pick codes ad hoc.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error type tags.
const (
	TypeAuth         = "auth"
	TypeValidation   = "validation"
	TypeInvalidModel = "invalid_model"
	TypeUpstream     = "kiro_api_error"
	TypeConfig       = "config"
	TypeInternal     = "internal"
)

// Error is the single error shape the HTTP layer knows how to render.
type Error struct {
	Type    string
	Message string
	// UpstreamStatus mirrors the upstream HTTP status for TypeUpstream errors.
	UpstreamStatus int
	cause          error
}

func (e *Error) Error() string {
	if e.Type == TypeUpstream {
		return fmt.Sprintf("%s(%d): %s", e.Type, e.UpstreamStatus, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// StatusCode returns the HTTP status this error renders with.
func (e *Error) StatusCode() int {
	switch e.Type {
	case TypeAuth:
		return http.StatusUnauthorized
	case TypeValidation, TypeInvalidModel:
		return http.StatusBadRequest
	case TypeUpstream:
		if e.UpstreamStatus >= 400 && e.UpstreamStatus < 600 {
			return e.UpstreamStatus
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Body returns the client-facing JSON document for this error.
func (e *Error) Body() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"message": e.Message,
			"type":    e.Type,
		},
	}
}

// Auth builds a 401-class error.
func Auth(format string, args ...any) *Error {
	return &Error{Type: TypeAuth, Message: fmt.Sprintf(format, args...)}
}

// Validation builds a 400-class error.
func Validation(format string, args ...any) *Error {
	return &Error{Type: TypeValidation, Message: fmt.Sprintf(format, args...)}
}

// Upstream builds an error mirroring the upstream status.
func Upstream(status int, message string) *Error {
	return &Error{Type: TypeUpstream, UpstreamStatus: status, Message: message}
}

// Internal builds a 500-class error wrapping its cause.
func Internal(err error) *Error {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &Error{Type: TypeInternal, Message: msg, cause: err}
}

// ConfigErr builds a 500-class configuration error.
func ConfigErr(format string, args ...any) *Error {
	return &Error{Type: TypeConfig, Message: fmt.Sprintf(format, args...)}
}

// From coerces any error into an *Error, defaulting to TypeInternal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal(err)
}
