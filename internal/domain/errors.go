package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable public error taxonomy. Every fault that crosses the
// engine boundary carries one of these codes; internal errors are wrapped,
// never leaked raw.
type ErrorCode string

const (
	CodeSchemaInvalid    ErrorCode = "schema_invalid"
	CodeInputInvalid     ErrorCode = "input_invalid"
	CodeSignatureInvalid ErrorCode = "signature_invalid"
	CodeUnauthorized     ErrorCode = "unauthorized"
	CodeIntegrityFail    ErrorCode = "integrity_fail"
	CodeInternal         ErrorCode = "internal_error"
)

// DetailValueLimit bounds detail string lengths so oversized or sensitive
// payloads never land in logs whole.
const DetailValueLimit = 100

type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches by code so callers can test errors.Is(err, &Error{Code: ...}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func newError(code ErrorCode, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: truncateDetails(details)}
}

func NewSchemaInvalid(message string, details map[string]any) *Error {
	return newError(CodeSchemaInvalid, message, details)
}

func NewInputInvalid(message string, details map[string]any) *Error {
	return newError(CodeInputInvalid, message, details)
}

func NewSignatureInvalid(message string, details map[string]any) *Error {
	return newError(CodeSignatureInvalid, message, details)
}

func NewUnauthorized(message string, details map[string]any) *Error {
	return newError(CodeUnauthorized, message, details)
}

func NewIntegrityFail(message string, details map[string]any) *Error {
	return newError(CodeIntegrityFail, message, details)
}

func NewInternal(message string, cause error) *Error {
	e := newError(CodeInternal, message, nil)
	e.cause = cause
	return e
}

// AsError coerces any error into the public taxonomy. Already-typed errors
// pass through; anything else becomes an internal_error wrapping the cause.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewInternal("unexpected internal fault", err)
}

// CodeOf returns the taxonomy code for err, or internal_error for untyped
// errors. A nil error has no code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return AsError(err).Code
}

// Truncate bounds a string for inclusion in error details or audit output.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit]
}

func truncateDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if s, ok := v.(string); ok {
			out[k] = Truncate(s, DetailValueLimit)
			continue
		}
		out[k] = v
	}
	return out
}
