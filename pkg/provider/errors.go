package provider

import (
	"errors"
	"fmt"
)

// ErrorType classifies provider failures for retry decisions.
type ErrorType int8

const (
	// Retryable error types.

	// ErrorTypeRateLimit represents rate limiting (429, temporary quota).
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient represents transient failures (5xx, EOF, connection reset, timeout).
	ErrorTypeTransient

	// Non-retryable error types.

	// ErrorTypeAuth represents authentication failures (401/403, bad API key).
	ErrorTypeAuth
	// ErrorTypeBadPrompt represents prompts the provider cannot process (too long, malformed).
	ErrorTypeBadPrompt
	// ErrorTypeContentPolicy represents prompts the provider explicitly refuses.
	ErrorTypeContentPolicy
	// ErrorTypeQuotaExhausted represents permanently exhausted quota (billing hard stop).
	ErrorTypeQuotaExhausted

	// ErrorTypeUnknown is the default for unclassified errors.
	ErrorTypeUnknown
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeContentPolicy:
		return "content_policy"
	case ErrorTypeQuotaExhausted:
		return "quota_exhausted"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Error is a classified provider failure.
type Error struct {
	Err        error     // Wrapped underlying error
	Message    string    // Human-readable message
	Type       ErrorType // Classified error type
	StatusCode int       // HTTP status code if applicable
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider error (%s): %s", e.Type.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("provider error (%s): %v", e.Type.String(), e.Err)
	}
	return fmt.Sprintf("provider error (%s): status %d", e.Type.String(), e.StatusCode)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether this failure is worth another dispatch attempt.
// Blocklist approach: retryable unless explicitly terminal.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeContentPolicy, ErrorTypeQuotaExhausted:
		return false
	default:
		return true
	}
}

// Is checks whether err is a classified provider error of the given type.
func Is(err error, errorType ErrorType) bool {
	var provErr *Error
	if errors.As(err, &provErr) {
		return provErr.Type == errorType
	}
	return false
}

// TypeOf returns the error type of err, or ErrorTypeUnknown when unclassified.
func TypeOf(err error) ErrorType {
	var provErr *Error
	if errors.As(err, &provErr) {
		return provErr.Type
	}
	return ErrorTypeUnknown
}

// IsRetryable reports retryability for any error. Unclassified errors are
// treated as retryable so transport-level failures get another attempt.
func IsRetryable(err error) bool {
	var provErr *Error
	if errors.As(err, &provErr) {
		return provErr.IsRetryable()
	}
	return true
}

// NewError creates a classified provider error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
	}
}

// NewErrorWithStatus creates a classified provider error with an HTTP status.
func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{
		Type:       errorType,
		StatusCode: statusCode,
		Message:    message,
	}
}

// NewErrorWithCause creates a classified provider error wrapping another error.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{
		Type:    errorType,
		Err:     cause,
		Message: message,
	}
}

// ClassifyStatus maps an HTTP status code to an error type.
func ClassifyStatus(statusCode int) ErrorType {
	switch {
	case statusCode == 429:
		return ErrorTypeRateLimit
	case statusCode == 401 || statusCode == 403:
		return ErrorTypeAuth
	case statusCode == 400 || statusCode == 422:
		return ErrorTypeBadPrompt
	case statusCode == 402:
		return ErrorTypeQuotaExhausted
	case statusCode >= 500:
		return ErrorTypeTransient
	default:
		return ErrorTypeUnknown
	}
}
