package errors

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes a failure into the delivery taxonomy. The
// Retryable flag, not the code, is what crosses back into the job
// runner; everything non-retryable is resolved to a terminal local
// state by the component that classified it.
type ErrorCode string

const (
	// Capability mismatch: the recipient cannot receive this message
	// type and an insecure fallback needs explicit approval.
	ErrCodeUnregisteredRecipient ErrorCode = "UNREGISTERED_RECIPIENT"

	// Security violation: the recipient's identity key changed
	// unexpectedly. Never auto-retried.
	ErrCodeUntrustedIdentity ErrorCode = "UNTRUSTED_IDENTITY"

	// Protocol-reported failure: the transport returned a structured
	// error with a description worth persisting.
	ErrCodeTransportAPI ErrorCode = "TRANSPORT_API"

	// Transient network failure, surfaced to the runner as retryable.
	ErrCodeNetworkIO ErrorCode = "NETWORK_IO"

	// Local failures
	ErrCodeDatabaseQuery ErrorCode = "DATABASE_QUERY"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// AppError is a structured application error.
type AppError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Cause     error                  `json:"-"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Retryable bool                   `json:"retryable"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// WrapRetryable wraps an error and marks it as retryable
func WrapRetryable(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Cause:     err,
		Retryable: true,
	}
}

// IsRetryable checks if an error is retryable. This is the single
// signal the job runner bases its retry decision on.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}
