package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeUnknownProvider ErrorType = "unknown_provider"
	ErrorTypeUnknownModel    ErrorType = "unknown_model"
	ErrorTypeRetryable       ErrorType = "retryable"
	ErrorTypeFatal           ErrorType = "fatal"
	ErrorTypeCircuitOpen     ErrorType = "circuit_open"
	ErrorTypeExecutionFailed ErrorType = "execution_failed"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeUnavailable     ErrorType = "unavailable"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Sentinels for errors.Is comparisons. Only the Type is compared, so callers
// should build fresh errors with NewDomainError rather than mutating these.
var (
	ErrValidation      = NewDomainError(ErrorTypeValidation, "invalid request", nil)
	ErrUnknownProvider = NewDomainError(ErrorTypeUnknownProvider, "unknown provider", nil)
	ErrUnknownModel    = NewDomainError(ErrorTypeUnknownModel, "unknown model", nil)
	ErrRetryable       = NewDomainError(ErrorTypeRetryable, "provider temporarily unavailable", nil)
	ErrFatal           = NewDomainError(ErrorTypeFatal, "provider rejected the request", nil)
	ErrCircuitOpen     = NewDomainError(ErrorTypeCircuitOpen, "provider circuit is open", nil)
	ErrExecutionFailed = NewDomainError(ErrorTypeExecutionFailed, "execution failed", nil)
	ErrNotFound        = NewDomainError(ErrorTypeNotFound, "resource not found", nil)
	ErrUnavailable     = NewDomainError(ErrorTypeUnavailable, "backend not configured", nil)
)

// NewValidationError creates a validation error carrying field-level reasons
func NewValidationError(message string, fields map[string]string) *DomainError {
	err := NewDomainError(ErrorTypeValidation, message, nil)
	for field, reason := range fields {
		err.Details[field] = reason
	}
	return err
}

// NewExecutionFailed returns the generic, caller-safe failure. The cause is kept
// for server-side logging only.
func NewExecutionFailed(cause error) *DomainError {
	return NewDomainError(ErrorTypeExecutionFailed, "execution failed", cause)
}

func hasType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsUnknownProviderError checks if an error is an unknown provider error
func IsUnknownProviderError(err error) bool {
	return hasType(err, ErrorTypeUnknownProvider)
}

// IsUnknownModelError checks if an error is an unknown model error
func IsUnknownModelError(err error) bool {
	return hasType(err, ErrorTypeUnknownModel)
}

// IsRetryableError checks if an error is a transient provider failure
func IsRetryableError(err error) bool {
	return hasType(err, ErrorTypeRetryable)
}

// IsFatalError checks if an error is a non-retryable provider failure
func IsFatalError(err error) bool {
	return hasType(err, ErrorTypeFatal)
}

// IsCircuitOpenError checks if an error is a circuit breaker fast-fail
func IsCircuitOpenError(err error) bool {
	return hasType(err, ErrorTypeCircuitOpen)
}

// IsExecutionFailedError checks if an error is the generic execution failure
func IsExecutionFailedError(err error) bool {
	return hasType(err, ErrorTypeExecutionFailed)
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsUnavailableError checks if an error reports a missing backend
func IsUnavailableError(err error) bool {
	return hasType(err, ErrorTypeUnavailable)
}

// IsPermanentError reports errors that will fail the same way on every retry.
func IsPermanentError(err error) bool {
	return IsValidationError(err) ||
		IsUnknownProviderError(err) ||
		IsUnknownModelError(err) ||
		IsFatalError(err)
}

// IsClassified reports whether err belongs to the execution error taxonomy.
func IsClassified(err error) bool {
	switch GetErrorType(err) {
	case ErrorTypeValidation, ErrorTypeUnknownProvider, ErrorTypeUnknownModel,
		ErrorTypeRetryable, ErrorTypeFatal, ErrorTypeCircuitOpen,
		ErrorTypeExecutionFailed, ErrorTypeNotFound, ErrorTypeUnavailable:
		return true
	}
	return false
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// GetErrorMessage returns the caller-safe message of a domain error
func GetErrorMessage(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return ""
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}
