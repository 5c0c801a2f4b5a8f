package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: wait budget exhausted, remote service briefly unavailable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: a stack that already exists, an update racing another update.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration, disk shrink requested, shared infrastructure in a bad state.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the stack, compute unit or target the error refers to.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	switch {
	case e.Resource != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	case e.Resource != "":
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code agree.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return classOf(err) == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	return classOf(err) == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return classOf(err) == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return classOf(err) == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// HasCode reports whether any engine error in the chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var e *EngineError
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// CodeOf returns the code of the outermost engine error in the chain.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// Common error codes.
const (
	ErrCodeInvalidConfig        = "INVALID_CONFIG"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeAlreadyExists        = "ALREADY_EXISTS"
	ErrCodeNoChanges            = "NO_CHANGES"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeRateLimited          = "RATE_LIMITED"
	ErrCodeDiskShrink           = "DISK_SHRINK"
	ErrCodeManualAction         = "MANUAL_ACTION"
	ErrCodeOperatorIntervention = "OPERATOR_INTERVENTION"
	ErrCodeDeleteFailed         = "DELETE_FAILED"
	ErrCodeStackFailed          = "STACK_FAILED"
	ErrCodeUnsupported          = "UNSUPPORTED"
	ErrCodeResizeFailed         = "RESIZE_FAILED"
	ErrCodeRestartFailed        = "RESTART_FAILED"
	ErrCodeProviderFailed       = "PROVIDER_FAILED"
)
