package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network failures, 5xx responses from the platform.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates the platform rejected the call because of
	// a request quota. Retried after the server's Retry-After hint.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a naming conflict on the remote side.
	// Conflicts trigger fallback resolution, never a bare retry.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid repository content, missing artifacts, cycles.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the taxonomy member (see the ErrCode constants).
	Code string `json:"code,omitempty"`

	// Resource is the artifact or workspace that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// RetryAfter is the server supplied delay hint for throttled errors.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Code != "" {
		msg = fmt.Sprintf("[%s/%s] %s", e.Class, e.Code, e.Message)
	}
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code match.
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
		Code:    ErrCodeTransientRemote,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, retryAfter time.Duration, err error) *EngineError {
	return &EngineError{
		Class:      ErrorClassThrottled,
		Code:       ErrCodeRateLimited,
		Message:    message,
		RetryAfter: retryAfter,
		Err:        err,
	}
}

// NewConflictError creates a new naming conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Code:    ErrCodeNameConflict,
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

// NewNotFoundError creates a permanent error for a missing remote object.
func NewNotFoundError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeNotFound)
}

// NewValidationError creates a permanent error for malformed configuration
// or repository content.
func NewValidationError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeValidation)
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
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried by a RetryExecutor.
// Only transient and throttled errors are retryable; conflicts are resolved
// by the caller.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// IsNotFound returns true if the error reports a missing remote object.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
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

// ErrorCode returns the code of the outermost engine error, or "".
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ClassOf returns the class of the outermost engine error, or permanent for
// unclassified errors.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

// retryAfterHint extracts the throttling hint from err.
func retryAfterHint(err error) time.Duration {
	var e *EngineError
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// RetryExhaustedError is returned by a RetryExecutor when every attempt
// failed with a retryable error.
type RetryExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

// Unwrap returns the last attempt's error.
func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// Error codes. Each code names one member of the deployment error taxonomy.
const (
	ErrCodeTransientRemote       = "TRANSIENT_REMOTE"
	ErrCodeRateLimited           = "RATE_LIMITED"
	ErrCodeNameConflict          = "NAME_CONFLICT"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeCyclicDependency      = "CYCLIC_DEPENDENCY"
	ErrCodeDeletionNotConfirmed  = "DELETION_NOT_CONFIRMED"
	ErrCodeOperationTimedOut     = "OPERATION_TIMED_OUT"
	ErrCodeOperationFailed       = "OPERATION_FAILED"
	ErrCodeUnresolvedReference   = "UNRESOLVED_REFERENCE"
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeWorkspaceUnresolvable = "WORKSPACE_UNRESOLVABLE"
	ErrCodePolicyDenied          = "POLICY_DENIED"
	ErrCodePermissionDenied      = "PERMISSION_DENIED"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// Sentinel errors for errors.Is checks.
var (
	ErrCyclicDependency      = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCyclicDependency}
	ErrDeletionNotConfirmed  = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeDeletionNotConfirmed}
	ErrOperationTimedOut     = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeOperationTimedOut}
	ErrOperationFailed       = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeOperationFailed}
	ErrUnresolvedReference   = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeUnresolvedReference}
	ErrValidation            = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation}
	ErrNotFound              = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound}
	ErrNameConflict          = &EngineError{Class: ErrorClassConflict, Code: ErrCodeNameConflict}
	ErrWorkspaceUnresolvable = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeWorkspaceUnresolvable}
	ErrPolicyDenied          = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePolicyDenied}
)
