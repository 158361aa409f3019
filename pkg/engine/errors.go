package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: provisioning back end unavailable, network timeouts.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion on a back end.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a lease state conflict, such as a lease
	// currently held in another transitional status.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: malformed request, not enough resources, illegal state change.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the error kind for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the lease, reservation or unit ID that caused the error.
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
	if e.Code != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
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
// Two engine errors match when they carry the same code; an empty target
// code matches on class alone.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Class == t.Class
	}
	return e.Code == t.Code
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

// WithClass overrides the error class.
func (e *EngineError) WithClass(class ErrorClass) *EngineError {
	e.Class = class
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

// Error codes.
const (
	ErrCodeMissingParameter      = "MISSING_PARAMETER"
	ErrCodeMalformedParameter    = "MALFORMED_PARAMETER"
	ErrCodeMalformedRequirements = "MALFORMED_REQUIREMENTS"
	ErrCodeInvalidDate           = "INVALID_DATE"
	ErrCodeNotEnoughResources    = "NOT_ENOUGH_RESOURCES"
	ErrCodeBookingConflict       = "BOOKING_CONFLICT"
	ErrCodeInvalidStateUpdate    = "INVALID_STATE_UPDATE"
	ErrCodeInvalidStatus         = "INVALID_STATUS"
	ErrCodeProvisioningFailed    = "PROVISIONING_FAILED"
	ErrCodeTimeout               = "TIMEOUT"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeAlreadyExists         = "ALREADY_EXISTS"
	ErrCodePolicyViolation       = "POLICY_VIOLATION"
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

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

// NewMissingParameterError reports a required request parameter that was not supplied.
func NewMissingParameterError(param string) *EngineError {
	return NewPermanentError(fmt.Sprintf("missing parameter %q", param), nil).
		WithCode(ErrCodeMissingParameter).
		WithDetail("param", param)
}

// NewMalformedParameterError reports a request parameter with an unusable value.
func NewMalformedParameterError(param string, err error) *EngineError {
	return NewPermanentError(fmt.Sprintf("malformed parameter %q", param), err).
		WithCode(ErrCodeMalformedParameter).
		WithDetail("param", param)
}

// NewMalformedRequirementsError reports a requirement expression that does not parse.
func NewMalformedRequirementsError(expr string, err error) *EngineError {
	return NewPermanentError(fmt.Sprintf("malformed requirements %s", expr), err).
		WithCode(ErrCodeMalformedRequirements)
}

// NewInvalidDateError reports lease dates that cannot be honoured.
func NewInvalidDateError(message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(ErrCodeInvalidDate)
}

// NewNotEnoughResourcesError reports that fewer matching units are free than requested.
func NewNotEnoughResourcesError(resourceType string, found, wanted int) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("not enough %s resources available: found %d, need %d", resourceType, found, wanted),
		nil,
	).WithCode(ErrCodeNotEnoughResources).
		WithDetail("found", found).
		WithDetail("wanted", wanted)
}

// NewBookingConflictError reports a unit taken by another reservation between
// candidate selection and the allocation write.
func NewBookingConflictError(unitID, holder string) *EngineError {
	return NewConflictError(fmt.Sprintf("unit %s was booked by reservation %s", unitID, holder), nil).
		WithCode(ErrCodeBookingConflict).
		WithResource(unitID).
		WithDetail("holder", holder)
}

// NewInvalidStateUpdateError reports a mutation that the current status forbids.
func NewInvalidStateUpdateError(message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(ErrCodeInvalidStateUpdate)
}

// NewInvalidStatusError reports an illegal lease status transition or combination.
func NewInvalidStatusError(leaseID string, from, to LeaseStatus) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("invalid lease status transition %s -> %s", from, to),
		nil,
	).WithCode(ErrCodeInvalidStatus).
		WithResource(leaseID).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}

// NewProvisioningError wraps a failure returned by a provisioning back end.
func NewProvisioningError(message string, err error) *EngineError {
	return NewTransientError(message, err).WithCode(ErrCodeProvisioningFailed)
}

// NewTimeoutError reports an external operation that did not finish within its bound.
func NewTimeoutError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeTimeout)
}

// NewNotFoundError reports a missing record.
func NewNotFoundError(kind, id string) *EngineError {
	return NewPermanentError(fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithCode(ErrCodeNotFound).
		WithResource(id)
}

// NewPolicyViolationError reports a lease rejected by an enforcement policy.
func NewPolicyViolationError(message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(ErrCodePolicyViolation)
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

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// HasCode reports whether any EngineError in the chain carries the given code.
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

// IsNotFound returns true if the error reports a missing record.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// ErrorCode returns the code of the outermost EngineError, or ErrCodeInternal.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return ErrCodeInternal
}

// ClassOf returns the class of the outermost EngineError. Unclassified
// errors are treated as permanent.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

// RetryWithBackoff calls fn until it succeeds, returns a non-retryable error,
// or attempts are exhausted. Waits use a fixed interval. Exhaustion is
// reported as a TIMEOUT error wrapping the last failure.
func RetryWithBackoff(ctx context.Context, interval time.Duration, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return NewTimeoutError(
		fmt.Sprintf("operation did not complete after %d attempts", attempts),
		lastErr,
	)
}
