// Package errors defines the error taxonomy shared by the marketplace core.
//
// Four kinds of failure reach callers:
//   - ValidationError: malformed input, rejected before any transaction starts
//   - PreconditionError: a business rule blocked the operation (lead not open, slots full,
//     wrong actor, wrong order status); nothing was written and the call may be retried
//   - InsufficientCreditsError: a debit would take a balance below zero
//   - NotFoundError: the referenced record does not exist
//
// Sentinel errors identify the precise reason and work with Is:
//
//	if errors.Is(err, errors.ErrSlotsFull) { ... }
//
//	var ice *errors.InsufficientCreditsError
//	if errors.As(err, &ice) { log.Printf("need %d, have %d", ice.Required, ice.Available) }
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Re-export standard library functions so callers only import this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Lead claim sentinels
var (
	ErrLeadNotOpen          = New("lead is not open")
	ErrAlreadyClaimed       = New("lead already claimed by this freelancer")
	ErrSlotsFull            = New("no slots remaining")
	ErrExclusiveUnavailable = New("slots already claimed")
	ErrLeadExclusive        = New("lead is exclusively claimed")
	ErrNoFreelancerProfile  = New("caller has no freelancer profile")
)

// Order sentinels
var (
	ErrWrongActor        = New("caller is not allowed to act on this order")
	ErrInvalidTransition = New("order status does not allow this operation")
	ErrRevisionLimit     = New("revision limit reached")
)

// General sentinels
var (
	ErrInvalidInput        = New("invalid input")
	ErrNotFound            = New("not found")
	ErrInsufficientCredits = New("insufficient credits")
	ErrUnauthenticated     = New("unauthenticated")
	ErrPrecondition        = New("precondition failed")
)

// -----------------------------------------------------------------------------
// Typed Errors
// -----------------------------------------------------------------------------

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// PreconditionError reports a business rule that blocked an operation.
// Cause is one of the sentinels above.
type PreconditionError struct {
	Cause        error
	ResourceType string
	ResourceID   string
}

// NewPreconditionError wraps cause for the given resource.
func NewPreconditionError(cause error, resourceType, resourceID string) *PreconditionError {
	return &PreconditionError{Cause: cause, ResourceType: resourceType, ResourceID: resourceID}
}

func (e *PreconditionError) Error() string {
	if e.ResourceID == "" {
		return fmt.Sprintf("%s: %v", e.ResourceType, e.Cause)
	}
	return fmt.Sprintf("%s %s: %v", e.ResourceType, e.ResourceID, e.Cause)
}

func (e *PreconditionError) Unwrap() error {
	return e.Cause
}

func (e *PreconditionError) Is(target error) bool {
	return target == ErrPrecondition
}

// InsufficientCreditsError carries the required and available amounts.
type InsufficientCreditsError struct {
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// NotFoundError reports a missing record.
type NotFoundError struct {
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{ResourceType: resourceType, ResourceID: resourceID}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.ResourceType, e.ResourceID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

// IsRetryable reports whether a caller may retry the operation and expect a
// fresh re-validation. Business precondition failures and insufficient credits
// are retryable once state changes; validation and not-found errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrPrecondition) || Is(err, ErrInsufficientCredits) {
		return true
	}
	return false
}

// HTTPStatus maps an error to the status code the HTTP layer responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case Is(err, ErrWrongActor):
		return http.StatusForbidden
	case Is(err, ErrNotFound):
		return http.StatusNotFound
	case Is(err, ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case Is(err, ErrPrecondition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Wrap annotates err with message. It returns nil when err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
