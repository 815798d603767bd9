package shared

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks input rejected before any state change.
	ErrValidation = errors.New("validation failed")
	// ErrConflict marks a uniqueness violation on a business key.
	ErrConflict = errors.New("conflict")
	// ErrTransient marks failures the caller may retry (serialization, deadlock, lock timeout).
	ErrTransient = errors.New("transient storage failure")
	// ErrTemporarilyUnavailable is returned once retries of a transient failure are exhausted.
	ErrTemporarilyUnavailable = errors.New("temporarily unavailable")
	// ErrInsufficientStock indicates a sale that cannot be fully covered.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidTransition indicates a lifecycle transition whose preconditions are unmet.
	ErrInvalidTransition = errors.New("invalid transition")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

// Validation builds a ValidationError.
func Validation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Is reports ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ConflictError reports a duplicate business key.
type ConflictError struct {
	Entity string
	Key    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s %s already exists", e.Entity, e.Key)
}

// Is reports ErrConflict.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// TransientError wraps a retryable storage failure together with its SQLSTATE.
type TransientError struct {
	Code string
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient (%s): %v", e.Code, e.Err)
}

// Unwrap exposes the driver error.
func (e *TransientError) Unwrap() error { return e.Err }

// Is reports ErrTransient.
func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// InsufficientStockError carries the requested and available quantities.
type InsufficientStockError struct {
	ProductID int64
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

// Is reports ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// TransitionError lists every unmet precondition of a lifecycle action.
type TransitionError struct {
	Action  string
	Reasons []string
}

func (e *TransitionError) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("cannot %s", e.Action)
	}
	return fmt.Sprintf("cannot %s: %s", e.Action, strings.Join(e.Reasons, "; "))
}

// Is reports ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
