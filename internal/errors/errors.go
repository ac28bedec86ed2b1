// Package errors holds the sentinel errors shared by the replay memory,
// the training loop and the worker transport.
//
// Callers wrap sentinels with Wrap/Wrapf and test them with Is, so the
// category helpers below keep working across package boundaries.
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Memory and window errors
	ErrMisaligned      = errors.New("memory columns misaligned")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrEmptyMemory     = errors.New("memory is empty")
	ErrVariantMismatch = errors.New("observation variant mismatch")
	ErrLayoutMismatch  = errors.New("window layout mismatch")
	ErrFrameMissing    = errors.New("frame blob missing")

	// Checkpoint errors
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")
	ErrNotFound          = errors.New("not found")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")
	ErrInvalidValue  = errors.New("invalid value")

	// Lifecycle errors
	ErrClosed = errors.New("closed")
	ErrDone   = errors.New("training complete")

	// Transport errors
	ErrConnectionFailed = errors.New("connection failed")
	ErrMessageTooLarge  = errors.New("message too large")
	ErrUnknownMessage   = errors.New("unknown message type")

	// Codec errors
	ErrCorruptRecord = errors.New("corrupt record")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidValue)
}

// IsFatal reports whether the training loop must stop on err.
// Misaligned columns or a corrupt checkpoint mean the memory can no
// longer be trusted.
func IsFatal(err error) bool {
	return errors.Is(err, ErrMisaligned) ||
		errors.Is(err, ErrCheckpointCorrupt) ||
		errors.Is(err, ErrLayoutMismatch)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewOutOfRange reports an item index outside [0, size).
func NewOutOfRange(item, size int) error {
	return fmt.Errorf("item %d not in [0, %d): %w", item, size, ErrIndexOutOfRange)
}

// NewMisaligned reports a column whose length differs from the index column.
func NewMisaligned(column string, got, want int) error {
	return fmt.Errorf("column %s has %d rows, index has %d: %w", column, got, want, ErrMisaligned)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidValue)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap exposes every collected error to errors.Is/As.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
