package dcb

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type (

	// EventStoreError represents a base error type for event store operations
	EventStoreError struct {
		Op  string // Operation that failed
		Err error  // The underlying error
	}

	// ValidationError represents an error in event, tag or query validation
	ValidationError struct {
		EventStoreError
		Field string // The field that failed validation
		Value string // The invalid value
	}

	// ConcurrencyError represents a violated consistency boundary: events
	// matching the append condition appeared since the writer last read
	ConcurrencyError struct {
		EventStoreError
	}

	// DuplicateEventError represents an append that contained an id which is
	// already present in the store
	DuplicateEventError struct {
		EventStoreError
		EventID uuid.UUID
	}

	// ResourceError represents an I/O or database error not classifiable as
	// one of the above
	ResourceError struct {
		EventStoreError
		Resource string // The resource that caused the error
	}
)

// Error implements the error interface
func (e EventStoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

// Unwrap returns the underlying error
func (e EventStoreError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Error Detection Helpers
// =============================================================================

// IsValidationError checks if the error is a ValidationError
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// IsConcurrencyError checks if the error is a ConcurrencyError
func IsConcurrencyError(err error) bool {
	var concurrencyErr *ConcurrencyError
	return errors.As(err, &concurrencyErr)
}

// IsDuplicateEventError checks if the error is a DuplicateEventError
func IsDuplicateEventError(err error) bool {
	var duplicateErr *DuplicateEventError
	return errors.As(err, &duplicateErr)
}

// IsResourceError checks if the error is a ResourceError
func IsResourceError(err error) bool {
	var resourceErr *ResourceError
	return errors.As(err, &resourceErr)
}

// =============================================================================
// Error Extraction Helpers
// =============================================================================

// AsValidationError extracts a ValidationError from the error chain
func AsValidationError(err error) (*ValidationError, bool) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr, true
	}
	return nil, false
}

// AsConcurrencyError extracts a ConcurrencyError from the error chain
func AsConcurrencyError(err error) (*ConcurrencyError, bool) {
	var concurrencyErr *ConcurrencyError
	if errors.As(err, &concurrencyErr) {
		return concurrencyErr, true
	}
	return nil, false
}

// AsDuplicateEventError extracts a DuplicateEventError from the error chain
func AsDuplicateEventError(err error) (*DuplicateEventError, bool) {
	var duplicateErr *DuplicateEventError
	if errors.As(err, &duplicateErr) {
		return duplicateErr, true
	}
	return nil, false
}

// AsResourceError extracts a ResourceError from the error chain
func AsResourceError(err error) (*ResourceError, bool) {
	var resourceErr *ResourceError
	if errors.As(err, &resourceErr) {
		return resourceErr, true
	}
	return nil, false
}
