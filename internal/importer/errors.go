package importer

import (
	"errors"
	"fmt"
)

// ValidationError marks a row as permanently invalid. It is never retried:
// validation is deterministic, so retrying cannot change the outcome.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// PersistError wraps a store failure for one row. Transient failures
// (timeouts, lock conflicts) are retried by the scheduler; permanent ones
// are recorded immediately.
type PersistError struct {
	Transient bool
	Err       error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist: %v", e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

func NewTransientPersistError(err error) *PersistError {
	return &PersistError{Transient: true, Err: err}
}

func NewPermanentPersistError(err error) *PersistError {
	return &PersistError{Transient: false, Err: err}
}

// IsTransient reports whether err is a persist error worth retrying.
func IsTransient(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe) && pe.Transient
}

// FatalJobError aborts a whole job: the input cannot be decoded at all, or
// the target store stayed unreachable after backoff. Row outcomes already
// committed remain valid.
type FatalJobError struct {
	Err error
}

func (e *FatalJobError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalJobError) Unwrap() error { return e.Err }

func NewFatalJobError(err error) *FatalJobError {
	return &FatalJobError{Err: err}
}

func IsFatal(err error) bool {
	var fe *FatalJobError
	return errors.As(err, &fe)
}
