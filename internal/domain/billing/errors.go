package billing

import (
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid invoice state transition")
	ErrConsistency          = errors.New("consistency violation")
	ErrGenerationInProgress = errors.New("invoice generation already in progress for this patient")

	// ErrNothingToBill is an outcome, not a failure: the patient has no
	// billable activity and no invoice was created.
	ErrNothingToBill = errors.New("nothing to bill")
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }
func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

func transitionErr(from, to InvoiceStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
