package txn

import (
	"errors"
	"fmt"

	"github.com/CaliberVB/txpipeline/chain"
)

// Validation errors. They are always wrapped in *ValidationError and never retried.
var (
	ErrInvalidAddress  = errors.New("invalid address")
	ErrNegativeValue   = errors.New("value must not be negative")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrMissingIdentity = errors.New("no signing identity for address")
)

// ValidationError reports a malformed intent or argument.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Category marks validation failures for the retry engine.
func (e *ValidationError) Category() chain.Category { return chain.CategoryValidation }

func invalid(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}
