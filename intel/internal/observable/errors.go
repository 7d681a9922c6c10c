package observable

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a field value or type that cannot be accepted.
	ErrValidation = errors.New("observable validation failed")

	// ErrRange marks a numeric field outside its permitted bounds.
	ErrRange = errors.New("observable value out of range")
)

// FieldError reports which field failed validation.
type FieldError struct {
	Field string
	Value any
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q (%v): %v", e.Field, e.Value, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func outOfRange(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRange, fmt.Sprintf(format, args...))
}
