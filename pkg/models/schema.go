package models

import (
	"errors"
	"fmt"
)

// ErrMalformedEnvelope marks input that does not satisfy the envelope
// contract. Consumers drop such messages instead of dead-lettering them.
var ErrMalformedEnvelope = errors.New("malformed envelope")

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrMalformedEnvelope
}

func ValidateEnvelope(env Envelope) error {
	if env.Type == "" {
		return &ValidationError{
			Field:   "type",
			Message: "event type is required",
		}
	}

	if !env.HasData() {
		return &ValidationError{
			Field:   "data",
			Message: "event data is required",
		}
	}

	return nil
}
