package bill

import (
	"errors"
	"strings"
)

// ErrValidation matches every *ValidationError via errors.Is.
var ErrValidation = errors.New("bill: validation failed")

// FieldError names one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ErrEmptyCart matches, via errors.Is, the error built by EmptyCart.
var ErrEmptyCart = errors.New("bill: empty cart")

// ValidationError reports user input that cannot be billed. It is never retried.
type ValidationError struct {
	Fields []FieldError

	kind error
}

// EmptyCart returns a new validation error for a cart with no positive
// quantity.
func EmptyCart() *ValidationError {
	return &ValidationError{
		Fields: []FieldError{{Field: "cart", Message: "at least one item with a positive quantity is required"}},
		kind:   ErrEmptyCart,
	}
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

// Is lets errors.Is(err, ErrValidation) match any validation error, and
// ErrEmptyCart match the one built by EmptyCart.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation || (e.kind != nil && target == e.kind)
}

// Add appends a field error.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// OrNil returns nil when no field errors were collected.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}
