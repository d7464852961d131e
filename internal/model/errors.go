package model

import (
	"errors"
	"fmt"
)

// ValidationError is returned for malformed requests.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError formats a ValidationError.
func NewValidationError(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// UnknownFieldError is returned when a field is not on the domain's allow-list.
type UnknownFieldError struct {
	Domain InsightType
	Field  string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown field %q for %s insight", e.Field, e.Domain)
}

// InvalidOperatorForTypeError is returned when an operator or math cannot apply to a field's type.
type InvalidOperatorForTypeError struct {
	Field    string
	Operator string
	Type     FieldType
}

func (e *InvalidOperatorForTypeError) Error() string {
	return fmt.Sprintf("operator %q is not valid for %s field %q", e.Operator, e.Type, e.Field)
}

// UnsupportedInsightTypeError is returned for an unknown insight domain tag.
type UnsupportedInsightTypeError struct {
	Type InsightType
}

func (e *UnsupportedInsightTypeError) Error() string {
	return fmt.Sprintf("unsupported insight type %q", e.Type)
}

// StoreExecutionError wraps a store adapter failure.
type StoreExecutionError struct {
	Domain  InsightType
	Builder string
	Err     error
}

func (e *StoreExecutionError) Error() string {
	return fmt.Sprintf("%s store (%s builder): %v", e.Domain, e.Builder, e.Err)
}

func (e *StoreExecutionError) Unwrap() error {
	return e.Err
}

// StoreTimeoutError is returned when an adapter misses the caller's deadline.
type StoreTimeoutError struct {
	Domain InsightType
	Err    error
}

func (e *StoreTimeoutError) Error() string {
	return fmt.Sprintf("%s store timed out: %v", e.Domain, e.Err)
}

func (e *StoreTimeoutError) Unwrap() error {
	return e.Err
}

// ReshapeInvariantError signals an internal inconsistency in store results.
type ReshapeInvariantError struct {
	Message string
}

func (e *ReshapeInvariantError) Error() string {
	return "reshape invariant violated: " + e.Message
}

// IsClientError reports whether err was caused by the request rather than the engine or a store.
func IsClientError(err error) bool {
	var (
		validationErr  *ValidationError
		unknownErr     *UnknownFieldError
		operatorErr    *InvalidOperatorForTypeError
		unsupportedErr *UnsupportedInsightTypeError
	)
	return errors.As(err, &validationErr) ||
		errors.As(err, &unknownErr) ||
		errors.As(err, &operatorErr) ||
		errors.As(err, &unsupportedErr)
}
