package common

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory groups errors by the subsystem that produced them
type ErrorCategory string

const (
	CategorySubmission ErrorCategory = "submission"
	CategoryNonce      ErrorCategory = "nonce"
)

// Common sentinel errors used across the harness
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrTimeout      = errors.New("operation timeout")
	ErrCanceled     = errors.New("operation canceled")
	ErrClosed       = errors.New("closed")

	ErrConnectionFailed = errors.New("connection failed")
	ErrConnectionLost   = errors.New("connection lost")
	ErrResourceBusy     = errors.New("resource busy")
)

// ValidationError represents a validation failure with field information
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface
func (e ValidationError) Error() string {
	if e.Field != "" && e.Value != nil {
		return fmt.Sprintf("validation error for field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
	}
	if e.Field != "" {
		return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// Unwrap lets errors.Is match ErrInvalidInput
func (e ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// MultiError collects several errors
type MultiError struct {
	Errors []error
}

// Error implements the error interface
func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d errors occurred: %s", len(e.Errors), strings.Join(msgs, "; "))
}

// Add adds an error to the multi-error
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// ErrorOrNil returns nil if no errors were added
func (e *MultiError) ErrorOrNil() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

// Unwrap exposes the collected errors to errors.Is and errors.As
func (e *MultiError) Unwrap() []error {
	return e.Errors
}

// OperationError represents an error during a specific operation
type OperationError struct {
	Op     string // Operation being performed
	Entity string // Entity being operated on
	Err    error  // Underlying error
}

// Error implements the error interface
func (e OperationError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Entity, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e OperationError) Unwrap() error {
	return e.Err
}

// WrapError wraps an error with operation context
func WrapError(op, entity string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		Op:     op,
		Entity: entity,
		Err:    err,
	}
}

// retryable is implemented by errors that know whether a retry can help
type retryable interface {
	Retryable() bool
}

// IsRetryable checks if an error is worth retrying by the caller
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}

	switch {
	case errors.Is(err, ErrTimeout):
		return true
	case errors.Is(err, ErrConnectionFailed):
		return true
	case errors.Is(err, ErrConnectionLost):
		return true
	case errors.Is(err, ErrResourceBusy):
		return true
	default:
		return false
	}
}

// CategorizedError tags an error with its category and retry policy
type CategorizedError struct {
	Category ErrorCategory
	Err      error
	CanRetry bool
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	return fmt.Sprintf("[%s] %v", e.Category, e.Err)
}

// Unwrap returns the wrapped error
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Retryable reports the retry policy chosen when the error was created
func (e *CategorizedError) Retryable() bool {
	return e.CanRetry
}

// Categorize wraps err with a category, nil stays nil
func Categorize(category ErrorCategory, err error, canRetry bool) error {
	if err == nil {
		return nil
	}
	return &CategorizedError{Category: category, Err: err, CanRetry: canRetry}
}
