// Package errors provides the structured error types shared by the dbpool
// packages.
//
// This package provides:
//   - Sentinel errors for every failure class the pool can report
//   - Error codes for categorizing errors in logs and diagnostics
//   - Error wrapping that keeps the original cause matchable
//   - Marking of errors that mean a database session is unusable
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Error codes for categorizing errors.
const (
	CodeInternal        = 1000 // Internal error
	CodeInvalidInput    = 1001 // Invalid argument
	CodeConfiguration   = 1002 // Invalid pool or database configuration
	CodeConnection      = 1003 // Connection could not be created
	CodeFatalConnection = 1004 // Connection broke while in use
	CodeClosed          = 1005 // Pool is closed
	CodeState           = 1006 // Operation not valid in the task's current state
	CodeUnavailable     = 1007 // Backend refused by circuit breaker
	CodeTimeout         = 1008 // Operation canceled or timed out
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConfiguration indicates a configuration error.
	ErrConfiguration = errors.New("configuration error")

	// ErrConnectionCreation indicates the connection factory failed.
	ErrConnectionCreation = errors.New("connection creation failed")

	// ErrFatalConnection indicates a connection is broken and must not be reused.
	ErrFatalConnection = errors.New("fatal connection error")

	// ErrInvalidState indicates an invalid state transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrInternal indicates an internal error.
	ErrInternal = errors.New("internal error")

	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Pool errors
var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("pool: pool is closed")

	// ErrNotHeld is returned when a task releases a connection it does not hold.
	ErrNotHeld = fmt.Errorf("pool: task holds no connection: %w", ErrInvalidState)

	// ErrTaskBusy is returned when a task identity that is already waiting for,
	// or constructing, a connection calls Acquire again.
	ErrTaskBusy = fmt.Errorf("pool: task is already waiting: %w", ErrInvalidState)
)

// Error is a structured error with a code and message.
type Error struct {
	// Code is the error code for categorization
	Code int `json:"code"`
	// Message is a short description of the failure
	Message string `json:"message"`
	// Err is the underlying error
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new structured error with the given code and message.
func New(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(code int, message string, err error) *Error {
	if err != nil {
		log.WithField("code", code).WithError(err).Debug("wrapping error")
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// FromSentinel creates a structured error from a sentinel error.
// It assigns an error code based on the error type.
func FromSentinel(err error) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:    CodeOf(err),
		Message: err.Error(),
		Err:     err,
	}
}

// CodeOf maps an error to its error code.
func CodeOf(err error) int {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	switch {
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	case errors.Is(err, ErrFatalConnection):
		return CodeFatalConnection
	case errors.Is(err, ErrCircuitOpen):
		return CodeUnavailable
	case errors.Is(err, ErrConnectionCreation):
		return CodeConnection
	case errors.Is(err, ErrPoolClosed):
		return CodeClosed
	case errors.Is(err, ErrInvalidState):
		return CodeState
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// Configuration returns a configuration error with the given detail.
func Configuration(format string, args ...any) *Error {
	return &Error{
		Code:    CodeConfiguration,
		Message: fmt.Sprintf(format, args...),
		Err:     ErrConfiguration,
	}
}

// CreationFailed wraps a connection factory failure. Both ErrConnectionCreation
// and the original cause stay matchable with errors.Is.
func CreationFailed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConnectionCreation) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnectionCreation, err)
}

// MarkFatal marks err as a fatal connection error. A pool that sees a marked
// error returned from a hold discards the connection instead of reusing it.
func MarkFatal(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrFatalConnection) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFatalConnection, err)
}

// IsFatal returns true if the error was marked with MarkFatal.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatalConnection)
}

// IsConfiguration returns true if the error indicates invalid configuration.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsCreation returns true if the error came from a failed connection factory.
func IsCreation(err error) bool {
	return errors.Is(err, ErrConnectionCreation)
}

// IsClosed returns true if the error indicates the pool is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrPoolClosed)
}

// IsInvalidState returns true if the error indicates an invalid state.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// Join combines multiple errors into a single error.
// Returns nil if all errors are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target,
// and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}
