package sagaflow

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these errors.
var (
	// ErrSagaNotFound indicates the requested saga does not exist.
	ErrSagaNotFound = errors.New("sagaflow: saga not found")

	// ErrConcurrencyConflict indicates an optimistic concurrency violation on save.
	ErrConcurrencyConflict = errors.New("sagaflow: concurrency conflict")

	// ErrNilState indicates a nil saga state was passed.
	ErrNilState = errors.New("sagaflow: nil saga state")

	// ErrEmptySagaID indicates an empty saga ID was provided.
	ErrEmptySagaID = errors.New("sagaflow: saga ID is required")

	// ErrInvalidMapping indicates an event mapping did not declare exactly
	// one of Send or Handler.
	ErrInvalidMapping = errors.New("sagaflow: event mapping requires exactly one of Send or Handler")

	// ErrCommandNotRegistered indicates a serialized command could not be
	// rehydrated because its type is unknown to the command registry.
	ErrCommandNotRegistered = errors.New("sagaflow: command type not registered")

	// ErrNoCommandRegistry indicates an operation required a command
	// registry but none was supplied.
	ErrNoCommandRegistry = errors.New("sagaflow: command registry is required")

	// ErrSagaTypeNotRegistered indicates no saga definition exists for the
	// requested saga type.
	ErrSagaTypeNotRegistered = errors.New("sagaflow: saga type not registered")

	// TCC configuration errors.

	// ErrTCCNoSteps indicates BeginTCC was called without any registered steps.
	ErrTCCNoSteps = errors.New("sagaflow: no TCC steps registered")

	// ErrTCCAlreadyStarted indicates BeginTCC was called twice.
	ErrTCCAlreadyStarted = errors.New("sagaflow: TCC already started")

	// ErrTCCStepExists indicates a TCC step with the same name already exists.
	ErrTCCStepExists = errors.New("sagaflow: TCC step already registered")

	// ErrTCCStepNotFound indicates the named TCC step does not exist.
	ErrTCCStepNotFound = errors.New("sagaflow: TCC step not found")

	// ErrTCCTimeoutRequired indicates a time-based TCC step was registered
	// without a timeout, so the reservation would never expire.
	ErrTCCTimeoutRequired = errors.New("sagaflow: time-based TCC step requires a timeout")

	// ErrWorkerRunning indicates the recovery worker is already running.
	ErrWorkerRunning = errors.New("sagaflow: recovery worker already running")
)

// SagaNotFoundError provides detailed information about a missing saga.
type SagaNotFoundError struct {
	SagaID        string
	CorrelationID string
	SagaType      string
}

// Error returns the error message.
func (e *SagaNotFoundError) Error() string {
	if e.SagaID != "" {
		return fmt.Sprintf("sagaflow: saga %q not found", e.SagaID)
	}
	return fmt.Sprintf("sagaflow: saga with correlation ID %q (type=%s) not found",
		e.CorrelationID, e.SagaType)
}

// Is reports whether this error matches the target error.
func (e *SagaNotFoundError) Is(target error) bool {
	return target == ErrSagaNotFound
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *SagaNotFoundError) Unwrap() error {
	return ErrSagaNotFound
}

// ConcurrencyError provides detailed information about a conflicting save.
type ConcurrencyError struct {
	SagaID          string
	ExpectedVersion int64
	ActualVersion   int64
}

// Error returns the error message.
func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("sagaflow: concurrency conflict on saga %q: expected version %d, actual version %d",
		e.SagaID, e.ExpectedVersion, e.ActualVersion)
}

// Is reports whether this error matches the target error.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *ConcurrencyError) Unwrap() error {
	return ErrConcurrencyConflict
}

// CommandNotRegisteredError identifies the command type that could not be
// rehydrated. Hitting this during compensation or recovery is a fatal
// configuration mistake, never silently skipped.
type CommandNotRegisteredError struct {
	CommandType string
}

// Error returns the error message.
func (e *CommandNotRegisteredError) Error() string {
	return fmt.Sprintf("sagaflow: command type %q not registered", e.CommandType)
}

// Is reports whether this error matches the target error.
func (e *CommandNotRegisteredError) Is(target error) bool {
	return target == ErrCommandNotRegistered
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *CommandNotRegisteredError) Unwrap() error {
	return ErrCommandNotRegistered
}

// TCCStepError provides detailed information about an invalid TCC step
// registration or transition.
type TCCStepError struct {
	SagaID   string
	StepName string
	Cause    error
}

// Error returns the error message.
func (e *TCCStepError) Error() string {
	return fmt.Sprintf("sagaflow: TCC step %q on saga %q: %v", e.StepName, e.SagaID, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *TCCStepError) Is(target error) bool {
	return errors.Is(e.Cause, target)
}

// Unwrap returns the underlying cause for errors.Unwrap().
func (e *TCCStepError) Unwrap() error {
	return e.Cause
}
