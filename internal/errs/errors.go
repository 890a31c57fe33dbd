package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested resource is not found
	ErrNotFound = errors.New("resource not found")

	// ErrCancelled signals cooperative cancellation of a refresh. It is a
	// control-flow condition, not a failure: a job that unwinds with
	// ErrCancelled ends in the cancelled state, never failed.
	ErrCancelled = errors.New("refresh cancelled")

	// ErrAlreadyFinished is returned when cancelling a job that has already
	// reached a terminal state
	ErrAlreadyFinished = errors.New("job already in a terminal state")
)

// ConfigurationError represents a fatal startup configuration problem, such
// as missing remote API credentials. It is not recoverable at runtime.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Msg)
}

// NewConfigurationError creates a new ConfigurationError
func NewConfigurationError(field, msg string) error {
	return &ConfigurationError{Field: field, Msg: msg}
}

// RemoteAPIError represents a failed call against the remote hosting API.
// StatusCode is zero for pure transport failures.
type RemoteAPIError struct {
	StatusCode int
	Endpoint   string
	Reason     string
	Err        error
}

func (e *RemoteAPIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("remote api call %s failed: %s", e.Endpoint, e.Reason)
	}
	return fmt.Sprintf("remote api call %s failed with status %d: %s", e.Endpoint, e.StatusCode, e.Reason)
}

func (e *RemoteAPIError) Unwrap() error {
	return e.Err
}

// NewRemoteAPIError creates a new RemoteAPIError
func NewRemoteAPIError(statusCode int, endpoint, reason string, err error) error {
	return &RemoteAPIError{
		StatusCode: statusCode,
		Endpoint:   endpoint,
		Reason:     reason,
		Err:        err,
	}
}

// ValidationError represents malformed input parameters. Requests carrying
// one are rejected before any work starts.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

// StoreError represents a local store operation failure
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store operation %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError
func NewStoreError(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// Is checks if the target error matches any of our custom errors
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
