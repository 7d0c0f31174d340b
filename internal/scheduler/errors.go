package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTask indicates the task ID is not tracked by the scheduler.
	ErrUnknownTask = errors.New("unknown task")
	// ErrDuplicateTask indicates a task with the same ID was already submitted.
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrTaskTerminal indicates the task already reached a terminal status.
	ErrTaskTerminal = errors.New("task is terminal")
	// ErrNotRunning indicates the scheduler loop has not been started.
	ErrNotRunning = errors.New("scheduler not running")
)

// ValidationError reports a task submission rejected before any state
// was created. No checkpoint exists for a task that failed validation.
type ValidationError struct {
	// Field is the offending field or payload key.
	Field string
	// Reason describes why the submission was rejected.
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
