package task

import (
	"errors"
	"fmt"
)

// Error taxonomy. Validation errors (ErrInvalidArgument, ErrInvalidCommand)
// are rejected before any repository call; ErrStorage wraps repository faults
// with operation context and is never retried here.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidCommand  = errors.New("invalid command")
	ErrConflict        = errors.New("conflict")
	ErrStorage         = errors.New("storage error")
)

// NotFoundf wraps ErrNotFound with context.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// InvalidArgumentf wraps ErrInvalidArgument with context.
func InvalidArgumentf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// InvalidCommandf wraps ErrInvalidCommand, carrying the offending raw input.
func InvalidCommandf(raw, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %q", ErrInvalidCommand, fmt.Sprintf(format, args...), raw)
}

// StorageErrorf wraps a repository fault with the failing operation and key.
func StorageErrorf(op, taskID string, err error) error {
	if taskID == "" {
		return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
	}
	return fmt.Errorf("%w: %s (task %s): %w", ErrStorage, op, taskID, err)
}
