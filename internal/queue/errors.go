package queue

import (
	"errors"
	"fmt"
)

var (
	ErrStopped         = errors.New("queue stopped")
	ErrStopping        = errors.New("queue stopping")
	ErrQueueFull       = errors.New("queue full")
	ErrUnknownJob      = errors.New("no handler registered for job")
	ErrUnknownQueue    = errors.New("unknown queue")
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrPaused is reserved for dispatch-side reporting. Enqueue is accepted
	// while paused; only job starts are held back.
	ErrPaused = errors.New("queue paused")
)

// NoRetry marks an error as non-retryable so the queue fails the job
// immediately instead of burning the remaining attempts.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err carries the no-retry marker.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
