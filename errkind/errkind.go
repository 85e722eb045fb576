// Package errkind defines the PipelineKit error taxonomy: back-pressure,
// cancellation, contract violations, and shutdown. Sentinel base errors
// support errors.Is checks against a whole kind; the parameterised kinds
// wrap a sentinel via Unwrap so both the specific and the general check
// succeed.
package errkind

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel kinds. Use errors.Is(err, errkind.ErrBackPressure) to detect
// any back-pressure sub-kind regardless of its parameters.
var (
	// ErrBackPressure is the umbrella kind for queue-full, memory-pressure,
	// dropped-command, and acquire-timeout failures.
	ErrBackPressure = errors.New("pipelinekit: back pressure")

	// ErrCancelled indicates cooperative cancellation unwound the request.
	ErrCancelled = errors.New("pipelinekit: cancelled")

	// ErrNextCalledTwice indicates a middleware invoked its next
	// continuation more than once.
	ErrNextCalledTwice = errors.New("pipelinekit: next called twice")

	// ErrNextCalledConcurrently indicates two goroutines raced to invoke
	// the same next continuation; the losing caller receives this.
	ErrNextCalledConcurrently = errors.New("pipelinekit: next called concurrently")

	// ErrShutdown indicates the semaphore was shut down with the
	// operation still pending or attempted afterward.
	ErrShutdown = errors.New("pipelinekit: shutdown")

	// ErrHandlerRequired indicates a pipeline was built with a nil
	// terminal handler.
	ErrHandlerRequired = errors.New("pipelinekit: handler required")
)

// QueueFullError reports that the waiter queue rejected an acquire
// because it was at or beyond its configured limit.
type QueueFullError struct {
	Current int
	Limit   int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("pipelinekit: queue full (current=%d limit=%d)", e.Current, e.Limit)
}

func (e *QueueFullError) Unwrap() error { return ErrBackPressure }

// MemoryPressureError reports that admitting a waiter would exceed the
// configured queue memory ceiling.
type MemoryPressureError struct {
	Requested int64
	Queued    int64
	Limit     int64
}

func (e *MemoryPressureError) Error() string {
	return fmt.Sprintf("pipelinekit: memory pressure (requested=%d queued=%d limit=%d)", e.Requested, e.Queued, e.Limit)
}

func (e *MemoryPressureError) Unwrap() error { return ErrBackPressure }

// CommandDroppedError reports that a waiter was evicted or rejected by
// an overflow strategy before it could be resolved normally.
type CommandDroppedError struct {
	Reason string
}

func (e *CommandDroppedError) Error() string {
	return fmt.Sprintf("pipelinekit: command dropped (%s)", e.Reason)
}

func (e *CommandDroppedError) Unwrap() error { return ErrBackPressure }

// TimeoutError reports that an acquire did not resolve within its
// deadline (either a waiter_timeout cleanup sweep or acquireWithTimeout).
type TimeoutError struct {
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("pipelinekit: timed out after %s", e.Duration)
}

func (e *TimeoutError) Unwrap() error { return ErrBackPressure }

// HandlerError wraps a user-supplied handler or middleware error so it
// can be distinguished from pipeline-internal failures while still
// unwrapping to the original cause unmodified.
type HandlerError struct {
	Cause error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("pipelinekit: handler error: %s", e.Cause)
}

func (e *HandlerError) Unwrap() error { return e.Cause }

// IsBackPressure reports whether err is any back-pressure sub-kind.
func IsBackPressure(err error) bool { return errors.Is(err, ErrBackPressure) }
