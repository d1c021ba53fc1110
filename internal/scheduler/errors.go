package scheduler

import "errors"

var (
	// ErrTaskInFlight is returned when a task is triggered while a previous
	// invocation is still running
	ErrTaskInFlight = errors.New("task already in flight")

	// ErrCircuitOpen is returned when the task's circuit breaker rejects a call
	ErrCircuitOpen = errors.New("circuit open")

	// ErrTaskDisabled is returned when a scheduled trigger fires for a disabled task
	ErrTaskDisabled = errors.New("task disabled")

	// ErrDispatchPanic wraps a panic recovered from a dispatcher
	ErrDispatchPanic = errors.New("dispatch panicked")
)
