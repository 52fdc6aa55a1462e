package agent

import "errors"

var (
	// ErrPoolExhausted is returned when no worker with the requested
	// capability became available before the acquire timeout.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrWorkerTimeout marks a worker whose pulse went stale or whose task
	// exceeded its deadline.
	ErrWorkerTimeout = errors.New("worker timeout")

	// ErrWorkerFailure wraps an error reported by a worker's execution.
	ErrWorkerFailure = errors.New("worker failure")

	ErrWorkerNotFound = errors.New("worker not found")

	// ErrInvalidTransition is returned by a store write that would violate
	// the worker state machine or the record invariants.
	ErrInvalidTransition = errors.New("invalid worker state transition")

	// ErrTaskMismatch is returned when a worker-side transition names a task
	// the worker is not currently assigned to.
	ErrTaskMismatch = errors.New("worker is not assigned to task")
)
