package engine

import "errors"

var (
	// ErrValidation rejects a submission before a job exists.
	ErrValidation = errors.New("job submission rejected")
	// ErrPersist marks a store failure surfaced to the caller. On Submit it is
	// returned together with ErrValidation.
	ErrPersist = errors.New("job store write failed")
	// ErrNotFound is returned for unknown job IDs.
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyTerminal is returned when cancelling a finished job.
	ErrAlreadyTerminal = errors.New("job already terminal")
	// ErrNoHandler is recorded on jobs whose type has no registered handler.
	ErrNoHandler = errors.New("no handler registered for job type")
	// ErrTimeout is recorded on jobs whose handler did not settle in time.
	ErrTimeout = errors.New("job timed out")
	// ErrInterrupted is recorded on jobs found running at startup.
	ErrInterrupted = errors.New("job interrupted by process restart")
)
