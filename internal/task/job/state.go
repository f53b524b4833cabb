package job

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a state-machine method is called from
// a state that does not allow it.
var ErrInvalidTransition = errors.New("invalid job transition")

func (j *Job) invalid(to Status) error {
	return fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, j.Status, to, j.ID)
}

// Start moves Pending -> Running and counts the attempt.
func (j *Job) Start(now time.Time) error {
	if j.Status != StatusPending {
		return j.invalid(StatusRunning)
	}
	t := now
	j.Status = StatusRunning
	j.StartedAt = &t
	j.CompletedAt = nil
	j.Attempts++
	j.UpdatedAt = now
	return nil
}

// Complete moves Running -> Completed and stores the handler result.
func (j *Job) Complete(now time.Time, result []byte) error {
	if j.Status != StatusRunning {
		return j.invalid(StatusCompleted)
	}
	t := now
	j.Status = StatusCompleted
	j.CompletedAt = &t
	j.Result = result
	j.Error = ""
	j.ErrorKind = KindNone
	j.UpdatedAt = now
	return nil
}

// Fail moves Running -> Failed and records the failure.
func (j *Job) Fail(now time.Time, err error, kind ErrorKind) error {
	if j.Status != StatusRunning {
		return j.invalid(StatusFailed)
	}
	j.markFailed(now, err, kind)
	return nil
}

// Reject moves Pending -> Failed without ever running the job. It is used for
// configuration errors (no handler) and for interrupted runs found on restart.
func (j *Job) Reject(now time.Time, err error, kind ErrorKind) error {
	if j.Status != StatusPending && !(j.Status == StatusRunning && kind == KindInterrupted) {
		return j.invalid(StatusFailed)
	}
	j.markFailed(now, err, kind)
	return nil
}

func (j *Job) markFailed(now time.Time, err error, kind ErrorKind) {
	if kind == KindNone {
		kind = KindExecution
	}
	t := now
	j.Status = StatusFailed
	j.CompletedAt = &t
	j.Error = "unknown error"
	if err != nil {
		j.Error = err.Error()
	}
	j.ErrorKind = kind
	j.UpdatedAt = now
}

// CanRetry reports whether a Failed job still has retry budget.
func (j *Job) CanRetry() bool {
	return j.Status == StatusFailed && j.ErrorKind.Retryable() && j.RetryCount < j.MaxRetries
}

// Retry moves Failed -> Retrying, spends one retry and pushes ScheduledAt to
// now+delay. delay must be positive so the retry is strictly after the failure.
func (j *Job) Retry(now time.Time, delay time.Duration) error {
	if !j.CanRetry() {
		return j.invalid(StatusRetrying)
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	j.Status = StatusRetrying
	j.RetryCount++
	j.ScheduledAt = now.Add(delay)
	j.UpdatedAt = now
	return nil
}

// Requeue moves Retrying -> Pending so the job can be dispatched again once
// ScheduledAt has passed.
func (j *Job) Requeue(now time.Time) error {
	if j.Status != StatusRetrying {
		return j.invalid(StatusPending)
	}
	j.Status = StatusPending
	j.StartedAt = nil
	j.CompletedAt = nil
	j.UpdatedAt = now
	return nil
}

// Cancel moves Pending, Retrying or Running -> Cancelled.
func (j *Job) Cancel(now time.Time) error {
	switch j.Status {
	case StatusPending, StatusRetrying, StatusRunning:
	default:
		return j.invalid(StatusCancelled)
	}
	t := now
	j.Status = StatusCancelled
	j.CompletedAt = &t
	j.UpdatedAt = now
	return nil
}
