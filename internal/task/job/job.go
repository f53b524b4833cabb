package job

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRetrying  Status = "retrying"
)

// AllStatuses lists every status in state-machine order.
var AllStatuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusRetrying}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusRetrying:
		return true
	}
	return false
}

// ErrorKind classifies why a job failed.
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindConfiguration ErrorKind = "configuration" // no handler registered for the job type
	KindExecution     ErrorKind = "execution"     // handler returned an error
	KindTimeout       ErrorKind = "timeout"       // handler did not settle before Timeout
	KindPanic         ErrorKind = "panic"         // handler panicked
	KindPermanent     ErrorKind = "permanent"     // handler marked the error non-retryable
	KindInterrupted   ErrorKind = "interrupted"   // process stopped while the job was running
)

// Retryable reports whether failures of this kind may be retried by policy.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindConfiguration, KindPermanent:
		return false
	}
	return true
}

// Job is the unit of scheduled work.
//
// Mutation goes through the state-machine methods in state.go. Callers outside
// the dispatcher should treat a *Job they receive as a read-only snapshot.
type Job struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Name     string   `json:"name"`
	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Attempts   int `json:"attempts"`
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	Timeout  time.Duration   `json:"timeout"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`

	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
}

// Terminal reports whether the job can no longer change state.
//
// Failed is terminal only once retries are exhausted or the failure kind is not
// retryable; the dispatcher decides that and never leaves a retryable job in
// Failed for longer than one transition.
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return !j.ErrorKind.Retryable() || j.RetryCount >= j.MaxRetries
	}
	return false
}

// Eligible reports whether the job may be dispatched at now.
func (j *Job) Eligible(now time.Time) bool {
	return j.Status == StatusPending && !j.ScheduledAt.After(now)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.Result != nil {
		cp.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.Metadata != nil {
		cp.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Update is the set of mutable fields mirrored to a store on every transition.
type Update struct {
	Status      Status
	UpdatedAt   time.Time
	ScheduledAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Attempts    int
	RetryCount  int
	Result      json.RawMessage
	Error       string
	ErrorKind   ErrorKind
}

// Update captures the job's current mutable fields.
func (j *Job) Update() Update {
	c := j.Clone()
	return Update{
		Status:      c.Status,
		UpdatedAt:   c.UpdatedAt,
		ScheduledAt: c.ScheduledAt,
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
		Attempts:    c.Attempts,
		RetryCount:  c.RetryCount,
		Result:      c.Result,
		Error:       c.Error,
		ErrorKind:   c.ErrorKind,
	}
}

// Apply copies u onto j. Stores use it to keep their records in sync.
func (j *Job) Apply(u Update) {
	j.Status = u.Status
	j.UpdatedAt = u.UpdatedAt
	j.ScheduledAt = u.ScheduledAt
	j.StartedAt = u.StartedAt
	j.CompletedAt = u.CompletedAt
	j.Attempts = u.Attempts
	j.RetryCount = u.RetryCount
	j.Result = u.Result
	j.Error = u.Error
	j.ErrorKind = u.ErrorKind
}
