package job

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Spec describes a job to submit. Zero values are filled from Defaults.
type Spec struct {
	Type     string
	Name     string
	Priority Priority

	// MaxRetries 0 means "use the default"; a negative value disables retries.
	MaxRetries int
	Timeout    time.Duration

	// RunAt delays the first dispatch. Delay is relative to submission and is
	// ignored when RunAt is set.
	RunAt time.Time
	Delay time.Duration

	Payload  json.RawMessage
	Metadata map[string]any
}

// Defaults supplies values for fields a Spec leaves unset.
type Defaults struct {
	MaxRetries int
	Timeout    time.Duration
	// Timeouts overrides Timeout per job type.
	Timeouts map[string]time.Duration
}

// TimeoutFor returns the default timeout for a job type.
func (d Defaults) TimeoutFor(jobType string) time.Duration {
	if t, ok := d.Timeouts[jobType]; ok && t > 0 {
		return t
	}
	return d.Timeout
}

// ValidationError reports a Spec field that cannot be accepted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job spec: %s %s", e.Field, e.Reason)
}

// Validate checks the fields a submission must carry.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Type) == "" {
		return &ValidationError{Field: "type", Reason: "is required"}
	}
	if strings.ContainsAny(s.Type, " \t\r\n") {
		return &ValidationError{Field: "type", Reason: "must not contain whitespace"}
	}
	if strings.TrimSpace(s.Name) == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if s.Priority < 0 {
		return &ValidationError{Field: "priority", Reason: "must be >= 0"}
	}
	if s.Timeout < 0 {
		return &ValidationError{Field: "timeout", Reason: "must be >= 0"}
	}
	if s.Delay < 0 {
		return &ValidationError{Field: "delay", Reason: "must be >= 0"}
	}
	if len(s.Payload) > 0 && !json.Valid(s.Payload) {
		return &ValidationError{Field: "payload", Reason: "must be valid JSON"}
	}
	return nil
}

// New builds a Pending job from a validated spec.
func New(id string, s Spec, d Defaults, now time.Time) *Job {
	prio := s.Priority
	if prio == 0 {
		prio = PriorityNormal
	}
	maxRetries := s.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = d.MaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = d.TimeoutFor(s.Type)
	}
	at := now
	switch {
	case !s.RunAt.IsZero():
		at = s.RunAt
	case s.Delay > 0:
		at = now.Add(s.Delay)
	}

	j := &Job{
		ID:          id,
		Type:        strings.TrimSpace(s.Type),
		Name:        strings.TrimSpace(s.Name),
		Priority:    prio,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ScheduledAt: at,
		MaxRetries:  maxRetries,
		Timeout:     timeout,
	}
	if len(s.Payload) > 0 {
		j.Payload = append(json.RawMessage(nil), s.Payload...)
	}
	if len(s.Metadata) > 0 {
		j.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			j.Metadata[k] = v
		}
	}
	return j
}
