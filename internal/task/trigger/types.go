package trigger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"

	"newsdigest/internal/task/job"
)

// Submitter accepts synthesized jobs. engine.Service and scheduler.Service
// both satisfy it.
type Submitter interface {
	Submit(ctx context.Context, spec job.Spec) (*job.Job, error)
}

// Definition is one recurring (or one-shot) job trigger.
type Definition struct {
	// Name identifies the trigger; adding a name again replaces it.
	Name     string
	Type     string
	Schedule string

	Priority   job.Priority
	MaxRetries int
	Timeout    time.Duration
	Payload    json.RawMessage

	// NoSpread disables the startup jitter applied to interval schedules.
	NoSpread bool
}

// Config controls the trigger service.
type Config struct {
	// Timezone is an IANA name; empty means the process local zone.
	Timezone string
	// Parser resolves cron expressions. Nil selects the standard parser with
	// an optional seconds field and descriptors.
	Parser cron.ScheduleParser
	// SubmitTimeout bounds each Submit call made by a firing.
	SubmitTimeout time.Duration
}

const defaultSubmitTimeout = 10 * time.Second

// Origin values written into synthesized jobs.
const (
	OriginKey      = "origin"
	OriginSchedule = "schedule"
	TriggerKey     = "trigger"
	FiredAtKey     = "fired_at"
)

// Info describes one registered trigger.
type Info struct {
	Name      string        `json:"name"`
	Type      string        `json:"type"`
	Schedule  string        `json:"schedule"`
	Kind      string        `json:"kind"`
	Once      bool          `json:"once,omitempty"`
	Next      time.Time     `json:"next,omitempty"`
	Prev      time.Time     `json:"prev,omitempty"`
	Spread    time.Duration `json:"spread,omitempty"`
	Fired     uint64        `json:"fired"`
	Failures  uint64        `json:"failures"`
	LastJobID string        `json:"last_job_id,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Snapshot is a point-in-time view of the trigger set.
type Snapshot struct {
	Running  bool   `json:"running"`
	Timezone string `json:"timezone"`
	Triggers []Info `json:"triggers"`
}
