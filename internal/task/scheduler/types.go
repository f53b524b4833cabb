package scheduler

import (
	"time"

	"newsdigest/internal/task/engine"
	"newsdigest/internal/task/job"
	"newsdigest/internal/task/trigger"
)

const DefaultStopTimeout = 30 * time.Second

// Config groups the settings of the composed services.
type Config struct {
	Engine  engine.Config
	Trigger trigger.Config
	// StopTimeout bounds how long Stop waits for running jobs.
	StopTimeout time.Duration
	// Schedules are registered before the first Start.
	Schedules []trigger.Definition
}

// QueueStatus is a cheap view of dispatcher load.
type QueueStatus struct {
	QueueLength    int  `json:"queue_length"`
	Delayed        int  `json:"delayed"`
	InFlight       int  `json:"in_flight"`
	MaxConcurrency int  `json:"max_concurrency"`
	Running        bool `json:"running"`
}

// Statistics summarizes stored job outcomes over a timeframe.
type Statistics struct {
	Timeframe time.Duration      `json:"timeframe"`
	Since     time.Time          `json:"since,omitempty"`
	Counts    map[job.Status]int `json:"counts"`
	Total     int                `json:"total"`
	// SuccessRate is completed / (completed + failed) in percent; 0 when
	// nothing has finished.
	SuccessRate float64     `json:"success_rate"`
	Queue       QueueStatus `json:"queue"`
}

// Snapshot is the full diagnostic view served by the debug endpoint.
type Snapshot struct {
	Running   bool             `json:"running"`
	StartedAt time.Time        `json:"started_at,omitempty"`
	Handlers  []string         `json:"handlers"`
	Queue     QueueStatus      `json:"queue"`
	Engine    engine.Snapshot  `json:"engine"`
	Triggers  trigger.Snapshot `json:"triggers"`
}
