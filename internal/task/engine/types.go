package engine

import (
	"time"

	"newsdigest/internal/runtime/supervisor"
	"newsdigest/internal/task/job"
	"newsdigest/internal/task/retry"
)

const (
	DefaultMaxConcurrency = 10
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultTimeout        = 5 * time.Minute
	DefaultMaxRetries     = 3
	DefaultStoreTimeout   = 5 * time.Second
	DefaultHistorySize    = 200
)

// Config controls the dispatcher.
//
// The app layer maps config.scheduler, config.retry and config.timeouts into
// this struct.
type Config struct {
	// MaxConcurrency is a hard ceiling on Running jobs.
	MaxConcurrency int
	PollInterval   time.Duration

	// Defaults fill MaxRetries and Timeout for specs that leave them unset.
	Defaults job.Defaults
	Retry    retry.Policy

	// StoreTimeout bounds each store write.
	StoreTimeout time.Duration
	HistorySize  int

	// RecoverOnStart loads non-terminal jobs from the store on Start.
	RecoverOnStart bool
	// CancelRunning also cancels the handler context when a Running job is
	// cancelled. Off by default: cancellation only updates job state.
	CancelRunning bool
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Defaults.Timeout <= 0 {
		c.Defaults.Timeout = DefaultTimeout
	}
	if c.Defaults.MaxRetries < 0 {
		c.Defaults.MaxRetries = 0
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	c.Retry = c.Retry.WithDefaults()
	return c
}

// HistoryItem records a terminal outcome.
type HistoryItem struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Name       string        `json:"name"`
	Status     job.Status    `json:"status"`
	Attempts   int           `json:"attempts"`
	RetryCount int           `json:"retry_count"`
	Finished   time.Time     `json:"finished"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Event types published on the bus.
const (
	EventSubmitted = "job.submitted"
	EventStarted   = "job.started"
	EventCompleted = "job.completed"
	EventFailed    = "job.failed"
	EventRetrying  = "job.retrying"
	EventCancelled = "job.cancelled"
)

// JobEvent is the Data of every job.* bus event.
type JobEvent struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Name       string        `json:"name"`
	Status     job.Status    `json:"status"`
	Attempts   int           `json:"attempts"`
	RetryCount int           `json:"retry_count"`
	Delay      time.Duration `json:"delay,omitempty"`
	Error      string        `json:"error,omitempty"`
}

func eventFor(j *job.Job) JobEvent {
	return JobEvent{
		ID:         j.ID,
		Type:       j.Type,
		Name:       j.Name,
		Status:     j.Status,
		Attempts:   j.Attempts,
		RetryCount: j.RetryCount,
		Error:      j.Error,
	}
}

// Counters are totals since process start.
type Counters struct {
	Submitted   uint64 `json:"submitted"`
	Started     uint64 `json:"started"`
	Completed   uint64 `json:"completed"`
	Failed      uint64 `json:"failed"`
	Retried     uint64 `json:"retried"`
	Cancelled   uint64 `json:"cancelled"`
	StoreErrors uint64 `json:"store_errors"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running        bool          `json:"running"`
	QueueLength    int           `json:"queue_length"`
	Delayed        int           `json:"delayed"`
	InFlight       int           `json:"in_flight"`
	MaxConcurrency int           `json:"max_concurrency"`
	PollInterval   time.Duration `json:"poll_interval"`
	Retry          retry.Policy  `json:"retry"`

	Counters   Counters             `json:"counters"`
	History    []HistoryItem        `json:"history"`
	Supervisor *supervisor.Snapshot `json:"supervisor,omitempty"`
}
