package config

import "encoding/json"

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls the dispatcher and the trigger set.
	Scheduler SchedulerConfig `json:"scheduler"`
	Retry     RetryConfig     `json:"retry"`

	// Timeouts maps a job type to its default timeout (Go duration string).
	Timeouts map[string]string `json:"timeouts,omitempty"`

	Schedules []ScheduleConfig `json:"schedules,omitempty"`

	Storage StorageConfig `json:"storage"`
	Cleanup CleanupConfig `json:"cleanup"`
	Debug   DebugConfig   `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls job execution.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled and MaxRetries are pointers so an omitted field can be told apart
// from an explicit false or 0.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - max_concurrency: 10
//   - poll_interval: "500ms"
//   - default_timeout: "5m"
//   - max_retries: 3
//   - stop_timeout: "30s"
//   - store_timeout: "5s"
//   - history_size: 200
type SchedulerConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	MaxConcurrency int    `json:"max_concurrency,omitempty"`
	PollInterval   string `json:"poll_interval,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxRetries     *int   `json:"max_retries,omitempty"`
	StopTimeout    string `json:"stop_timeout,omitempty"`
	StoreTimeout   string `json:"store_timeout,omitempty"`

	// Timezone cron schedules are evaluated in. Empty means local time.
	Timezone    string `json:"timezone,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`

	// RecoverOnStart reloads Pending/Retrying jobs from storage and fails
	// jobs a previous process left Running.
	RecoverOnStart bool `json:"recover_on_start,omitempty"`
	// CancelRunning makes Cancel also cancel a running handler's context.
	CancelRunning bool `json:"cancel_running,omitempty"`
}

// RetryConfig is the exponential backoff applied between attempts.
type RetryConfig struct {
	InitialDelay string  `json:"initial_delay,omitempty"` // default "5s"
	Multiplier   float64 `json:"multiplier,omitempty"`    // default 2
	MaxDelay     string  `json:"max_delay,omitempty"`     // default "5m"
}

// ScheduleConfig is one recurring trigger.
//
// Example:
//
//	{ "name": "morning-digest", "type": "email_digest", "schedule": "0 7 * * *" }
type ScheduleConfig struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Schedule string `json:"schedule"`

	// Priority is low, normal, high or critical. Default normal.
	Priority   string          `json:"priority,omitempty"`
	MaxRetries int             `json:"max_retries,omitempty"`
	Timeout    string          `json:"timeout,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// Enabled defaults to true.
	Enabled  *bool `json:"enabled,omitempty"`
	NoSpread bool  `json:"no_spread,omitempty"`
}

// IsEnabled reports whether the schedule should be registered.
func (s ScheduleConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/jobs.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // memory | file | sqlite | postgres
	Path        string `json:"path,omitempty"`   // file directory or sqlite database
	DSN         string `json:"dsn,omitempty"`    // postgres connection string (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type CleanupConfig struct {
	// Retention is how long terminal job records are kept. Default "720h".
	Retention string `json:"retention,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (health, pprof and
// scheduler introspection).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// SchedulerEnabled reports whether the scheduler should run.
func (c *Config) SchedulerEnabled() bool {
	return c.Scheduler.Enabled == nil || *c.Scheduler.Enabled
}
