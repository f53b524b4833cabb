package config

import (
	"errors"
	"fmt"
	"strings"

	"newsdigest/internal/task/job"
)

// Validate checks field syntax: durations, enums and schedule entries.
// Schedule expressions themselves are checked when the trigger set is built.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path is required when logging.file.enabled=true"))
	}

	sc := c.Scheduler
	if sc.MaxConcurrency < 0 {
		errs = append(errs, errors.New("scheduler.max_concurrency: must be >= 0"))
	}
	if sc.MaxRetries != nil && *sc.MaxRetries < 0 {
		errs = append(errs, errors.New("scheduler.max_retries: must be >= 0"))
	}
	if sc.HistorySize < 0 {
		errs = append(errs, errors.New("scheduler.history_size: must be >= 0"))
	}
	dur("scheduler.poll_interval", sc.PollInterval)
	dur("scheduler.default_timeout", sc.DefaultTimeout)
	dur("scheduler.stop_timeout", sc.StopTimeout)
	dur("scheduler.store_timeout", sc.StoreTimeout)

	dur("retry.initial_delay", c.Retry.InitialDelay)
	dur("retry.max_delay", c.Retry.MaxDelay)
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry.multiplier: must be >= 1"))
	}

	for typ, raw := range c.Timeouts {
		dur("timeouts."+typ, raw)
	}

	seen := make(map[string]int, len(c.Schedules))
	for i, s := range c.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		name := strings.TrimSpace(s.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", path))
		} else if j, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%s.name %q duplicates schedules[%d]", path, name, j))
		} else {
			seen[name] = i
		}
		if strings.TrimSpace(s.Type) == "" {
			errs = append(errs, fmt.Errorf("%s.type is required", path))
		}
		if strings.TrimSpace(s.Schedule) == "" {
			errs = append(errs, fmt.Errorf("%s.schedule is required", path))
		}
		if s.Priority != "" {
			if _, err := job.ParsePriority(s.Priority); err != nil {
				errs = append(errs, fmt.Errorf("%s.priority: %w", path, err))
			}
		}
		dur(path+".timeout", s.Timeout)
	}

	st := c.Storage
	switch strings.ToLower(strings.TrimSpace(st.Driver)) {
	case "", "memory", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(st.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path is required when storage.driver=%s", st.Driver))
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(st.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver: %s", st.Driver))
	}
	dur("storage.busy_timeout", st.BusyTimeout)

	dur("cleanup.retention", c.Cleanup.Retention)

	dur("debug.read_timeout", c.Debug.ReadTimeout)
	dur("debug.write_timeout", c.Debug.WriteTimeout)
	dur("debug.idle_timeout", c.Debug.IdleTimeout)

	return errors.Join(errs...)
}
