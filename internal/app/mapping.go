package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"newsdigest/internal/config"
	"newsdigest/internal/handlers"
	"newsdigest/internal/observability/debug"
	"newsdigest/internal/storage"
	"newsdigest/internal/task/engine"
	"newsdigest/internal/task/job"
	"newsdigest/internal/task/retry"
	"newsdigest/internal/task/scheduler"
	"newsdigest/internal/task/trigger"
	logx "newsdigest/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, nil
}

// OpenStore opens the job store selected by cfg.storage.
func OpenStore(ctx context.Context, cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(ctx, sc, log)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", sc.Driver, err)
	}
	return st, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	sc := cfg.Scheduler
	var errs []error
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := config.ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	maxRetries := engine.DefaultMaxRetries
	if sc.MaxRetries != nil {
		maxRetries = max(0, *sc.MaxRetries)
	}
	timeouts := make(map[string]time.Duration, len(cfg.Timeouts))
	for typ, raw := range cfg.Timeouts {
		if d := dur("timeouts."+typ, raw, 0); d > 0 {
			timeouts[strings.TrimSpace(typ)] = d
		}
	}

	ec := engine.Config{
		MaxConcurrency: sc.MaxConcurrency,
		PollInterval:   dur("scheduler.poll_interval", sc.PollInterval, engine.DefaultPollInterval),
		Defaults: job.Defaults{
			MaxRetries: maxRetries,
			Timeout:    dur("scheduler.default_timeout", sc.DefaultTimeout, engine.DefaultTimeout),
			Timeouts:   timeouts,
		},
		Retry: retry.Policy{
			InitialDelay: dur("retry.initial_delay", cfg.Retry.InitialDelay, retry.DefaultInitialDelay),
			Multiplier:   cfg.Retry.Multiplier,
			MaxDelay:     dur("retry.max_delay", cfg.Retry.MaxDelay, retry.DefaultMaxDelay),
		},
		StoreTimeout:   dur("scheduler.store_timeout", sc.StoreTimeout, engine.DefaultStoreTimeout),
		HistorySize:    sc.HistorySize,
		RecoverOnStart: sc.RecoverOnStart,
		CancelRunning:  sc.CancelRunning,
	}
	if err := errors.Join(errs...); err != nil {
		return engine.Config{}, err
	}
	return ec, nil
}

// mapSchedules converts enabled schedule entries to trigger definitions.
func mapSchedules(cfg *config.Config) ([]trigger.Definition, error) {
	var (
		defs []trigger.Definition
		errs []error
	)
	for i, s := range cfg.Schedules {
		if !s.IsEnabled() {
			continue
		}
		prio, err := job.ParsePriority(s.Priority)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d].priority: %w", i, err))
			continue
		}
		timeout, err := config.ParseDurationField(fmt.Sprintf("schedules[%d].timeout", i), s.Timeout)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, trigger.Definition{
			Name:       strings.TrimSpace(s.Name),
			Type:       strings.TrimSpace(s.Type),
			Schedule:   strings.TrimSpace(s.Schedule),
			Priority:   prio,
			MaxRetries: s.MaxRetries,
			Timeout:    timeout,
			Payload:    s.Payload,
			NoSpread:   s.NoSpread,
		})
	}
	return defs, errors.Join(errs...)
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	ec, err := mapEngineConfig(cfg)
	if err != nil {
		return scheduler.Config{}, err
	}
	defs, err := mapSchedules(cfg)
	if err != nil {
		return scheduler.Config{}, err
	}
	stop, err := config.ParseDurationOrDefault("scheduler.stop_timeout", cfg.Scheduler.StopTimeout, scheduler.DefaultStopTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Engine:      ec,
		Trigger:     trigger.Config{Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)},
		StopTimeout: stop,
		Schedules:   defs,
	}, nil
}

func mapRetention(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("cleanup.retention", cfg.Cleanup.Retention, handlers.DefaultRetention)
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	dc := cfg.Debug
	var errs []error
	dur := func(path, raw string) time.Duration {
		d, err := config.ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	out := debug.Config{
		Enabled:       dc.Enabled,
		Addr:          strings.TrimSpace(dc.Addr),
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
		ReadTimeout:   dur("debug.read_timeout", dc.ReadTimeout),
		WriteTimeout:  dur("debug.write_timeout", dc.WriteTimeout),
		IdleTimeout:   dur("debug.idle_timeout", dc.IdleTimeout),
	}
	return out, errors.Join(errs...)
}

// Validate checks everything New or a reload would apply, including
// schedule expressions and the timezone, without touching running services.
func Validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRetention(cfg); err != nil {
		return err
	}
	if tz := sc.Trigger.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	// An unstarted scheduler compiles every schedule with the cron parser.
	_, err = PreviewScheduler(cfg)
	return err
}

// PreviewScheduler builds an unstarted scheduler over a memory store with
// cfg's schedules and timezone. It is used to validate schedules and list
// upcoming firings.
func PreviewScheduler(cfg *config.Config) (*scheduler.Service, error) {
	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	return scheduler.New(sc, nil, storage.NewMemory(), logx.Nop(), nil)
}
