package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"newsdigest/internal/config"
	"newsdigest/internal/eventbus"
	"newsdigest/internal/handlers"
	"newsdigest/internal/observability/debug"
	"newsdigest/internal/runtime/supervisor"
	"newsdigest/internal/storage"
	"newsdigest/internal/task/registry"
	"newsdigest/internal/task/scheduler"
	logx "newsdigest/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched *scheduler.Service
	debug *debug.Service

	schedEnabled bool
}

type options struct {
	register []func(reg *registry.Registry) error
	store    storage.Store
}

type Option func(*options)

// WithHandlers registers extra job handlers (the news pipeline types) before
// the registry is sealed.
func WithHandlers(fn func(reg *registry.Registry) error) Option {
	return func(o *options) { o.register = append(o.register, fn) }
}

// WithStore uses st instead of opening the configured storage driver.
func WithStore(st storage.Store) Option {
	return func(o *options) { o.store = st }
}

// New loads the config at cfgPath and wires logging, storage, handlers,
// the scheduler and the debug server. Nothing runs until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	store := o.store
	if store == nil {
		if store, err = OpenStore(ctx, cfg, log); err != nil {
			return nil, err
		}
		appLog.Info("storage opened", logx.String("driver", cfg.Storage.Driver))
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	bus := eventbus.New()
	reg := registry.New()
	sched, err := scheduler.New(schedCfg, reg, store, log, bus)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	retention, err := mapRetention(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := handlers.Register(reg, handlers.Deps{
		Store:     store,
		Queue:     sched,
		Retention: retention,
		Log:       log,
	}); err != nil {
		_ = store.Close()
		return nil, err
	}
	for _, fn := range o.register {
		if err := fn(reg); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("register handlers: %w", err)
		}
	}

	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &App{
		cfgm:         cfgm,
		log:          appLog,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		sched:        sched,
		debug:        debug.New(dcfg, sched, log),
		schedEnabled: cfg.SchedulerEnabled(),
	}, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return Validate(cfg)
	})

	if a.schedEnabled {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Warn("scheduler disabled; submitted jobs will not run")
	}
	if a.debug.Enabled() {
		a.debug.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(128, "job.")
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				newCfg = latest(sub, newCfg)
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// latest drains queued configs and returns the newest.
func latest(sub <-chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cfg
			}
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

// applyConfig applies the parts of a reloaded config that can change live:
// logging, the debug server, the trigger set and its timezone.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLoggingConfig(next))

	if config.DebugChanged(prev, next) {
		if dcfg, err := mapDebugConfig(next); err != nil {
			a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
		} else {
			a.debug.Reconfigure(ctx, dcfg)
		}
	}

	if config.SchedulesChanged(prev, next) {
		defs, err := mapSchedules(next)
		if err == nil {
			err = a.sched.ReloadSchedules(defs)
		}
		if err != nil {
			a.log.Warn("schedules not reloaded; keeping previous", logx.Err(err))
		} else {
			a.log.Info("schedules reloaded", logx.Int("count", len(defs)))
		}
	}

	if prev == nil || strings.TrimSpace(prev.Scheduler.Timezone) != strings.TrimSpace(next.Scheduler.Timezone) {
		a.sched.SetTimezone(strings.TrimSpace(next.Scheduler.Timezone))
	}

	if len(restart) > 0 {
		a.log.Warn("config changes require restart to take effect", logx.Any("sections", restart))
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	a.sup.Cancel()

	// The scheduler bounds its own wait with scheduler.stop_timeout.
	a.step(ctx, "scheduler", 0, func(c context.Context) error { return a.sched.Stop(c) })
	a.step(ctx, "debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "storage", 2*time.Second, func(c context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by limit (0 means only ctx) so one
// component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx := ctx
	if limit > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Err(err),
				logx.Duration("took", time.Since(start)),
			)
		}()
	}
}
