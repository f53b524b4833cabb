package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"newsdigest/internal/eventbus"
	"newsdigest/internal/storage"
	"newsdigest/internal/task/engine"
	"newsdigest/internal/task/job"
	"newsdigest/internal/task/registry"
	"newsdigest/internal/task/trigger"
	logx "newsdigest/pkg/logx"
)

// Service is the scheduler facade.
type Service struct {
	cfg   Config
	log   logx.Logger
	reg   *registry.Registry
	store storage.Store

	engine   *engine.Service
	triggers *trigger.Service

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	now       func() time.Time
}

// New builds the facade and the services it composes. Handlers may be
// registered on reg until Start.
func New(cfg Config, reg *registry.Registry, st storage.Store, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if reg == nil {
		reg = registry.New()
	}
	if st == nil {
		st = storage.NewMemory()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	eng := engine.New(cfg.Engine, reg, st, log, bus)
	trg := trigger.New(cfg.Trigger, eng, log)

	var errs []error
	for _, d := range cfg.Schedules {
		if err := trg.Add(d); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return &Service{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "scheduler")),
		reg:      reg,
		store:    st,
		engine:   eng,
		triggers: trg,
		now:      time.Now,
	}, nil
}

// Start seals the registry, arms triggers and starts dispatch. A second call
// while running only logs a warning.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.log.Warn("scheduler already running")
		return nil
	}

	s.reg.Seal()
	s.triggers.Start(ctx)
	s.engine.Start(ctx)
	s.running = true
	s.startedAt = s.now()

	s.log.Info("scheduler started",
		logx.Any("handlers", s.reg.Types()),
		logx.Int("triggers", len(s.triggers.Snapshot().Triggers)),
		logx.Int("max_concurrency", s.engine.Config().MaxConcurrency),
	)
	return nil
}

// Stop halts triggers, then waits up to StopTimeout (or ctx) for running jobs.
// Jobs still running after that keep running in the background and are
// logged as outstanding.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()
	start := s.now()

	sctx, cancel := context.WithTimeout(ctx, s.cfg.StopTimeout)
	defer cancel()

	if err := s.triggers.Stop(sctx); err != nil {
		s.log.Warn("trigger stop", logx.Err(err))
	}
	if err := s.engine.Stop(sctx); err != nil {
		outstanding := s.engine.InFlight()
		s.log.Warn("jobs still running after stop timeout",
			logx.Duration("timeout", s.cfg.StopTimeout),
			logx.Int("count", len(outstanding)),
			logx.Any("job_ids", outstanding),
		)
	}
	s.log.Info("scheduler stopped", logx.Duration("took", s.now().Sub(start)))
	return nil
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Submit validates and enqueues a job.
func (s *Service) Submit(ctx context.Context, spec job.Spec) (*job.Job, error) {
	return s.engine.Submit(ctx, spec)
}

// Cancel moves a non-terminal job to Cancelled.
func (s *Service) Cancel(ctx context.Context, id string) (*job.Job, error) {
	return s.engine.Cancel(ctx, id)
}

// GetStatus returns the current state of a job. Unknown IDs return an error
// matching engine.ErrNotFound.
func (s *Service) GetStatus(ctx context.Context, id string) (*job.Job, error) {
	return s.engine.Get(ctx, id)
}

// AddSchedule registers or replaces one trigger.
func (s *Service) AddSchedule(d trigger.Definition) error {
	return s.triggers.Add(d)
}

// RemoveSchedule unregisters the trigger called name.
func (s *Service) RemoveSchedule(name string) bool {
	return s.triggers.Remove(name)
}

// ReloadSchedules replaces the recurring trigger set. On error the current
// set is kept.
func (s *Service) ReloadSchedules(defs []trigger.Definition) error {
	return s.triggers.Replace(defs)
}

// SetTimezone changes the zone cron schedules are evaluated in.
func (s *Service) SetTimezone(tz string) {
	s.triggers.SetTimezone(tz)
}

// Preview lists the next n firing times for a schedule expression.
func (s *Service) Preview(schedule string, n int) ([]time.Time, error) {
	return s.triggers.Preview(schedule, n)
}

func (s *Service) QueueStatus() QueueStatus {
	es := s.engine.Snapshot()
	return QueueStatus{
		QueueLength:    es.QueueLength,
		Delayed:        es.Delayed,
		InFlight:       es.InFlight,
		MaxConcurrency: es.MaxConcurrency,
		Running:        s.Running(),
	}
}

// Statistics counts stored jobs by status, limited to jobs created within
// timeframe. A zero timeframe covers all stored jobs.
func (s *Service) Statistics(ctx context.Context, timeframe time.Duration) (Statistics, error) {
	st := Statistics{Timeframe: timeframe}
	if timeframe > 0 {
		st.Since = s.now().Add(-timeframe)
	}
	counts, err := s.store.CountByStatus(ctx, st.Since)
	if err != nil {
		return Statistics{}, fmt.Errorf("count jobs: %w", err)
	}
	st.Counts = make(map[job.Status]int, len(job.AllStatuses))
	for _, status := range job.AllStatuses {
		st.Counts[status] = counts[status]
		st.Total += counts[status]
	}
	if done := st.Counts[job.StatusCompleted] + st.Counts[job.StatusFailed]; done > 0 {
		st.SuccessRate = float64(st.Counts[job.StatusCompleted]) * 100 / float64(done)
	}
	st.Queue = s.QueueStatus()
	return st, nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running, startedAt := s.running, s.startedAt
	s.mu.Unlock()
	return Snapshot{
		Running:   running,
		StartedAt: startedAt,
		Handlers:  s.reg.Types(),
		Queue:     s.QueueStatus(),
		Engine:    s.engine.Snapshot(),
		Triggers:  s.triggers.Snapshot(),
	}
}

// ParseTimeframe accepts "", "all", "hour", "day", "week", "month", a day
// count such as "7d", or a Go duration.
func ParseTimeframe(v string) (time.Duration, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case "", "all":
		return 0, nil
	case "hour":
		return time.Hour, nil
	case "day":
		return 24 * time.Hour, nil
	case "week":
		return 7 * 24 * time.Hour, nil
	case "month":
		return 30 * 24 * time.Hour, nil
	}
	if n, ok := strings.CutSuffix(v, "d"); ok {
		days, err := strconv.Atoi(n)
		if err == nil && days > 0 {
			return time.Duration(days) * 24 * time.Hour, nil
		}
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid timeframe %q", v)
	}
	return d, nil
}
