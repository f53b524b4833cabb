package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"newsdigest/internal/eventbus"
	"newsdigest/internal/runtime/supervisor"
	"newsdigest/internal/storage"
	"newsdigest/internal/task/job"
	"newsdigest/internal/task/queue"
	"newsdigest/internal/task/registry"
	logx "newsdigest/pkg/logx"

	"github.com/google/uuid"
)

const warnThrottleEvery = 5 * time.Second

// Service is the dispatcher. It owns the priority queue and the in-flight
// set; nothing outside this package mutates them.
type Service struct {
	cfg   Config
	log   logx.Logger
	warn  logx.Logger
	bus   eventbus.Bus
	store storage.Store
	reg   *registry.Registry

	now   func() time.Time
	newID func() string

	// base is the parent of every handler context. Stop does not cancel it:
	// jobs still running after the stop bound finish in the background.
	base context.Context

	mu       sync.Mutex
	queue    *queue.Queue
	jobs     map[string]*entry // every non-terminal job owned by this process
	inflight map[string]*entry // subset of jobs that are Running
	sup      *supervisor.Supervisor
	running  bool

	wg sync.WaitGroup // execution goroutines

	hmu     sync.Mutex
	history []HistoryItem

	submitted, started, completed, failed, retried, cancelled, storeErrors atomic.Uint64
}

// New builds a dispatcher. A nil store is replaced with an in-memory one.
func New(cfg Config, reg *registry.Registry, st storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if st == nil {
		st = storage.NewMemory()
	}
	if reg == nil {
		reg = registry.New()
	}
	log = log.With(logx.String("comp", "engine"))
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		warn:     log.Limited(logx.Every(warnThrottleEvery, 3)),
		bus:      bus,
		store:    st,
		reg:      reg,
		now:      time.Now,
		newID:    uuid.NewString,
		base:     context.Background(),
		queue:    queue.New(),
		jobs:     make(map[string]*entry),
		inflight: make(map[string]*entry),
	}
}

func (s *Service) Config() Config { return s.cfg }

// Start launches the poll loop. It reports false if already running.
func (s *Service) Start(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return false
	}
	s.running = true
	s.sup = supervisor.New(context.Background(), supervisor.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	if s.cfg.RecoverOnStart {
		if n, err := s.recoverJobs(ctx); err != nil {
			s.log.Warn("job recovery failed", logx.Err(err))
		} else if n > 0 {
			s.log.Info("jobs recovered from store", logx.Int("count", n))
		}
	}

	sup.GoRestart("dispatcher.poll", s.loop, supervisor.WithPublishFirstError(true))
	s.log.Info("dispatcher started",
		logx.Int("max_concurrency", s.cfg.MaxConcurrency),
		logx.Duration("poll_interval", s.cfg.PollInterval),
	)
	return true
}

// Stop halts the poll loop and waits, bounded by ctx, for in-flight jobs.
// It returns ctx.Err() if jobs were still running when ctx ended; those
// jobs keep running in the background.
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
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("poll loop stop", logx.Err(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) loop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	s.poll()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.poll()
		}
	}
}

// Submit validates spec, persists the new job and enqueues it. Submission
// before Start is allowed; the job waits for the first poll.
func (s *Service) Submit(ctx context.Context, spec job.Spec) (*job.Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	now := s.now()
	j := job.New(s.newID(), spec, s.cfg.Defaults, now)

	wctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	err := s.store.Create(wctx, j)
	cancel()
	if err != nil {
		s.storeErrors.Add(1)
		return nil, fmt.Errorf("%w: %w: %w", ErrValidation, ErrPersist, err)
	}

	s.mu.Lock()
	e := &entry{job: j}
	s.jobs[j.ID] = e
	s.queue.Push(j, now)
	snap := j.Clone()
	s.mu.Unlock()

	s.submitted.Add(1)
	s.publish(EventSubmitted, eventFor(snap))
	s.log.Debug("job.submitted",
		logx.String("job_id", snap.ID),
		logx.String("type", snap.Type),
		logx.String("priority", snap.Priority.String()),
		logx.Time("scheduled_at", snap.ScheduledAt),
	)
	return snap, nil
}

// Cancel moves a Pending, Retrying or Running job to Cancelled. A Running
// handler keeps running unless CancelRunning is set; its outcome is
// discarded.
func (s *Service) Cancel(ctx context.Context, id string) (*job.Job, error) {
	now := s.now()
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, s.cancelUnowned(ctx, id)
	}
	if err := e.job.Cancel(now); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrAlreadyTerminal, err)
	}
	wasRunning := false
	if _, running := s.inflight[id]; running {
		wasRunning = true
		delete(s.inflight, id)
		if s.cfg.CancelRunning && e.cancel != nil {
			e.cancel()
		}
	} else {
		s.queue.Remove(id)
	}
	delete(s.jobs, id)
	flush := e.enqueueWrite(e.job.Update())
	snap := e.job.Clone()
	s.mu.Unlock()

	if flush {
		s.flush(e)
	}
	s.cancelled.Add(1)
	s.recordHistory(snap, 0)
	s.publish(EventCancelled, eventFor(snap))
	s.log.Info("job.cancelled", logx.String("job_id", id), logx.String("type", snap.Type), logx.Bool("was_running", wasRunning))
	return snap, nil
}

func (s *Service) cancelUnowned(ctx context.Context, id string) error {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	stored, err := s.store.Find(rctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	case err != nil:
		return fmt.Errorf("%w: %s: %w", ErrNotFound, id, err)
	case stored.Terminal():
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, stored.Status)
	default:
		// A non-terminal record this process does not own was left by an
		// earlier run; only recovery can pick it up.
		return fmt.Errorf("%w: %s is not owned by this dispatcher", ErrNotFound, id)
	}
}

// Get returns the in-memory job or, failing that, the stored record.
func (s *Service) Get(ctx context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	if e, ok := s.jobs[id]; ok {
		snap := e.job.Clone()
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	j, err := s.store.Find(rctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j, err
}

// InFlight lists the IDs of Running jobs.
func (s *Service) InFlight() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.inflight))
	for id := range s.inflight {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running:        s.running,
		QueueLength:    s.queue.Len(),
		Delayed:        s.queue.Delayed(),
		InFlight:       len(s.inflight),
		MaxConcurrency: s.cfg.MaxConcurrency,
		PollInterval:   s.cfg.PollInterval,
		Retry:          s.cfg.Retry,
	}
	if s.sup != nil {
		ss := s.sup.Snapshot()
		snap.Supervisor = &ss
	}
	s.mu.Unlock()

	snap.Counters = Counters{
		Submitted:   s.submitted.Load(),
		Started:     s.started.Load(),
		Completed:   s.completed.Load(),
		Failed:      s.failed.Load(),
		Retried:     s.retried.Load(),
		Cancelled:   s.cancelled.Load(),
		StoreErrors: s.storeErrors.Load(),
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) publish(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}

func (s *Service) recordHistory(j *job.Job, dur time.Duration) {
	item := HistoryItem{
		ID:         j.ID,
		Type:       j.Type,
		Name:       j.Name,
		Status:     j.Status,
		Attempts:   j.Attempts,
		RetryCount: j.RetryCount,
		Finished:   j.UpdatedAt,
		Duration:   dur,
		Error:      j.Error,
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

// recoverJobs re-adopts non-terminal jobs left in the store by a previous
// process. Running jobs fail as interrupted and retry per policy; Pending and
// Retrying jobs are re-enqueued with their stored ScheduledAt.
func (s *Service) recoverJobs(ctx context.Context) (int, error) {
	var found []*job.Job
	for _, st := range []job.Status{job.StatusRunning, job.StatusFailed, job.StatusRetrying, job.StatusPending} {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		js, err := s.store.ListByStatus(rctx, st, storage.Filter{})
		cancel()
		if err != nil {
			return 0, fmt.Errorf("list %s: %w", st, err)
		}
		found = append(found, js...)
	}
	sort.SliceStable(found, func(a, b int) bool { return found[a].CreatedAt.Before(found[b].CreatedAt) })

	now := s.now()
	var flushes []*entry
	n := 0
	s.mu.Lock()
	for _, j := range found {
		if _, dup := s.jobs[j.ID]; dup {
			continue
		}
		// A Failed record with retries left was cut off between its failure
		// and retry writes.
		if j.Status == job.StatusFailed && !(j.ErrorKind.Retryable() && j.CanRetry()) {
			continue
		}
		e := &entry{job: j}
		switch j.Status {
		case job.StatusRunning:
			_ = j.Reject(now, ErrInterrupted, job.KindInterrupted)
			if e.enqueueWrite(j.Update()) {
				flushes = append(flushes, e)
			}
			if !j.CanRetry() {
				s.failed.Add(1)
				continue
			}
			_ = j.Retry(now, s.cfg.Retry.Delay(j.RetryCount))
			e.enqueueWrite(j.Update())
			_ = j.Requeue(now)
			e.enqueueWrite(j.Update())
			s.retried.Add(1)
		case job.StatusFailed:
			_ = j.Retry(now, s.cfg.Retry.Delay(j.RetryCount))
			if e.enqueueWrite(j.Update()) {
				flushes = append(flushes, e)
			}
			_ = j.Requeue(now)
			e.enqueueWrite(j.Update())
			s.retried.Add(1)
		case job.StatusRetrying:
			_ = j.Requeue(now)
			if e.enqueueWrite(j.Update()) {
				flushes = append(flushes, e)
			}
		}
		s.jobs[j.ID] = e
		s.queue.Push(j, now)
		n++
	}
	s.mu.Unlock()

	for _, e := range flushes {
		s.flush(e)
	}
	return n, nil
}
