package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"newsdigest/internal/task/job"
	logx "newsdigest/pkg/logx"
)

// StandardParser accepts 5-field and 6-field (leading seconds) expressions
// plus descriptors such as "@daily".
var StandardParser cron.ScheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type trigger struct {
	Definition
	parsed Parsed
	sched  cron.Schedule // KindCron only
	once   time.Time     // one-shot firing time; zero for recurring triggers

	entryID cron.EntryID
	timer   *time.Timer
	spread  time.Duration

	fired, failures uint64
	lastJobID       string
	lastErr         string
}

// Service owns the trigger set. Definitions survive Stop and are re-armed on
// the next Start.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	sub    Submitter
	parser cron.ScheduleParser
	now    func() time.Time

	loc    *time.Location
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	defs   []*trigger

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

func New(cfg Config, sub Submitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	parser := cfg.Parser
	if parser == nil {
		parser = StandardParser
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaultSubmitTimeout
	}
	return &Service{
		cfg:         cfg,
		log:         log.With(logx.String("comp", "trigger")),
		sub:         sub,
		parser:      parser,
		now:         time.Now,
		lastEnqWarn: map[string]time.Time{},
	}
}

// Add registers d, replacing any trigger with the same name. When the
// service is running the trigger is armed immediately.
func (s *Service) Add(d Definition) error {
	t, err := s.compile(d)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(t.Name)
	s.defs = append(s.defs, t)
	if s.c != nil {
		s.armLocked(t)
	}
	return nil
}

// AddOnce registers d to fire once at at. A time in the past fires as soon as
// the service is running. d.Schedule is ignored.
func (s *Service) AddOnce(d Definition, at time.Time) error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("trigger name required")
	}
	if strings.TrimSpace(d.Type) == "" {
		return fmt.Errorf("trigger %q: job type required", d.Name)
	}
	if at.IsZero() {
		return fmt.Errorf("trigger %q: time required", d.Name)
	}
	d.Schedule = "once " + at.Format(time.RFC3339)
	t := &trigger{Definition: d, once: at}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(d.Name)
	s.defs = append(s.defs, t)
	if s.c != nil {
		s.armLocked(t)
	}
	return nil
}

// Remove unregisters the trigger called name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("trigger removed", logx.String("name", name))
	}
	return removed
}

// Replace swaps the recurring trigger set for defs. Every definition is
// validated first; on error nothing changes. One-shot triggers are kept.
func (s *Service) Replace(defs []Definition) error {
	compiled := make([]*trigger, 0, len(defs))
	seen := make(map[string]bool, len(defs))
	var errs []error
	for _, d := range defs {
		t, err := s.compile(d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[t.Name] {
			errs = append(errs, fmt.Errorf("trigger %q defined twice", t.Name))
			continue
		}
		seen[t.Name] = true
		compiled = append(compiled, t)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []string
	for _, t := range s.defs {
		if t.once.IsZero() && !seen[t.Name] {
			stale = append(stale, t.Name)
		}
	}
	for _, name := range stale {
		s.removeLocked(name)
	}
	for _, t := range compiled {
		if old := s.findLocked(t.Name); old != nil {
			t.fired, t.failures = old.fired, old.failures
			t.lastJobID, t.lastErr = old.lastJobID, old.lastErr
		}
		s.removeLocked(t.Name)
		s.defs = append(s.defs, t)
		if s.c != nil {
			s.armLocked(t)
		}
	}
	s.log.Info("triggers replaced", logx.Int("count", len(compiled)), logx.Int("removed", len(stale)))
	return nil
}

// Start arms every trigger. It reports false if already running.
func (s *Service) Start(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return false
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startLocked()
	s.log.Info("trigger service started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.defs)))
	return true
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	for _, t := range s.defs {
		s.armLocked(t)
	}
	s.c.Start()
}

// Stop disarms every trigger and waits, bounded by ctx, for firings already
// in progress. Definitions are kept.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	s.c = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.disarmLocked()
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("trigger service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// SetTimezone changes the zone used for cron expressions. A running service
// re-arms its triggers in the new zone.
func (s *Service) SetTimezone(tz string) {
	s.mu.Lock()
	old := strings.TrimSpace(s.cfg.Timezone)
	s.cfg.Timezone = tz
	c := s.c
	if c == nil || old == strings.TrimSpace(tz) {
		s.mu.Unlock()
		return
	}
	s.c = nil
	s.disarmLocked()
	s.mu.Unlock()

	// Firings take s.mu; wait for them without holding it.
	<-c.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	s.startLocked()
	s.log.Info("trigger service restarted", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.defs)))
}

func (s *Service) disarmLocked() {
	for _, t := range s.defs {
		t.entryID = 0
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
	}
}

// Preview returns the next n firing times of schedule from now.
func (s *Service) Preview(schedule string, n int) ([]time.Time, error) {
	p, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	s.mu.Unlock()

	var sched cron.Schedule
	if p.Kind == KindInterval {
		sched = cron.Every(p.Every)
	} else if sched, err = s.parser.Parse(p.Cron); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", p.Cron, err)
	}
	out := make([]time.Time, 0, n)
	t := s.now().In(loc)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	snap := Snapshot{Running: s.c != nil, Timezone: loc.String(), Triggers: make([]Info, 0, len(s.defs))}
	for _, t := range s.defs {
		it := Info{
			Name:      t.Name,
			Type:      t.Type,
			Schedule:  t.Schedule,
			Kind:      t.parsed.Kind.String(),
			Spread:    t.spread,
			Fired:     t.fired,
			Failures:  t.failures,
			LastJobID: t.lastJobID,
			LastError: t.lastErr,
		}
		if !t.once.IsZero() {
			it.Kind, it.Once, it.Next = "once", true, t.once
		} else if s.c != nil && t.entryID != 0 {
			e := s.c.Entry(t.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Triggers = append(snap.Triggers, it)
	}
	return snap
}

func (s *Service) compile(d Definition) (*trigger, error) {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return nil, errors.New("trigger name required")
	}
	if strings.TrimSpace(d.Type) == "" {
		return nil, fmt.Errorf("trigger %q: job type required", d.Name)
	}
	if len(d.Payload) > 0 && !json.Valid(d.Payload) {
		return nil, fmt.Errorf("trigger %q: payload must be valid JSON", d.Name)
	}
	p, err := ParseSchedule(d.Schedule)
	if err != nil {
		return nil, fmt.Errorf("trigger %q: %w", d.Name, err)
	}
	t := &trigger{Definition: d, parsed: p}
	if p.Kind == KindCron {
		if t.sched, err = s.parser.Parse(p.Cron); err != nil {
			return nil, fmt.Errorf("trigger %q: invalid cron expression %q: %w", d.Name, p.Cron, err)
		}
	}
	return t, nil
}

// armLocked registers t with the running cron instance or timer set.
func (s *Service) armLocked(t *trigger) {
	if !t.once.IsZero() {
		delay := max(t.once.Sub(s.now()), 0)
		t.timer = time.AfterFunc(delay, func() { s.fireOnce(t) })
		s.log.Debug("trigger armed", logx.String("name", t.Name), logx.Time("at", t.once))
		return
	}

	sched := t.sched
	t.spread = 0
	if t.parsed.Kind == KindInterval {
		sched = cron.Every(t.parsed.Every)
		if !t.NoSpread {
			sched, t.spread = withStartupSpread(t.parsed.Every, s.now().In(s.loc), t.Name)
		}
	}
	t.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(t) }))

	if s.log.Enabled(logx.LevelDebug) {
		e := s.c.Entry(t.entryID)
		s.log.Debug("trigger armed",
			logx.String("name", t.Name),
			logx.String("type", t.Type),
			logx.String("schedule", t.Schedule),
			logx.Duration("spread", t.spread),
			logx.Time("next", e.Next),
		)
	}
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	removed := false
	for _, t := range s.defs {
		if t.Name != name {
			s.defs[n] = t
			n++
			continue
		}
		removed = true
		if s.c != nil && t.entryID != 0 {
			s.c.Remove(t.entryID)
		}
		t.entryID = 0
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
	}
	clear(s.defs[n:])
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) findLocked(name string) *trigger {
	for _, t := range s.defs {
		if t.Name == name {
			return t
		}
	}
	return nil
}

func (s *Service) fireOnce(t *trigger) {
	s.mu.Lock()
	if s.findLocked(t.Name) != t || t.timer == nil {
		s.mu.Unlock()
		return
	}
	t.timer = nil
	s.removeLocked(t.Name)
	s.mu.Unlock()
	s.fire(t)
}

// fire submits one job for t.
func (s *Service) fire(t *trigger) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil || s.sub == nil {
		return
	}
	firedAt := s.now()
	spec := t.jobSpec(firedAt)

	sctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	j, err := s.sub.Submit(sctx, spec)
	cancel()

	s.mu.Lock()
	t.fired++
	if err != nil {
		t.failures++
		t.lastErr = err.Error()
	} else {
		t.lastJobID = j.ID
		t.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.reportSubmitError(t.Name, err)
		return
	}
	s.log.Debug("trigger fired", logx.String("name", t.Name), logx.String("job_id", j.ID), logx.String("type", t.Type))
}

// jobSpec builds the synthetic job for a firing. Object payloads gain
// origin and trigger keys unless they already carry them.
func (t *trigger) jobSpec(firedAt time.Time) job.Spec {
	prio := t.Priority
	if prio == 0 {
		prio = job.PriorityNormal
	}
	return job.Spec{
		Type:       t.Type,
		Name:       t.Name,
		Priority:   prio,
		MaxRetries: t.MaxRetries,
		Timeout:    t.Timeout,
		Payload:    originPayload(t.Payload, t.Name),
		Metadata: map[string]any{
			OriginKey:  OriginSchedule,
			TriggerKey: t.Name,
			FiredAtKey: firedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

// originPayload stamps an object payload with the schedule origin and trigger
// name, replacing any configured values for those keys. Other payloads pass
// through unchanged; the job metadata carries the origin for them.
func originPayload(raw json.RawMessage, name string) json.RawMessage {
	m := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil || m == nil {
			return append(json.RawMessage(nil), raw...)
		}
	}
	m[OriginKey] = OriginSchedule
	m[TriggerKey] = name
	b, err := json.Marshal(m)
	if err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	return b
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
