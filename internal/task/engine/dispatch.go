package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"newsdigest/internal/task/job"
	"newsdigest/internal/task/retry"
	logx "newsdigest/pkg/logx"
)

// poll promotes due retries, then starts ready jobs while under the
// concurrency cap. It never blocks on a handler or the store and returns the
// number of jobs started.
func (s *Service) poll() int {
	now := s.now()
	type claim struct {
		e     *entry
		flush bool
	}
	var (
		started  []claim
		rejected []claim
	)

	s.mu.Lock()
	s.queue.Promote(now)
	for len(s.inflight) < s.cfg.MaxConcurrency {
		j, ok := s.queue.Pop()
		if !ok {
			break
		}
		e := s.jobs[j.ID]
		if e == nil || e.job != j {
			continue
		}
		h, ok := s.reg.Lookup(j.Type)
		if !ok {
			_ = j.Reject(now, fmt.Errorf("%w: %q", ErrNoHandler, j.Type), job.KindConfiguration)
			delete(s.jobs, j.ID)
			rejected = append(rejected, claim{e: e, flush: e.enqueueWrite(j.Update())})
			continue
		}
		if err := j.Start(now); err != nil {
			s.log.Error("dispatch start", logx.String("job_id", j.ID), logx.Err(err))
			continue
		}
		e.handler = h
		// The deadline is armed in execute, once the start is persisted.
		e.ctx, e.cancel = context.WithCancel(s.base)
		s.inflight[j.ID] = e
		started = append(started, claim{e: e, flush: e.enqueueWrite(j.Update())})
		s.wg.Add(1)
	}
	s.mu.Unlock()

	for _, c := range rejected {
		snap := s.snapshotOf(c.e)
		s.failed.Add(1)
		s.recordHistory(snap, 0)
		s.publish(EventFailed, eventFor(snap))
		s.log.Warn("job.rejected", logx.String("job_id", snap.ID), logx.String("type", snap.Type), logx.String("err", snap.Error))
		if c.flush {
			s.wg.Add(1)
			go func(e *entry) {
				defer s.wg.Done()
				s.flush(e)
			}(c.e)
		}
	}
	for _, c := range started {
		go s.execute(c.e, c.flush)
	}
	return len(started)
}

func (s *Service) snapshotOf(e *entry) *job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.job.Clone()
}

type outcome struct {
	result []byte
	err    error
	kind   job.ErrorKind
}

// execute runs one Running job to completion. wg.Add was done by poll.
func (s *Service) execute(e *entry, flush bool) {
	defer s.wg.Done()
	if flush {
		s.flush(e)
	}

	s.mu.Lock()
	jctx, cancel := e.ctx, e.cancel
	h := e.handler
	j := e.job.Clone()
	_, stillRunning := s.inflight[j.ID]
	s.mu.Unlock()
	defer cancel()
	if !stillRunning {
		// Cancelled between dispatch and execution.
		return
	}
	timeout := j.Timeout
	hctx := jctx
	if timeout > 0 {
		var stop context.CancelFunc
		hctx, stop = context.WithTimeout(jctx, timeout)
		defer stop()
	}

	s.started.Add(1)
	s.publish(EventStarted, eventFor(j))
	s.log.Debug("job.started", logx.String("job_id", j.ID), logx.String("type", j.Type), logx.Int("attempt", j.Attempts))

	start := time.Now()
	resCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job.panic", logx.String("job_id", j.ID), logx.String("type", j.Type), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				resCh <- outcome{err: fmt.Errorf("panic: %v", r), kind: job.KindPanic}
			}
		}()
		v, err := h.Handle(hctx, j)
		if err != nil || v == nil {
			resCh <- outcome{err: err}
			return
		}
		// Encoding runs under the same recover: a panicking MarshalJSON is a
		// handler failure.
		b, err := json.Marshal(v)
		if err != nil {
			resCh <- outcome{err: retry.NoRetry(fmt.Errorf("encode result: %w", err))}
			return
		}
		resCh <- outcome{result: b}
	}()

	var out outcome
	select {
	case out = <-resCh:
	case <-hctx.Done():
		out = outcome{err: hctx.Err()}
	}
	if out.err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) && out.kind == job.KindNone {
		out = outcome{err: fmt.Errorf("%w after %s", ErrTimeout, timeout), kind: job.KindTimeout}
	}
	s.settle(e, out, time.Since(start))
}

// settle applies the outcome. If the job was cancelled while running the
// outcome is discarded.
func (s *Service) settle(e *entry, out outcome, dur time.Duration) {
	now := s.now()

	s.mu.Lock()
	j := e.job
	if cur, ok := s.inflight[j.ID]; !ok || cur != e {
		s.mu.Unlock()
		s.log.Debug("job.result_discarded", logx.String("job_id", j.ID), logx.Err(out.err))
		return
	}
	delete(s.inflight, j.ID)
	e.ctx, e.cancel = nil, nil

	var (
		terminal bool
		delay    time.Duration
		flush    bool
	)
	if out.err == nil {
		_ = j.Complete(now, out.result)
		flush = e.enqueueWrite(j.Update())
		terminal = true
	} else {
		kind := out.kind
		if kind == job.KindNone {
			kind = job.KindExecution
			if retry.IsNoRetry(out.err) {
				kind = job.KindPermanent
			}
		}
		_ = j.Fail(now, out.err, kind)
		flush = e.enqueueWrite(j.Update())
		d := s.cfg.Retry.Decide(j.RetryCount, j.MaxRetries, out.err)
		if d.Retry && j.CanRetry() {
			delay = d.Delay
			_ = j.Retry(now, delay)
			e.enqueueWrite(j.Update())
			_ = j.Requeue(now)
			e.enqueueWrite(j.Update())
			s.queue.Push(j, now)
		} else {
			terminal = true
		}
	}
	if terminal {
		delete(s.jobs, j.ID)
	}
	snap := j.Clone()
	s.mu.Unlock()

	if flush {
		s.flush(e)
	}

	fields := []logx.Field{
		logx.String("job_id", snap.ID),
		logx.String("type", snap.Type),
		logx.Int("attempts", snap.Attempts),
		logx.Duration("dur", dur),
	}
	switch {
	case out.err == nil:
		s.completed.Add(1)
		s.recordHistory(snap, dur)
		s.publish(EventCompleted, eventFor(snap))
		s.log.Info("job.completed", fields...)
	case !terminal:
		s.retried.Add(1)
		ev := eventFor(snap)
		ev.Delay = delay
		s.publish(EventRetrying, ev)
		s.log.Info("job.retry_scheduled", append(fields,
			logx.Int("retry", snap.RetryCount),
			logx.Int("max_retries", snap.MaxRetries),
			logx.Duration("delay", delay),
			logx.Err(out.err),
		)...)
	default:
		s.failed.Add(1)
		s.recordHistory(snap, dur)
		s.publish(EventFailed, eventFor(snap))
		s.log.Warn("job.failed", append(fields,
			logx.String("kind", string(snap.ErrorKind)),
			logx.Int("retry", snap.RetryCount),
			logx.Err(out.err),
		)...)
	}
}
