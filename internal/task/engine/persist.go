package engine

import (
	"context"

	"newsdigest/internal/task/job"
	"newsdigest/internal/task/registry"
	logx "newsdigest/pkg/logx"
)

// entry is the dispatcher's record of one owned job. All fields are guarded
// by Service.mu.
//
// Store writes for a job are queued on its entry and drained in order by a
// single writer, so the store never sees transitions out of order and the
// poll loop never waits on I/O.
type entry struct {
	job     *job.Job
	handler registry.Handler
	ctx     context.Context // handler context while Running
	cancel  context.CancelFunc

	writes  []job.Update
	writing bool
}

// enqueueWrite queues u. It reports true when the caller became the writer
// and must call flush after releasing Service.mu.
func (e *entry) enqueueWrite(u job.Update) bool {
	e.writes = append(e.writes, u)
	if e.writing {
		return false
	}
	e.writing = true
	return true
}

// flush drains e's write queue. Must be called without Service.mu held.
func (s *Service) flush(e *entry) {
	id := e.job.ID // immutable
	for {
		s.mu.Lock()
		if len(e.writes) == 0 {
			e.writing = false
			s.mu.Unlock()
			return
		}
		u := e.writes[0]
		e.writes = e.writes[1:]
		s.mu.Unlock()

		s.write(id, u)
	}
}

// write persists one transition. Failures are logged and counted; the
// in-memory state stays authoritative.
func (s *Service) write(id string, u job.Update) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	defer cancel()
	if err := s.store.UpdateStatus(ctx, id, u); err != nil {
		s.storeErrors.Add(1)
		s.warn.Warn("store write failed",
			logx.String("job_id", id),
			logx.String("status", string(u.Status)),
			logx.Err(err),
		)
	}
}
