package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"newsdigest/internal/task/job"
)

// Memory is an in-process Store. Records are cloned on the way in and out.
type Memory struct {
	mu     sync.RWMutex
	jobs   map[string]*job.Job
	closed bool
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*job.Job)}
}

func (m *Memory) Create(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, j.ID)
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, u job.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	j.Apply(u)
	return nil
}

func (m *Memory) Find(_ context.Context, id string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j.Clone(), nil
}

func (m *Memory) ListByStatus(_ context.Context, status job.Status, f Filter) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []*job.Job
	for _, j := range m.jobs {
		if matches(j, status, f) {
			out = append(out, j.Clone())
		}
	}
	return sortNewest(out, f.Limit), nil
}

func (m *Memory) CountByStatus(_ context.Context, since time.Time) (map[job.Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[job.Status]int)
	for _, j := range m.jobs {
		if !since.IsZero() && j.CreatedAt.Before(since) {
			continue
		}
		out[j.Status]++
	}
	return out, nil
}

func (m *Memory) Prune(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for id, j := range m.jobs {
		if prunable(j, before) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
