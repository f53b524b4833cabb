package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"newsdigest/internal/task/job"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrDuplicate = errors.New("job already exists")
	ErrClosed    = errors.New("store closed")
)

// Config configures storage.
//
// Driver values:
//   - "" or "memory": in-process only, lost on restart
//   - "file": JSON Lines journal + snapshot at Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Filter narrows ListByStatus results. Zero fields do not filter.
type Filter struct {
	Type  string
	Since time.Time // CreatedAt >= Since
	Limit int
}

// Store is the durable job record API consumed by the engine.
type Store interface {
	// Create persists a new job. It fails with ErrDuplicate if the ID exists.
	Create(ctx context.Context, j *job.Job) error
	// UpdateStatus applies the mutable fields of a transition.
	UpdateStatus(ctx context.Context, id string, u job.Update) error
	// Find returns the job or ErrNotFound.
	Find(ctx context.Context, id string) (*job.Job, error)
	// ListByStatus returns jobs in status, newest first.
	ListByStatus(ctx context.Context, status job.Status, f Filter) ([]*job.Job, error)
	// CountByStatus counts jobs created at or after since.
	CountByStatus(ctx context.Context, since time.Time) (map[job.Status]int, error)
	// Prune deletes terminal jobs last updated before the cutoff.
	Prune(ctx context.Context, before time.Time) (int, error)
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// prunable reports whether a record may be removed by Prune. Failed records
// with retry budget left are still owned by the engine.
func prunable(j *job.Job, before time.Time) bool {
	return j.Terminal() && j.UpdatedAt.Before(before)
}

func matches(j *job.Job, status job.Status, f Filter) bool {
	if j.Status != status {
		return false
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && j.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// sortNewest orders jobs by CreatedAt descending, ID ascending on ties, and
// applies limit.
func sortNewest(out []*job.Job, limit int) []*job.Job {
	sort.SliceStable(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
