// Package registry maps job types to handlers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"newsdigest/internal/task/job"
)

var (
	ErrDuplicate = errors.New("handler already registered")
	ErrSealed    = errors.New("registry sealed")
	ErrInvalid   = errors.New("invalid handler registration")
)

// Handler performs the work for one job type.
//
// The job passed in is a private copy. The returned value is marshalled to
// JSON and stored as the job result. ctx is cancelled when the job times out.
type Handler interface {
	Handle(ctx context.Context, j *job.Job) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, j *job.Job) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, j *job.Job) (any, error) { return f(ctx, j) }

// Registry is a type -> handler table. Registration happens at startup; once
// sealed, further registration fails.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	sealed   bool
}

func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h for jobType.
func (r *Registry) Register(jobType string, h Handler) error {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" || h == nil {
		return fmt.Errorf("%w: type=%q", ErrInvalid, jobType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("%w: cannot register %q", ErrSealed, jobType)
	}
	if _, ok := r.handlers[jobType]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicate, jobType)
	}
	r.handlers[jobType] = h
	return nil
}

// RegisterFunc is Register for a plain function.
func (r *Registry) RegisterFunc(jobType string, fn func(ctx context.Context, j *job.Job) (any, error)) error {
	if fn == nil {
		return fmt.Errorf("%w: nil func for %q", ErrInvalid, jobType)
	}
	return r.Register(jobType, HandlerFunc(fn))
}

// MustRegister panics on error. Intended for static wiring in main.
func (r *Registry) MustRegister(jobType string, h Handler) {
	if err := r.Register(jobType, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for jobType.
func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[jobType]
	r.mu.RUnlock()
	return h, ok
}

// Types lists registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Seal stops further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}
