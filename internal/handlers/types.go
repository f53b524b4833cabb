// Package handlers provides the built-in job handlers and the job type names
// used across the news pipeline.
package handlers

import (
	"errors"
	"fmt"
	"time"

	"newsdigest/internal/storage"
	"newsdigest/internal/task/registry"
	"newsdigest/internal/task/scheduler"
	logx "newsdigest/pkg/logx"
)

// Job types. Handlers for the news types are registered by the embedding
// application; this package registers only Cleanup and HealthCheck.
const (
	TypeRSSFetch    = "rss_fetch"
	TypeAIAnalysis  = "ai_analysis"
	TypeEmailDigest = "email_digest"
	TypeCleanup     = "cleanup"
	TypeHealthCheck = "health_check"
)

// QueueReporter is the subset of the scheduler the health check reads.
type QueueReporter interface {
	QueueStatus() scheduler.QueueStatus
}

// Deps are the collaborators of the built-in handlers.
type Deps struct {
	Store     storage.Store
	Queue     QueueReporter
	Retention time.Duration // Cleanup window; 0 selects DefaultRetention
	Log       logx.Logger
}

// Register adds the built-in handlers to reg.
func Register(reg *registry.Registry, d Deps) error {
	if d.Store == nil {
		return errors.New("handlers: store required")
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "handlers"))
	errs := []error{
		reg.Register(TypeCleanup, NewCleanup(d.Store, d.Retention, log)),
		reg.Register(TypeHealthCheck, NewHealthCheck(d.Store, d.Queue)),
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("register built-in handlers: %w", err)
	}
	return nil
}
