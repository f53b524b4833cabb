package handlers

import (
	"context"
	"fmt"
	"time"

	"newsdigest/internal/storage"
	"newsdigest/internal/task/job"
	"newsdigest/internal/task/scheduler"
)

// HealthCheck probes the job store and reports dispatcher load.
type HealthCheck struct {
	store storage.Store
	queue QueueReporter
}

func NewHealthCheck(st storage.Store, q QueueReporter) *HealthCheck {
	return &HealthCheck{store: st, queue: q}
}

// HealthResult is stored as the job result.
type HealthResult struct {
	Store     string                 `json:"store"`
	StoreRTT  time.Duration          `json:"store_rtt"`
	Queue     *scheduler.QueueStatus `json:"queue,omitempty"`
	CheckedAt time.Time              `json:"checked_at"`
}

// Handle fails when the store is unreachable so the failure is retried and
// recorded like any other.
func (h *HealthCheck) Handle(ctx context.Context, _ *job.Job) (any, error) {
	start := time.Now()
	if err := h.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("store unhealthy: %w", err)
	}
	res := HealthResult{Store: "ok", StoreRTT: time.Since(start), CheckedAt: time.Now().UTC()}
	if h.queue != nil {
		qs := h.queue.QueueStatus()
		res.Queue = &qs
	}
	return res, nil
}
