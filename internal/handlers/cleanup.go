package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"newsdigest/internal/config"
	"newsdigest/internal/storage"
	"newsdigest/internal/task/job"
	"newsdigest/internal/task/retry"
	logx "newsdigest/pkg/logx"
)

const DefaultRetention = 30 * 24 * time.Hour

// Cleanup prunes terminal job records older than the retention window. A
// payload {"retention":"72h"} or {"retention":"7d"} overrides the configured window for one run.
type Cleanup struct {
	store     storage.Store
	retention time.Duration
	log       logx.Logger
	now       func() time.Time
}

func NewCleanup(st storage.Store, retention time.Duration, log logx.Logger) *Cleanup {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Cleanup{store: st, retention: retention, log: log, now: time.Now}
}

type cleanupPayload struct {
	Retention string `json:"retention"`
}

// CleanupResult is stored as the job result.
type CleanupResult struct {
	Pruned    int       `json:"pruned"`
	Before    time.Time `json:"before"`
	Retention string    `json:"retention"`
}

func (c *Cleanup) Handle(ctx context.Context, j *job.Job) (any, error) {
	retention := c.retention
	if len(j.Payload) > 0 {
		var p cleanupPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return nil, retry.NoRetry(fmt.Errorf("cleanup payload: %w", err))
		}
		if p.Retention != "" {
			d, err := config.ParseDurationField("retention", p.Retention)
			if err != nil || d <= 0 {
				return nil, retry.NoRetry(fmt.Errorf("cleanup payload: invalid retention %q", p.Retention))
			}
			retention = d
		}
	}

	before := c.now().Add(-retention)
	n, err := c.store.Prune(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("prune jobs: %w", err)
	}
	if n > 0 {
		c.log.Info("job records pruned", logx.Int("count", n), logx.Time("before", before))
	}
	return CleanupResult{Pruned: n, Before: before, Retention: retention.String()}, nil
}
