package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"newsdigest/internal/config"
	"newsdigest/internal/handlers"
	"newsdigest/internal/storage"
	"newsdigest/internal/task/engine"
	"newsdigest/internal/task/job"
	"newsdigest/internal/task/registry"
	"newsdigest/internal/task/retry"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "newsdigest.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}
	return path
}

func decode(t *testing.T, body string) *config.Config {
	t.Helper()
	cfg, err := config.Decode("c.json", []byte(body))
	if err != nil {
		t.Fatalf("Decode error = %v", err)
	}
	return cfg
}

func TestMapEngineConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want func(ec engine.Config) bool
	}{
		{
			name: "defaults",
			body: `{}`,
			want: func(ec engine.Config) bool {
				return ec.Defaults.MaxRetries == engine.DefaultMaxRetries &&
					ec.Defaults.Timeout == engine.DefaultTimeout &&
					ec.PollInterval == engine.DefaultPollInterval &&
					ec.Retry.InitialDelay == retry.DefaultInitialDelay
			},
		},
		{
			name: "explicit zero retries",
			body: `{"scheduler": {"max_retries": 0}}`,
			want: func(ec engine.Config) bool { return ec.Defaults.MaxRetries == 0 },
		},
		{
			name: "per type timeouts",
			body: `{"timeouts": {"ai_analysis": "10m"}, "scheduler": {"default_timeout": "1m"}}`,
			want: func(ec engine.Config) bool {
				return ec.Defaults.TimeoutFor("ai_analysis") == 10*time.Minute &&
					ec.Defaults.TimeoutFor("rss_fetch") == time.Minute
			},
		},
		{
			name: "options",
			body: `{"scheduler": {"max_concurrency": 3, "recover_on_start": true, "cancel_running": true}, "retry": {"multiplier": 3}}`,
			want: func(ec engine.Config) bool {
				return ec.MaxConcurrency == 3 && ec.RecoverOnStart && ec.CancelRunning && ec.Retry.Multiplier == 3
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ec, err := mapEngineConfig(decode(t, tt.body))
			if err != nil {
				t.Fatalf("mapEngineConfig error = %v", err)
			}
			if !tt.want(ec) {
				t.Fatalf("engine config = %+v", ec)
			}
		})
	}
}

func TestMapSchedules(t *testing.T) {
	t.Parallel()

	cfg := decode(t, `{"schedules": [
		{"name": "feeds", "type": "rss_fetch", "schedule": "15m", "priority": "high", "timeout": "2m"},
		{"name": "off", "type": "cleanup", "schedule": "@daily", "enabled": false}
	]}`)
	defs, err := mapSchedules(cfg)
	if err != nil {
		t.Fatalf("mapSchedules error = %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("defs = %d, want 1 (disabled skipped)", len(defs))
	}
	if d := defs[0]; d.Name != "feeds" || d.Priority != job.PriorityHigh || d.Timeout != 2*time.Minute {
		t.Fatalf("def = %+v", d)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "ok", body: `{"schedules": [{"name": "d", "type": "email_digest", "schedule": "0 7 * * *"}]}`},
		{name: "bad cron", body: `{"schedules": [{"name": "d", "type": "email_digest", "schedule": "0 99 * * *"}]}`, want: "cron"},
		{name: "bad timezone", body: `{"scheduler": {"timezone": "Mars/Olympus"}}`, want: "scheduler.timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(decode(t, tt.body))
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestAppRunsJobsAndReloads(t *testing.T) {
	t.Parallel()

	body := `{
	  "logging": {"level": "error"},
	  "scheduler": {"poll_interval": "5ms", "stop_timeout": "2s"},
	  "schedules": [{"name": "feeds", "type": "rss_fetch", "schedule": "1h"}],
	  "storage": {"driver": "memory"}
	}`
	path := writeConfig(t, body)

	fetched := make(chan string, 4)
	st := storage.NewMemory()
	a, err := New(context.Background(), path,
		WithStore(st),
		WithHandlers(func(reg *registry.Registry) error {
			return reg.RegisterFunc(handlers.TypeRSSFetch, func(ctx context.Context, j *job.Job) (any, error) {
				fetched <- j.ID
				return map[string]int{"new_articles": 1}, nil
			})
		}),
	)
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start error = %v", err)
	}

	sched := a.Scheduler()
	j, err := sched.Submit(ctx, job.Spec{Type: handlers.TypeRSSFetch, Name: "fetch now"})
	if err != nil {
		t.Fatalf("Submit error = %v", err)
	}
	select {
	case id := <-fetched:
		if id != j.ID {
			t.Fatalf("handler ran %s, want %s", id, j.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("handler did not run")
	}

	hc, err := sched.Submit(ctx, job.Spec{Type: handlers.TypeHealthCheck, Name: "probe"})
	if err != nil {
		t.Fatalf("Submit health_check error = %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := sched.GetStatus(ctx, hc.ID)
		if err == nil && got.Status == job.StatusCompleted {
			var res map[string]any
			if err := json.Unmarshal(got.Result, &res); err != nil || res["store"] != "ok" {
				t.Fatalf("health result = %s (%v)", got.Result, err)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("health_check did not complete: %+v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}

	prev := a.cfgm.Get()
	next := decode(t, strings.Replace(body, `"schedule": "1h"`, `"schedule": "30m"`, 1))
	a.applyConfig(ctx, prev, next)
	trig := sched.Snapshot().Triggers.Triggers
	if len(trig) != 1 || trig[0].Schedule != "30m" {
		t.Fatalf("triggers after reload = %+v", trig)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop error = %v", err)
	}
	if sched.Running() {
		t.Fatalf("scheduler running after Stop")
	}
	if _, err := st.Find(context.Background(), j.ID); err == nil {
		t.Fatalf("store still usable after Stop, want closed")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{"schedules": [{"name": "x", "type": "rss_fetch", "schedule": "whenever"}]}`)
	if _, err := New(context.Background(), path, WithStore(storage.NewMemory())); err == nil {
		t.Fatalf("New error = nil, want invalid schedule error")
	}
}
