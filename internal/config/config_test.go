package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}},
  "scheduler": {"max_concurrency": 4, "poll_interval": "250ms", "max_retries": 0, "timezone": "UTC"},
  "retry": {"initial_delay": "2s", "multiplier": 3, "max_delay": "1m"},
  "timeouts": {"rss_fetch": "2m"},
  "schedules": [
    {"name": "feeds", "type": "rss_fetch", "schedule": "15m", "priority": "high"},
    {"name": "digest", "type": "email_digest", "schedule": "0 7 * * *", "payload": {"list": "daily"}}
  ],
  "storage": {"driver": "sqlite", "path": "jobs.db", "busy_timeout": "2s"},
  "cleanup": {"retention": "168h"}
}`

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  max_concurrency: 2
schedules:
  - name: cleanup
    type: cleanup
    schedule: "@daily"
    enabled: false
storage:
  driver: memory
`

func TestDecode(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("config.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("Decode json error = %v", err)
	}
	if cfg.Scheduler.MaxConcurrency != 4 || cfg.Scheduler.MaxRetries == nil || *cfg.Scheduler.MaxRetries != 0 {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if !cfg.SchedulerEnabled() {
		t.Fatalf("SchedulerEnabled() = false, want true when omitted")
	}
	if len(cfg.Schedules) != 2 || string(cfg.Schedules[1].Payload) != `{"list": "daily"}` {
		t.Fatalf("schedules = %+v", cfg.Schedules)
	}

	ycfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode yaml error = %v", err)
	}
	if ycfg.Logging.Level != "debug" || ycfg.Scheduler.MaxConcurrency != 2 {
		t.Fatalf("yaml cfg = %+v", ycfg)
	}
	if ycfg.Schedules[0].IsEnabled() {
		t.Fatalf("schedule enabled = true, want false")
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
		data string
		want string
	}{
		{name: "unknown field", path: "c.json", data: `{"telegram": {}}`, want: "unknown field"},
		{name: "trailing data", path: "c.json", data: `{} {}`, want: "trailing data"},
		{name: "bad duration", path: "c.json", data: `{"scheduler": {"poll_interval": "soon"}}`, want: "scheduler.poll_interval"},
		{name: "negative duration", path: "c.json", data: `{"retry": {"max_delay": "-1s"}}`, want: "retry.max_delay"},
		{name: "bad priority", path: "c.json", data: `{"schedules": [{"name": "a", "type": "x", "schedule": "1m", "priority": "asap"}]}`, want: "priority"},
		{name: "duplicate schedule", path: "c.json", data: `{"schedules": [{"name": "a", "type": "x", "schedule": "1m"}, {"name": "a", "type": "y", "schedule": "2m"}]}`, want: "duplicates"},
		{name: "sqlite without path", path: "c.json", data: `{"storage": {"driver": "sqlite"}}`, want: "storage.path"},
		{name: "postgres without dsn", path: "c.json", data: `{"storage": {"driver": "postgres"}}`, want: "storage.dsn"},
		{name: "unknown driver", path: "c.json", data: `{"storage": {"driver": "redis"}}`, want: "unknown storage.driver"},
		{name: "yaml unknown field", path: "c.yml", data: "scheduler:\n  workers: 3\n", want: "unknown field"},
		{name: "bad multiplier", path: "c.json", data: `{"retry": {"multiplier": 0.5}}`, want: "retry.multiplier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.path, []byte(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Decode error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: time.Minute},
		{raw: "0s", want: time.Minute},
		{raw: " 5s ", want: 5 * time.Second},
		{raw: "30d", want: 30 * 24 * time.Hour},
		{raw: "xd", wantErr: true},
		{raw: "-1s", wantErr: true},
		{raw: "five", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDurationOrDefault("x", tt.raw, time.Minute)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseDurationOrDefault(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if got != tt.want && !tt.wantErr {
			t.Fatalf("ParseDurationOrDefault(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	base, err := Decode("c.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("Decode error = %v", err)
	}
	clone := func() *Config {
		b, _ := json.Marshal(base)
		var c Config
		_ = json.Unmarshal(b, &c)
		return &c
	}

	tests := []struct {
		name        string
		mutate      func(c *Config)
		wantChanged []string
		wantRestart []string
	}{
		{name: "none", mutate: func(c *Config) {}},
		{
			name:        "payload key order only",
			mutate:      func(c *Config) { c.Schedules[1].Payload = json.RawMessage(`{ "list":"daily" }`) },
			wantChanged: nil,
		},
		{
			name:        "schedule edit",
			mutate:      func(c *Config) { c.Schedules[0].Schedule = "30m" },
			wantChanged: []string{"schedules"},
		},
		{
			name:        "timezone is live",
			mutate:      func(c *Config) { c.Scheduler.Timezone = "Asia/Jakarta" },
			wantChanged: []string{"scheduler"},
		},
		{
			name:        "concurrency needs restart",
			mutate:      func(c *Config) { c.Scheduler.MaxConcurrency = 8 },
			wantChanged: []string{"scheduler"},
			wantRestart: []string{"scheduler"},
		},
		{
			name: "storage and debug",
			mutate: func(c *Config) {
				c.Storage.Path = "other.db"
				c.Debug.Token = "secret"
			},
			wantChanged: []string{"debug", "storage"},
			wantRestart: []string{"storage"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next := clone()
			tt.mutate(next)
			changed, attrs, restart := SummarizeConfigChange(base, next)
			if !slices.Equal(changed, tt.wantChanged) {
				t.Fatalf("changed = %v, want %v", changed, tt.wantChanged)
			}
			if !slices.Equal(restart, tt.wantRestart) {
				t.Fatalf("restart = %v, want %v", restart, tt.wantRestart)
			}
			if len(changed) > 0 && len(attrs) == 0 {
				t.Fatalf("attrs empty for changed sections %v", changed)
			}
		})
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "newsdigest.json")
	write := func(level string) {
		t.Helper()
		data := `{"logging": {"level": "` + level + `"}}`
		if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
			t.Fatalf("WriteFile error = %v", err)
		}
	}
	write("info")

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error = %v", err)
	}
	rejected := make(chan struct{}, 1)
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Logging.Level == "trace" {
			select {
			case rejected <- struct{}{}:
			default:
			}
			return errors.New("trace logging not allowed")
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// Rewrite until the watcher has registered the directory.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
wait:
	for {
		write("debug")
		select {
		case cfg := <-ch:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("published level = %q, want debug", cfg.Logging.Level)
			}
			if got := m.Get().Logging.Level; got != "debug" {
				t.Fatalf("Get().Logging.Level = %q, want debug", got)
			}
			break wait
		case <-tick.C:
		case <-deadline:
			t.Fatalf("timed out waiting for reload")
		}
	}
	write("trace")
	select {
	case <-rejected:
	case <-time.After(5 * time.Second):
		t.Fatalf("validator not consulted")
	}
	if got := m.Get().Logging.Level; got != "debug" {
		t.Fatalf("Get().Logging.Level = %q after rejected reload, want debug", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Watch did not return after cancel")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a := &Config{Logging: LoggingConfig{Level: "info"}}
	b := &Config{Logging: LoggingConfig{Level: "warn"}}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatalf("received %+v, want newest", got)
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel open after Unsubscribe")
	}
}
