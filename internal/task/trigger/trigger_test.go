package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	"newsdigest/internal/task/job"
	logx "newsdigest/pkg/logx"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	specs []job.Spec
	err   error
}

func (f *fakeSubmitter) Submit(_ context.Context, spec job.Spec) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.specs = append(f.specs, spec)
	return &job.Job{ID: fmt.Sprintf("job-%d", len(f.specs)), Type: spec.Type, Name: spec.Name}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

func (f *fakeSubmitter) last() job.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[len(f.specs)-1]
}

func startService(t *testing.T, cfg Config, sub Submitter) *Service {
	t.Helper()
	s := New(cfg, sub, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func fireNamed(t *testing.T, s *Service, name string) {
	t.Helper()
	s.mu.Lock()
	tr := s.findLocked(name)
	s.mu.Unlock()
	if tr == nil {
		t.Fatalf("trigger %q not registered", name)
	}
	s.fire(tr)
}

func infoNamed(s *Service, name string) (Info, bool) {
	for _, it := range s.Snapshot().Triggers {
		if it.Name == name {
			return it, true
		}
	}
	return Info{}, false
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Parsed
		wantErr bool
	}{
		{in: "*/5 * * * *", want: Parsed{Kind: KindCron, Cron: "*/5 * * * *"}},
		{in: "@hourly", want: Parsed{Kind: KindCron, Cron: "@hourly"}},
		{in: "cron:0 7 * * *", want: Parsed{Kind: KindCron, Cron: "0 7 * * *"}},
		{in: "15m", want: Parsed{Kind: KindInterval, Every: 15 * time.Minute}},
		{in: "@every 1h", want: Parsed{Kind: KindInterval, Every: time.Hour}},
		{in: "02:30", want: Parsed{Kind: KindInterval, Every: 2*time.Hour + 30*time.Minute}},
		{in: "every:45s", want: Parsed{Kind: KindInterval, Every: 45 * time.Second}},
		{in: "interval:00:10", want: Parsed{Kind: KindInterval, Every: 10 * time.Minute}},
		{in: "daily:07:05", want: Parsed{Kind: KindCron, Cron: "5 7 * * *"}},
		{in: "weekly:Monday 18:30", want: Parsed{Kind: KindCron, Cron: "30 18 * * 1"}},
		{in: "weekly:sun 00:00", want: Parsed{Kind: KindCron, Cron: "0 0 * * 0"}},
		{in: "", wantErr: true},
		{in: "0s", wantErr: true},
		{in: "daily:24:00", wantErr: true},
		{in: "weekly:07:00", wantErr: true},
		{in: "weekly:someday 07:00", wantErr: true},
		{in: "00:75", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "cron:", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseSchedule(%q) = %+v, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSchedule(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseSchedule(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestDailyWeeklyExpressions(t *testing.T) {
	t.Parallel()

	if got, err := DailyAt("07:05"); err != nil || got != "5 7 * * *" {
		t.Fatalf("DailyAt = %q, %v, want \"5 7 * * *\"", got, err)
	}
	if got, err := WeeklyAt(time.Monday, "18:30"); err != nil || got != "30 18 * * 1" {
		t.Fatalf("WeeklyAt = %q, %v, want \"30 18 * * 1\"", got, err)
	}
	for _, bad := range []string{"24:00", "7", "07:60", "ab:cd"} {
		if _, err := DailyAt(bad); err == nil {
			t.Fatalf("DailyAt(%q) error = nil, want error", bad)
		}
	}
}

func TestAddValidates(t *testing.T) {
	t.Parallel()

	s := New(Config{}, &fakeSubmitter{}, logx.Nop())
	tests := []struct {
		name string
		def  Definition
	}{
		{name: "no name", def: Definition{Type: "rss_fetch", Schedule: "15m"}},
		{name: "no type", def: Definition{Name: "feeds", Schedule: "15m"}},
		{name: "bad cron", def: Definition{Name: "feeds", Type: "rss_fetch", Schedule: "61 * * * *"}},
		{name: "bad payload", def: Definition{Name: "feeds", Type: "rss_fetch", Schedule: "15m", Payload: json.RawMessage("{")}},
	}
	for _, tt := range tests {
		if err := s.Add(tt.def); err == nil {
			t.Fatalf("%s: Add error = nil, want error", tt.name)
		}
	}
	if n := len(s.Snapshot().Triggers); n != 0 {
		t.Fatalf("triggers = %d, want 0", n)
	}
}

func TestFireSubmitsScheduleOriginatedJob(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	s := startService(t, Config{}, sub)
	err := s.Add(Definition{
		Name:     "morning-digest",
		Type:     "email_digest",
		Schedule: "0 7 * * *",
		Payload:  json.RawMessage(`{"list":"daily"}`),
	})
	if err != nil {
		t.Fatalf("Add error = %v", err)
	}

	fireNamed(t, s, "morning-digest")
	if sub.count() != 1 {
		t.Fatalf("submissions = %d, want 1", sub.count())
	}
	spec := sub.last()
	if spec.Type != "email_digest" || spec.Name != "morning-digest" {
		t.Fatalf("spec = %s/%s, want email_digest/morning-digest", spec.Type, spec.Name)
	}
	if spec.Priority != job.PriorityNormal {
		t.Fatalf("Priority = %v, want normal", spec.Priority)
	}
	if spec.Metadata[OriginKey] != OriginSchedule || spec.Metadata[TriggerKey] != "morning-digest" {
		t.Fatalf("Metadata = %v, want schedule origin", spec.Metadata)
	}
	var payload map[string]any
	if err := json.Unmarshal(spec.Payload, &payload); err != nil {
		t.Fatalf("payload decode error = %v", err)
	}
	if payload["list"] != "daily" || payload[OriginKey] != OriginSchedule || payload[TriggerKey] != "morning-digest" {
		t.Fatalf("payload = %v, want original keys plus origin", payload)
	}

	if err := s.Add(Definition{
		Name:     "manual-looking",
		Type:     "rss_fetch",
		Schedule: "@every 1h",
		Payload:  json.RawMessage(`{"origin":"manual","trigger":"other"}`),
	}); err != nil {
		t.Fatalf("Add error = %v", err)
	}
	fireNamed(t, s, "manual-looking")
	payload = nil
	if err := json.Unmarshal(sub.last().Payload, &payload); err != nil {
		t.Fatalf("payload decode error = %v", err)
	}
	if payload[OriginKey] != OriginSchedule || payload[TriggerKey] != "manual-looking" {
		t.Fatalf("payload = %v, want configured origin replaced", payload)
	}

	info, ok := infoNamed(s, "morning-digest")
	if !ok {
		t.Fatalf("trigger missing from snapshot")
	}
	if info.Fired != 1 || info.LastJobID != "job-1" || info.Next.IsZero() {
		t.Fatalf("info = %+v, want fired=1 last_job_id=job-1 and next set", info)
	}
}

func TestOriginPayloadNonObject(t *testing.T) {
	t.Parallel()

	if got := string(originPayload(json.RawMessage(`[1,2]`), "x")); got != `[1,2]` {
		t.Fatalf("array payload = %s, want unchanged", got)
	}
	if got := string(originPayload(nil, "x")); got != `{"origin":"schedule","trigger":"x"}` {
		t.Fatalf("empty payload = %s", got)
	}
	if got := string(originPayload(json.RawMessage(`{"origin":"manual"}`), "x")); got != `{"origin":"schedule","trigger":"x"}` {
		t.Fatalf("payload with origin = %s, want origin replaced", got)
	}
}

func TestFireFailureCounted(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{err: errors.New("store down")}
	s := startService(t, Config{}, sub)
	if err := s.Add(Definition{Name: "feeds", Type: "rss_fetch", Schedule: "@every 1h", NoSpread: true}); err != nil {
		t.Fatalf("Add error = %v", err)
	}
	fireNamed(t, s, "feeds")
	fireNamed(t, s, "feeds")

	info, _ := infoNamed(s, "feeds")
	if info.Fired != 2 || info.Failures != 2 || info.LastError != "store down" {
		t.Fatalf("info = %+v, want 2 failures with last error", info)
	}
}

func TestFireAfterStopIsIgnored(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	s := New(Config{}, sub, logx.Nop())
	if err := s.Add(Definition{Name: "feeds", Type: "rss_fetch", Schedule: "15m"}); err != nil {
		t.Fatalf("Add error = %v", err)
	}
	fireNamed(t, s, "feeds")
	s.Start(context.Background())
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop error = %v", err)
	}
	fireNamed(t, s, "feeds")
	if sub.count() != 0 {
		t.Fatalf("submissions = %d, want 0", sub.count())
	}
}

func TestAddOnceFiresAndIsRemoved(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	s := New(Config{}, sub, logx.Nop())
	if err := s.AddOnce(Definition{Name: "backfill", Type: "rss_fetch"}, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("AddOnce error = %v", err)
	}
	if info, ok := infoNamed(s, "backfill"); !ok || !info.Once {
		t.Fatalf("once trigger info = %+v, %v", info, ok)
	}

	s.Start(context.Background())
	defer func() { _ = s.Stop(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for sub.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if sub.count() != 1 {
		t.Fatalf("submissions = %d, want 1", sub.count())
	}
	if _, ok := infoNamed(s, "backfill"); ok {
		t.Fatalf("once trigger still registered after firing")
	}
}

func TestReplace(t *testing.T) {
	t.Parallel()

	s := startService(t, Config{}, &fakeSubmitter{})
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error = %v", err)
		}
	}
	must(s.Add(Definition{Name: "feeds", Type: "rss_fetch", Schedule: "15m"}))
	must(s.Add(Definition{Name: "old", Type: "cleanup", Schedule: "@daily"}))
	must(s.AddOnce(Definition{Name: "later", Type: "rss_fetch"}, time.Now().Add(time.Hour)))

	bad := []Definition{
		{Name: "feeds", Type: "rss_fetch", Schedule: "30m"},
		{Name: "broken", Type: "x", Schedule: "not a cron"},
	}
	if err := s.Replace(bad); err == nil {
		t.Fatalf("Replace(invalid) error = nil, want error")
	}
	if _, ok := infoNamed(s, "old"); !ok {
		t.Fatalf("failed Replace changed the trigger set")
	}

	dup := []Definition{
		{Name: "feeds", Type: "rss_fetch", Schedule: "30m"},
		{Name: "feeds", Type: "rss_fetch", Schedule: "1h"},
	}
	if err := s.Replace(dup); err == nil {
		t.Fatalf("Replace(duplicate) error = nil, want error")
	}

	must(s.Replace([]Definition{
		{Name: "feeds", Type: "rss_fetch", Schedule: "30m"},
		{Name: "digest", Type: "email_digest", Schedule: "0 7 * * *"},
	}))
	got := map[string]string{}
	for _, it := range s.Snapshot().Triggers {
		got[it.Name] = it.Schedule
	}
	if len(got) != 3 || got["feeds"] != "30m" || got["digest"] != "0 7 * * *" || got["later"] == "" {
		t.Fatalf("triggers = %v, want feeds, digest and the one-shot later", got)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	s := startService(t, Config{}, &fakeSubmitter{})
	if err := s.Add(Definition{Name: "feeds", Type: "rss_fetch", Schedule: "15m"}); err != nil {
		t.Fatalf("Add error = %v", err)
	}
	if !s.Remove("feeds") {
		t.Fatalf("Remove(feeds) = false, want true")
	}
	if s.Remove("feeds") {
		t.Fatalf("second Remove(feeds) = true, want false")
	}
	if n := len(s.c.Entries()); n != 0 {
		t.Fatalf("cron entries = %d, want 0", n)
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()

	s := New(Config{Timezone: "UTC"}, nil, logx.Nop())
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	got, err := s.Preview("0 9 * * *", 3)
	if err != nil {
		t.Fatalf("Preview error = %v", err)
	}
	for i, at := range got {
		want := time.Date(2026, 3, 2+i, 9, 0, 0, 0, time.UTC)
		if !at.Equal(want) {
			t.Fatalf("Preview[%d] = %v, want %v", i, at, want)
		}
	}
	if len(got) != 3 {
		t.Fatalf("Preview len = %d, want 3", len(got))
	}

	got, err = s.Preview("30m", 2)
	if err != nil {
		t.Fatalf("Preview(interval) error = %v", err)
	}
	if !got[1].Equal(base.Add(time.Hour)) {
		t.Fatalf("Preview(interval)[1] = %v, want %v", got[1], base.Add(time.Hour))
	}
}

func TestCustomParser(t *testing.T) {
	t.Parallel()

	fiveField := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	s := New(Config{Parser: fiveField}, nil, logx.Nop())
	if err := s.Add(Definition{Name: "a", Type: "x", Schedule: "0 0 7 * * *"}); err == nil {
		t.Fatalf("six-field expression accepted by five-field parser")
	}
	if err := s.Add(Definition{Name: "a", Type: "x", Schedule: "0 7 * * *"}); err != nil {
		t.Fatalf("Add error = %v", err)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil, logx.Nop())
	if !s.Start(context.Background()) {
		t.Fatalf("first Start = false")
	}
	if s.Start(context.Background()) {
		t.Fatalf("second Start = true")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop error = %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop error = %v", err)
	}
	if s.Running() {
		t.Fatalf("Running() = true after Stop")
	}
}

func TestSetTimezoneRearms(t *testing.T) {
	t.Parallel()

	s := startService(t, Config{Timezone: "UTC"}, &fakeSubmitter{})
	if err := s.Add(Definition{Name: "digest", Type: "email_digest", Schedule: "0 7 * * *"}); err != nil {
		t.Fatalf("Add error = %v", err)
	}
	s.SetTimezone("Asia/Jakarta")
	snap := s.Snapshot()
	if snap.Timezone != "Asia/Jakarta" {
		t.Fatalf("Timezone = %q, want Asia/Jakarta", snap.Timezone)
	}
	if !snap.Running || snap.Triggers[0].Next.IsZero() {
		t.Fatalf("snapshot = %+v, want running with next set", snap)
	}
	if h := snap.Triggers[0].Next.Hour(); h != 7 {
		t.Fatalf("next hour in zone = %d, want 7", h)
	}
}

func TestStartupSpread(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, every := range []time.Duration{10 * time.Second, time.Hour} {
		sched, jitter := withStartupSpread(every, now, "feeds")
		if jitter < 0 || jitter >= min(every, maxStartupSpread) {
			t.Fatalf("jitter = %v for every %v, want in [0, %v)", jitter, every, min(every, maxStartupSpread))
		}
		if got, want := sched.Next(now), now.Add(every+jitter); !got.Equal(want) {
			t.Fatalf("first Next = %v, want %v", got, want)
		}
	}
}
