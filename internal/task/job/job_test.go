package job

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func newPending(maxRetries int) *Job {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return New("j1", Spec{Type: "test", Name: "test job", MaxRetries: maxRetries}, Defaults{MaxRetries: 3, Timeout: time.Minute}, now)
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()
	now := time.Now()
	d := Defaults{MaxRetries: 4, Timeout: time.Minute, Timeouts: map[string]time.Duration{"ai_analysis": 5 * time.Minute}}

	tests := []struct {
		name        string
		spec        Spec
		wantRetries int
		wantTimeout time.Duration
		wantPrio    Priority
	}{
		{name: "defaults", spec: Spec{Type: "rss_fetch", Name: "x"}, wantRetries: 4, wantTimeout: time.Minute, wantPrio: PriorityNormal},
		{name: "category timeout", spec: Spec{Type: "ai_analysis", Name: "x"}, wantRetries: 4, wantTimeout: 5 * time.Minute, wantPrio: PriorityNormal},
		{name: "explicit", spec: Spec{Type: "rss_fetch", Name: "x", MaxRetries: 2, Timeout: time.Second, Priority: PriorityHigh}, wantRetries: 2, wantTimeout: time.Second, wantPrio: PriorityHigh},
		{name: "retries disabled", spec: Spec{Type: "rss_fetch", Name: "x", MaxRetries: -1}, wantRetries: 0, wantTimeout: time.Minute, wantPrio: PriorityNormal},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			j := New("id", tt.spec, d, now)
			if j.Status != StatusPending {
				t.Fatalf("Status = %s, want pending", j.Status)
			}
			if j.MaxRetries != tt.wantRetries {
				t.Fatalf("MaxRetries = %d, want %d", j.MaxRetries, tt.wantRetries)
			}
			if j.Timeout != tt.wantTimeout {
				t.Fatalf("Timeout = %v, want %v", j.Timeout, tt.wantTimeout)
			}
			if j.Priority != tt.wantPrio {
				t.Fatalf("Priority = %v, want %v", j.Priority, tt.wantPrio)
			}
			if !j.ScheduledAt.Equal(now) {
				t.Fatalf("ScheduledAt = %v, want %v", j.ScheduledAt, now)
			}
		})
	}
}

func TestNewDelay(t *testing.T) {
	t.Parallel()
	now := time.Now()
	j := New("id", Spec{Type: "t", Name: "n", Delay: time.Minute}, Defaults{}, now)
	if !j.ScheduledAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("ScheduledAt = %v, want now+1m", j.ScheduledAt)
	}
	if j.Eligible(now) {
		t.Fatal("delayed job should not be eligible yet")
	}
	if !j.Eligible(now.Add(time.Minute)) {
		t.Fatal("delayed job should be eligible once the delay elapsed")
	}
}

func TestSpecValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		spec  Spec
		field string
	}{
		{name: "missing type", spec: Spec{Name: "n"}, field: "type"},
		{name: "whitespace type", spec: Spec{Type: "a b", Name: "n"}, field: "type"},
		{name: "missing name", spec: Spec{Type: "t"}, field: "name"},
		{name: "negative timeout", spec: Spec{Type: "t", Name: "n", Timeout: -time.Second}, field: "timeout"},
		{name: "bad payload", spec: Spec{Type: "t", Name: "n", Payload: json.RawMessage("{")}, field: "payload"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Fatalf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
	if err := (Spec{Type: "t", Name: "n", Payload: json.RawMessage(`{"a":1}`)}).Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
}

func TestLifecycleSuccess(t *testing.T) {
	t.Parallel()
	j := newPending(2)
	now := j.CreatedAt.Add(time.Second)

	if err := j.Start(now); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if j.Attempts != 1 || j.StartedAt == nil || !j.StartedAt.Equal(now) {
		t.Fatalf("after Start: attempts=%d started=%v", j.Attempts, j.StartedAt)
	}
	if err := j.Complete(now.Add(time.Second), []byte(`"ok"`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if j.Status != StatusCompleted || string(j.Result) != `"ok"` || j.CompletedAt == nil {
		t.Fatalf("after Complete: %+v", j)
	}
	if !j.Terminal() {
		t.Fatal("completed job must be terminal")
	}
	for name, fn := range map[string]func() error{
		"start":  func() error { return j.Start(now) },
		"cancel": func() error { return j.Cancel(now) },
		"fail":   func() error { return j.Fail(now, errors.New("x"), KindExecution) },
	} {
		if err := fn(); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s on completed job = %v, want ErrInvalidTransition", name, err)
		}
	}
}

func TestLifecycleRetryUntilExhausted(t *testing.T) {
	t.Parallel()
	j := newPending(2)
	now := j.CreatedAt

	for i := 0; i < 3; i++ {
		now = now.Add(time.Second)
		if err := j.Start(now); err != nil {
			t.Fatalf("attempt %d Start: %v", i+1, err)
		}
		if err := j.Fail(now, errors.New("boom"), KindExecution); err != nil {
			t.Fatalf("attempt %d Fail: %v", i+1, err)
		}
		if !j.CanRetry() {
			break
		}
		if err := j.Retry(now, 5*time.Second); err != nil {
			t.Fatalf("Retry: %v", err)
		}
		if !j.ScheduledAt.After(now) {
			t.Fatalf("ScheduledAt %v must be after failure time %v", j.ScheduledAt, now)
		}
		if err := j.Requeue(now); err != nil {
			t.Fatalf("Requeue: %v", err)
		}
	}

	if j.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed", j.Status)
	}
	if j.Attempts != 3 || j.RetryCount != 2 {
		t.Fatalf("attempts=%d retryCount=%d, want 3/2", j.Attempts, j.RetryCount)
	}
	if !j.Terminal() {
		t.Fatal("exhausted job must be terminal")
	}
	if err := j.Retry(now, time.Second); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Retry past budget = %v, want ErrInvalidTransition", err)
	}
}

func TestRejectIsNotRetryable(t *testing.T) {
	t.Parallel()
	j := newPending(5)
	if err := j.Reject(time.Now(), errors.New("no handler"), KindConfiguration); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if j.Status != StatusFailed || j.Attempts != 0 || j.RetryCount != 0 {
		t.Fatalf("after Reject: status=%s attempts=%d retries=%d", j.Status, j.Attempts, j.RetryCount)
	}
	if j.CanRetry() || !j.Terminal() {
		t.Fatal("configuration failure must be terminal")
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	pending := newPending(1)
	if err := pending.Cancel(time.Now()); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	running := newPending(1)
	_ = running.Start(time.Now())
	if err := running.Cancel(time.Now()); err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	if err := running.Complete(time.Now(), nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Complete after cancel = %v, want ErrInvalidTransition", err)
	}
	if err := running.Cancel(time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second cancel = %v, want ErrInvalidTransition", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	j := newPending(1)
	j.Payload = json.RawMessage(`{"a":1}`)
	j.Metadata = map[string]any{"k": "v"}
	_ = j.Start(time.Now())

	cp := j.Clone()
	cp.Payload[2] = 'b'
	cp.Metadata["k"] = "changed"
	*cp.StartedAt = time.Time{}

	if string(j.Payload) != `{"a":1}` || j.Metadata["k"] != "v" || j.StartedAt.IsZero() {
		t.Fatal("Clone shares memory with the original")
	}
}

func TestParsePriority(t *testing.T) {
	t.Parallel()
	tests := map[string]Priority{"": PriorityNormal, "low": PriorityLow, "HIGH": PriorityHigh, "critical": PriorityCritical, "7": Priority(7)}
	for in, want := range tests {
		got, err := ParsePriority(in)
		if err != nil || got != want {
			t.Fatalf("ParsePriority(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParsePriority("soon"); err == nil {
		t.Fatal("expected error for unknown priority")
	}
}
