package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDelayGrowsAndCaps(t *testing.T) {
	t.Parallel()
	p := Policy{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second}
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, w := range want {
		if got := p.Delay(i); got != w {
			t.Fatalf("Delay(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestDelayNonDecreasing(t *testing.T) {
	t.Parallel()
	policies := []Policy{
		{InitialDelay: 100 * time.Millisecond, Multiplier: 1.5, MaxDelay: time.Minute},
		{InitialDelay: time.Second, Multiplier: 3, MaxDelay: 5 * time.Second},
		{},
	}
	for _, p := range policies {
		prev := time.Duration(0)
		for i := 0; i < 200; i++ {
			d := p.Delay(i)
			if d < prev {
				t.Fatalf("%+v: Delay(%d) = %v < previous %v", p, i, d, prev)
			}
			if d > p.WithDefaults().MaxDelay {
				t.Fatalf("%+v: Delay(%d) = %v exceeds cap", p, i, d)
			}
			prev = d
		}
	}
}

func TestWithDefaults(t *testing.T) {
	t.Parallel()
	p := Policy{}.WithDefaults()
	if p != Default() {
		t.Fatalf("WithDefaults() = %+v, want %+v", p, Default())
	}
	p = Policy{InitialDelay: time.Minute, MaxDelay: time.Second}.WithDefaults()
	if p.MaxDelay != time.Minute {
		t.Fatalf("MaxDelay = %v, want it raised to InitialDelay", p.MaxDelay)
	}
}

func TestDelayForHint(t *testing.T) {
	t.Parallel()
	p := Policy{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}

	if got := p.DelayFor(0, After(errors.New("429"), 7*time.Second)); got != 7*time.Second {
		t.Fatalf("hint longer than backoff: got %v, want 7s", got)
	}
	if got := p.DelayFor(3, After(errors.New("429"), time.Second)); got != 8*time.Second {
		t.Fatalf("hint shorter than backoff: got %v, want 8s", got)
	}
	if got := p.DelayFor(0, After(errors.New("429"), time.Hour)); got != 30*time.Second {
		t.Fatalf("hint above cap: got %v, want 30s", got)
	}
	wrapped := fmt.Errorf("fetch: %w", After(errors.New("429"), 9*time.Second))
	if got := p.DelayFor(0, wrapped); got != 9*time.Second {
		t.Fatalf("wrapped hint: got %v, want 9s", got)
	}
}

func TestDecide(t *testing.T) {
	t.Parallel()
	p := Policy{InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute}
	tests := []struct {
		name       string
		retryCount int
		maxRetries int
		err        error
		want       Decision
	}{
		{name: "first retry", retryCount: 0, maxRetries: 3, err: errors.New("x"), want: Decision{Retry: true, Delay: time.Second}},
		{name: "third retry", retryCount: 2, maxRetries: 3, err: errors.New("x"), want: Decision{Retry: true, Delay: 4 * time.Second}},
		{name: "exhausted", retryCount: 3, maxRetries: 3, err: errors.New("x")},
		{name: "no retries configured", retryCount: 0, maxRetries: 0, err: errors.New("x")},
		{name: "permanent", retryCount: 0, maxRetries: 3, err: fmt.Errorf("wrap: %w", NoRetry(errors.New("bad input")))},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Decide(tt.retryCount, tt.maxRetries, tt.err); got != tt.want {
				t.Fatalf("Decide = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestErrorWrappers(t *testing.T) {
	t.Parallel()
	base := errors.New("base")
	if NoRetry(nil) != nil || After(nil, time.Second) != nil {
		t.Fatal("wrapping nil must return nil")
	}
	if !errors.Is(NoRetry(base), base) || !errors.Is(After(base, time.Second), base) {
		t.Fatal("wrappers must unwrap to the original error")
	}
	if IsNoRetry(base) {
		t.Fatal("plain error reported as no-retry")
	}
}
