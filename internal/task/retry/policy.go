// Package retry computes backoff delays for failed jobs.
//
// The policy is pure: it never touches a job. The dispatcher applies its
// output through the job state machine.
package retry

import (
	"errors"
	"math"
	"time"
)

const (
	DefaultInitialDelay = 5 * time.Second
	DefaultMultiplier   = 2.0
	DefaultMaxDelay     = 5 * time.Minute
)

// Policy is process-wide retry configuration.
type Policy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{InitialDelay: DefaultInitialDelay, Multiplier: DefaultMultiplier, MaxDelay: DefaultMaxDelay}
}

// WithDefaults fills zero fields.
func (p Policy) WithDefaults() Policy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

// Delay returns min(InitialDelay * Multiplier^retryCount, MaxDelay).
//
// retryCount is the number of retries already spent, so the first retry uses
// retryCount 0 and waits InitialDelay.
func (p Policy) Delay(retryCount int) time.Duration {
	p = p.WithDefaults()
	if retryCount < 0 {
		retryCount = 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(retryCount))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// DelayFor is Delay honouring a hint carried by err (see After). The hint can
// lengthen the wait but never shortens it below the computed backoff, so
// successive delays stay non-decreasing. The result is capped at MaxDelay.
func (p Policy) DelayFor(retryCount int, err error) time.Duration {
	p = p.WithDefaults()
	d := p.Delay(retryCount)
	var ra AfterError
	if err != nil && errors.As(err, &ra) {
		if h := ra.RetryAfter(); h > d {
			d = h
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// CanRetry reports whether another retry is allowed.
func CanRetry(retryCount, maxRetries int) bool {
	return retryCount < maxRetries
}

// Decision is the outcome of consulting the policy after a failure.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide combines CanRetry, error classification and DelayFor.
func (p Policy) Decide(retryCount, maxRetries int, err error) Decision {
	if IsNoRetry(err) || !CanRetry(retryCount, maxRetries) {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.DelayFor(retryCount, err)}
}
