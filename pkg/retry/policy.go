package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy controls how many times a job is attempted and how long to wait
// between attempts. A zero Policy is filled from DefaultPolicy by Normalize.
type Policy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	Multiplier  float64       `json:"multiplier"`
	Jitter      time.Duration `json:"jitter"`
}

// DefaultPolicy returns the policy applied to jobs submitted without one.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Minute,
		Multiplier:  2,
		Jitter:      100 * time.Millisecond,
	}
}

// Normalize fills unset fields from DefaultPolicy. Jitter is kept as is so
// that zero jitter stays deterministic.
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Backoff returns the delay before the next attempt after attempt n failed,
// without jitter. n starts at 1.
func (p Policy) Backoff(n int) time.Duration {
	if n <= 0 {
		return 0
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Delay is Backoff shifted by a uniform random jitter and clamped at zero.
func (p Policy) Delay(n int) time.Duration {
	delay := p.Backoff(n)
	if p.Jitter > 0 {
		delay += time.Duration(rand.Int64N(int64(2*p.Jitter)+1)) - p.Jitter
	}
	return max(delay, 0)
}

// Decision is the outcome of a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
	Class Class
}

// Decide returns what to do with a job whose attempt number attemptsMade
// just failed with err.
func (p Policy) Decide(attemptsMade int, err error) Decision {
	class := Classify(err)
	d := Decision{Class: class}

	if !class.Retryable() || attemptsMade >= p.MaxAttempts {
		return d
	}

	d.Retry = true
	if after, ok := RetryAfter(err); ok {
		d.Delay = after
		return d
	}
	d.Delay = p.Delay(attemptsMade)
	return d
}
