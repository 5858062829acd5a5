package alert

import (
	"context"
	"sync"
	"time"
)

// Throttle limits how often alerts with the same source and title reach the
// wrapped notifier. Each key owns a token bucket of burst tokens that gains
// one token every refill. Dropped alerts are counted and reported in the
// "suppressed" field of the next alert that gets through.
type Throttle struct {
	next   Notifier
	burst  int
	refill time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     int
	lastRefill time.Time
	suppressed int
}

// ThrottleOption configures a Throttle.
type ThrottleOption func(*Throttle)

// WithThrottleClock replaces time.Now.
func WithThrottleClock(now func() time.Time) ThrottleOption {
	return func(t *Throttle) {
		if now != nil {
			t.now = now
		}
	}
}

// NewThrottle wraps next. Non-positive burst or refill fall back to 5 alerts
// and one token per minute.
func NewThrottle(next Notifier, burst int, refill time.Duration, opts ...ThrottleOption) *Throttle {
	if burst <= 0 {
		burst = 5
	}
	if refill <= 0 {
		refill = time.Minute
	}
	t := &Throttle{
		next:    next,
		burst:   burst,
		refill:  refill,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Notify forwards a when its key has a token left and drops it otherwise.
func (t *Throttle) Notify(ctx context.Context, a Alert) error {
	suppressed, ok := t.take(a.Source + "\x00" + a.Title)
	if !ok {
		return nil
	}
	if suppressed > 0 {
		fields := make(map[string]any, len(a.Fields)+1)
		for k, v := range a.Fields {
			fields[k] = v
		}
		fields["suppressed"] = suppressed
		a.Fields = fields
	}
	return t.next.Notify(ctx, a)
}

func (t *Throttle) take(key string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{tokens: t.burst, lastRefill: now}
		t.buckets[key] = b
	}

	if n := int(now.Sub(b.lastRefill) / t.refill); n > 0 {
		b.tokens = min(b.tokens+n, t.burst)
		b.lastRefill = b.lastRefill.Add(time.Duration(n) * t.refill)
	}

	if b.tokens == 0 {
		b.suppressed++
		return 0, false
	}
	b.tokens--
	suppressed := b.suppressed
	b.suppressed = 0
	return suppressed, true
}
