package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotAcquired is returned when the key is held by somebody else.
	ErrNotAcquired = errors.New("lock: not acquired")

	// ErrInvalidKey is returned for an empty key.
	ErrInvalidKey = errors.New("lock: key must not be empty")

	// ErrInvalidTTL is returned for a non-positive TTL.
	ErrInvalidTTL = errors.New("lock: ttl must be positive")
)

// Lock describes a held lock.
type Lock struct {
	Key        string
	Token      string
	AcquiredAt time.Time
	TTL        time.Duration
}

// ExpiresAt is the instant after which the lock is free for others.
func (l Lock) ExpiresAt() time.Time {
	return l.AcquiredAt.Add(l.TTL)
}

// Locker is the lock service contract shared by all backends.
type Locker interface {
	// Acquire makes a single attempt to take the lock.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)

	// AcquireBlocking retries Acquire until it succeeds or timeout elapses.
	AcquireBlocking(ctx context.Context, key string, ttl, timeout time.Duration) (Lock, error)

	// Release frees the lock if token still owns it and reports whether it did.
	Release(ctx context.Context, key, token string) (bool, error)
}

// Option configures a Locker backend.
type Option func(*options)

type options struct {
	pollInterval time.Duration
	prefix       string
	now          func() time.Time
}

func defaultOptions() *options {
	return &options{
		pollInterval: 25 * time.Millisecond,
		prefix:       "jobkit:lock:",
		now:          time.Now,
	}
}

// WithPollInterval sets how often AcquireBlocking retries.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithKeyPrefix sets the namespace prepended to Redis keys.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithClock replaces time.Now for the in-memory backend.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func validate(key string, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

func newToken() string {
	return uuid.NewString()
}

// acquireBlocking polls acquire until it succeeds, the timeout elapses or ctx
// is done. Backend errors other than ErrNotAcquired stop the loop.
func acquireBlocking(
	ctx context.Context,
	acquire func(context.Context) (Lock, error),
	timeout, interval time.Duration,
) (Lock, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		l, err := acquire(ctx)
		if err == nil || !errors.Is(err, ErrNotAcquired) {
			return l, err
		}
		if !time.Now().Before(deadline) {
			return Lock{}, ErrNotAcquired
		}

		select {
		case <-ctx.Done():
			return Lock{}, errors.Join(ErrNotAcquired, ctx.Err())
		case <-ticker.C:
		}
	}
}
