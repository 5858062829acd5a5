package lock

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Locker. Expired locks are reclaimed lazily on the
// next Acquire of the same key.
type Memory struct {
	mu    sync.Mutex
	locks map[string]Lock
	opts  *options
}

// NewMemory returns an empty in-memory lock table.
func NewMemory(opts ...Option) *Memory {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Memory{
		locks: make(map[string]Lock),
		opts:  o,
	}
}

func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	if err := validate(key, ttl); err != nil {
		return Lock{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	if cur, ok := m.locks[key]; ok && now.Before(cur.ExpiresAt()) {
		return Lock{}, ErrNotAcquired
	}

	l := Lock{Key: key, Token: newToken(), AcquiredAt: now, TTL: ttl}
	m.locks[key] = l
	return l, nil
}

func (m *Memory) AcquireBlocking(ctx context.Context, key string, ttl, timeout time.Duration) (Lock, error) {
	return acquireBlocking(ctx, func(ctx context.Context) (Lock, error) {
		return m.Acquire(ctx, key, ttl)
	}, timeout, m.opts.pollInterval)
}

func (m *Memory) Release(_ context.Context, key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[key]
	if !ok || cur.Token != token {
		return false, nil
	}
	delete(m.locks, key)
	return m.opts.now().Before(cur.ExpiresAt()), nil
}

// Held reports whether key is currently locked.
func (m *Memory) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[key]
	return ok && m.opts.now().Before(cur.ExpiresAt())
}
