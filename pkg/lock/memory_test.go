package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobkit/pkg/lock"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemory_Acquire(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("second acquire fails while held", func(t *testing.T) {
		t.Parallel()

		m := lock.NewMemory()
		l, err := m.Acquire(ctx, "account:1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "account:1", l.Key)
		assert.NotEmpty(t, l.Token)

		_, err = m.Acquire(ctx, "account:1", time.Minute)
		assert.ErrorIs(t, err, lock.ErrNotAcquired)

		_, err = m.Acquire(ctx, "account:2", time.Minute)
		assert.NoError(t, err, "other keys are independent")
	})

	t.Run("invalid arguments", func(t *testing.T) {
		t.Parallel()

		m := lock.NewMemory()
		_, err := m.Acquire(ctx, "", time.Minute)
		assert.ErrorIs(t, err, lock.ErrInvalidKey)

		_, err = m.Acquire(ctx, "k", 0)
		assert.ErrorIs(t, err, lock.ErrInvalidTTL)
	})

	t.Run("expired lock is reclaimed", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		m := lock.NewMemory(lock.WithClock(clock.Now))

		first, err := m.Acquire(ctx, "k", time.Second)
		require.NoError(t, err)
		assert.True(t, m.Held("k"))

		clock.Advance(time.Second)
		assert.False(t, m.Held("k"))

		second, err := m.Acquire(ctx, "k", time.Second)
		require.NoError(t, err)
		assert.NotEqual(t, first.Token, second.Token)

		ok, err := m.Release(ctx, "k", first.Token)
		require.NoError(t, err)
		assert.False(t, ok, "stale token must not release the new holder")
		assert.True(t, m.Held("k"))
	})
}

func TestMemory_Release(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := lock.NewMemory()

	l, err := m.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	ok, err := m.Release(ctx, "k", "not-the-token")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Release(ctx, "k", l.Token)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Release(ctx, "k", l.Token)
	require.NoError(t, err)
	assert.False(t, ok, "double release")

	_, err = m.Acquire(ctx, "k", time.Minute)
	assert.NoError(t, err)
}

func TestMemory_ReleaseAfterExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	m := lock.NewMemory(lock.WithClock(clock.Now))

	l, err := m.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)

	ok, err := m.Release(ctx, "k", l.Token)
	require.NoError(t, err)
	assert.False(t, ok, "an expired lock was no longer held")
	assert.False(t, m.Held("k"))

	_, err = m.Acquire(ctx, "k", time.Second)
	assert.NoError(t, err)
}

func TestMemory_AcquireBlocking(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("waits for release", func(t *testing.T) {
		t.Parallel()

		m := lock.NewMemory(lock.WithPollInterval(time.Millisecond))
		held, err := m.Acquire(ctx, "k", time.Minute)
		require.NoError(t, err)

		go func() {
			time.Sleep(20 * time.Millisecond)
			_, _ = m.Release(ctx, "k", held.Token)
		}()

		l, err := m.AcquireBlocking(ctx, "k", time.Minute, time.Second)
		require.NoError(t, err)
		assert.NotEqual(t, held.Token, l.Token)
	})

	t.Run("times out", func(t *testing.T) {
		t.Parallel()

		m := lock.NewMemory(lock.WithPollInterval(time.Millisecond))
		_, err := m.Acquire(ctx, "k", time.Minute)
		require.NoError(t, err)

		start := time.Now()
		_, err = m.AcquireBlocking(ctx, "k", time.Minute, 30*time.Millisecond)
		assert.ErrorIs(t, err, lock.ErrNotAcquired)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	})

	t.Run("context canceled", func(t *testing.T) {
		t.Parallel()

		m := lock.NewMemory(lock.WithPollInterval(time.Millisecond))
		_, err := m.Acquire(ctx, "k", time.Minute)
		require.NoError(t, err)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err = m.AcquireBlocking(cctx, "k", time.Minute, time.Second)
		assert.ErrorIs(t, err, lock.ErrNotAcquired)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemory_Exclusivity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := lock.NewMemory()

	const racers = 64
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		start   = make(chan struct{})
	)

	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := m.Acquire(ctx, "contended", time.Minute); err == nil {
				winners.Add(1)
			}
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}
