package lock_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobkit/pkg/lock"
	"github.com/dmitrymomot/jobkit/pkg/pg"
	"github.com/dmitrymomot/jobkit/pkg/queue/pgstore"
	"github.com/dmitrymomot/jobkit/pkg/redis"
)

func exerciseLocker(t *testing.T, l lock.Locker) {
	t.Helper()
	ctx := context.Background()
	key := "it:" + time.Now().Format(time.RFC3339Nano)

	held, err := l.Acquire(ctx, key, 200*time.Millisecond)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, key, time.Second)
	assert.ErrorIs(t, err, lock.ErrNotAcquired)

	ok, err := l.Release(ctx, key, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Release(ctx, key, held.Token)
	require.NoError(t, err)
	assert.True(t, ok)

	again, err := l.Acquire(ctx, key, 50*time.Millisecond)
	require.NoError(t, err)

	next, err := l.AcquireBlocking(ctx, key, time.Second, 2*time.Second)
	require.NoError(t, err, "ttl expiry frees the key")
	assert.NotEqual(t, again.Token, next.Token)

	_, _ = l.Release(ctx, key, next.Token)
}

func TestRedis_Integration(t *testing.T) {
	url := os.Getenv("JOBKIT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("set JOBKIT_TEST_REDIS_URL to run Redis integration tests")
	}

	client, err := redis.Connect(context.Background(), redis.Config{
		ConnectionURL:  url,
		RetryAttempts:  1,
		RetryInterval:  time.Second,
		ConnectTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer client.Close()

	exerciseLocker(t, lock.NewRedis(client, lock.WithPollInterval(10*time.Millisecond)))
}

func TestPostgres_Integration(t *testing.T) {
	dsn := os.Getenv("JOBKIT_TEST_PG_URL")
	if dsn == "" {
		t.Skip("set JOBKIT_TEST_PG_URL to run Postgres integration tests")
	}

	ctx := context.Background()
	pool, err := pg.Connect(ctx, pg.Config{
		ConnectionString: dsn,
		MaxOpenConns:     4,
		MaxIdleConns:     1,
		RetryAttempts:    1,
		RetryInterval:    time.Second,
	})
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, pgstore.Migrate(ctx, pool, nil))

	exerciseLocker(t, lock.NewPostgres(pool, lock.WithPollInterval(10*time.Millisecond)))
}
