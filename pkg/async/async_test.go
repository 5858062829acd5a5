package async_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobkit/pkg/async"
)

func TestAsyncReturnsResult(t *testing.T) {
	t.Parallel()

	future := async.Async(context.Background(), 42, func(_ context.Context, n int) (string, error) {
		return fmt.Sprintf("Number: %d", n), nil
	})

	res, err := future.Await()
	require.NoError(t, err)
	assert.Equal(t, "Number: 42", res)
	assert.True(t, future.IsComplete())
}

func TestAsyncPropagatesError(t *testing.T) {
	t.Parallel()

	want := errors.New("boom")
	future := async.Async(context.Background(), 1, func(context.Context, int) (int, error) {
		return 0, want
	})

	res, err := future.Await()
	assert.ErrorIs(t, err, want)
	assert.Zero(t, res)
}

func TestAsyncPreCanceledContextSkipsWork(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var called atomic.Bool
	future := async.Async(ctx, 1, func(context.Context, int) (int, error) {
		called.Store(true)
		return 1, nil
	})

	_, err := future.Await()
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called.Load())
}

func TestAsyncRecoversPanic(t *testing.T) {
	t.Parallel()

	future := async.Async(context.Background(), "x", func(context.Context, string) (int, error) {
		panic("kaboom")
	})

	_, err := future.Await()
	var perr *async.PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "kaboom", perr.Value)
	assert.NotEmpty(t, perr.Stack)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestAwaitWithTimeout(t *testing.T) {
	t.Parallel()

	t.Run("completes before timeout", func(t *testing.T) {
		t.Parallel()

		future := async.Async(context.Background(), 0, func(context.Context, int) (string, error) {
			return "success", nil
		})
		res, err := future.AwaitWithTimeout(time.Second)
		require.NoError(t, err)
		assert.Equal(t, "success", res)
	})

	t.Run("times out", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		defer close(release)

		future := async.Async(context.Background(), 0, func(context.Context, int) (string, error) {
			<-release
			return "too late", nil
		})
		res, err := future.AwaitWithTimeout(20 * time.Millisecond)
		assert.ErrorIs(t, err, async.ErrTimeout)
		assert.Empty(t, res)
		assert.False(t, future.IsComplete())
	})

	t.Run("non-positive timeout waits", func(t *testing.T) {
		t.Parallel()

		future := async.Async(context.Background(), 0, func(context.Context, int) (int, error) {
			time.Sleep(10 * time.Millisecond)
			return 7, nil
		})
		res, err := future.AwaitWithTimeout(0)
		require.NoError(t, err)
		assert.Equal(t, 7, res)
	})
}

func TestAwaitContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	future := async.Async(context.Background(), 0, func(context.Context, int) (int, error) {
		<-release
		return 1, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := future.AwaitContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-future.Done()
	res, err := future.AwaitContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res)
}

func TestWaitAll(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	double := func(_ context.Context, n int) (int, error) {
		time.Sleep(time.Duration(n) * time.Millisecond)
		return n * 2, nil
	}

	results, err := async.WaitAll(
		async.Async(ctx, 15, double),
		async.Async(ctx, 5, double),
		async.Async(ctx, 10, double),
	)
	require.NoError(t, err)
	assert.Equal(t, []int{30, 10, 20}, results)
}

func TestWaitAllReturnsFirstErrorAndAllResults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	errA := errors.New("a")
	errB := errors.New("b")

	results, err := async.WaitAll(
		async.Async(ctx, 1, func(context.Context, int) (int, error) { return 1, nil }),
		async.Async(ctx, 2, func(context.Context, int) (int, error) { return 0, errA }),
		async.Async(ctx, 3, func(context.Context, int) (int, error) { return 0, errB }),
	)
	assert.ErrorIs(t, err, errA)
	assert.Equal(t, []int{1, 0, 0}, results)
}

func ExampleAsync() {
	future := async.Async(context.Background(), 21, func(_ context.Context, n int) (int, error) {
		return n * 2, nil
	})

	res, err := future.AwaitWithTimeout(time.Second)
	fmt.Println(res, err)
	// Output: 42 <nil>
}
