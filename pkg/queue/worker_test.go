package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/dmitrymomot/jobkit/pkg/alert"
	"github.com/dmitrymomot/jobkit/pkg/lock"
	"github.com/dmitrymomot/jobkit/pkg/queue"
	"github.com/dmitrymomot/jobkit/pkg/retry"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, a alert.Alert) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

// startWorker runs a worker over store together with a fast sweeper so that
// retried jobs are promoted without delay.
func startWorker(t *testing.T, store *queue.MemoryStorage, handlers []queue.Handler, opts ...queue.WorkerOption) *queue.Worker {
	t.Helper()

	opts = append([]queue.WorkerOption{
		queue.WithPullInterval(5 * time.Millisecond),
		queue.WithLeaseDuration(time.Second),
		queue.WithShutdownTimeout(time.Second),
	}, opts...)

	w, err := queue.NewWorker(store, opts...)
	require.NoError(t, err)
	for _, h := range handlers {
		require.NoError(t, w.RegisterHandler(h))
	}

	sweeper, err := queue.NewSweeper(store, queue.WithSweepInterval(5*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sweeper.Run(ctx)()
	}()

	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() {
		_ = w.Stop()
		cancel()
		<-done
	})
	return w
}

func submit(t *testing.T, store *queue.MemoryStorage, taskType string, payload any, opts ...queue.EnqueueOption) uuid.UUID {
	t.Helper()
	e, err := queue.NewEnqueuer(store)
	require.NoError(t, err)
	id, err := e.Submit(context.Background(), taskType, payload, opts...)
	require.NoError(t, err)
	return id
}

func waitForState(t *testing.T, store *queue.MemoryStorage, id uuid.UUID, state queue.State) *queue.Job {
	t.Helper()
	var job *queue.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = store.Get(context.Background(), id)
		return err == nil && job.State == state
	}, 5*time.Second, 5*time.Millisecond, "job never reached %s", state)
	return job
}

func TestWorker_Lifecycle(t *testing.T) {
	t.Parallel()
	store := queue.NewMemoryStorage()
	ctx := context.Background()

	w, err := queue.NewWorker(store)
	require.NoError(t, err)

	assert.ErrorIs(t, w.Start(ctx), queue.ErrNoHandlers)
	assert.ErrorIs(t, w.Stop(), queue.ErrWorkerNotStarted)

	h := queue.NewPeriodicTaskHandler("noop", func(context.Context, *queue.Reporter) error { return nil })
	require.NoError(t, w.RegisterHandler(h))
	assert.ErrorIs(t, w.RegisterHandler(h), queue.ErrTaskAlreadyRegistered)
	require.NoError(t, w.RegisterHandler(nil))

	require.NoError(t, w.Start(ctx))
	assert.ErrorIs(t, w.Start(ctx), queue.ErrWorkerStarted)
	assert.ErrorIs(t, w.RegisterHandler(queue.NewPeriodicTaskHandler("late", nil)), queue.ErrWorkerStarted)
	require.NoError(t, w.Stop())

	_, err = queue.NewWorker(nil)
	assert.ErrorIs(t, err, queue.ErrRepositoryNil)
}

func TestWorker_CompletesWithResultProgressAndLog(t *testing.T) {
	t.Parallel()
	store := queue.NewMemoryStorage()

	type in struct{ A, B int }
	type out struct{ Sum int }

	h := queue.NewResultHandler("sum", func(ctx context.Context, p in, r *queue.Reporter) (out, error) {
		if err := r.Progress(ctx, 50); err != nil {
			return out{}, err
		}
		if err := r.Logf(ctx, "adding %d and %d", p.A, p.B); err != nil {
			return out{}, err
		}
		return out{Sum: p.A + p.B}, nil
	})
	startWorker(t, store, []queue.Handler{h})

	id := submit(t, store, "sum", in{A: 2, B: 3})
	job := waitForState(t, store, id, queue.StateCompleted)

	assert.JSONEq(t, `{"Sum":5}`, string(job.Result))
	assert.Equal(t, 100.0, job.Progress)
	assert.Equal(t, []string{"adding 2 and 3"}, job.Log)
	assert.Equal(t, 1, job.AttemptsMade)
}

func TestWorker_RetriesWithBackoffThenCompletes(t *testing.T) {
	t.Parallel()
	store := queue.NewMemoryStorage()

	var calls atomic.Int32
	h := queue.NewNamedTaskHandler("image.resize", func(context.Context, struct{}, *queue.Reporter) error {
		if calls.Add(1) <= 2 {
			return errors.New("storage unavailable")
		}
		return nil
	})
	startWorker(t, store, []queue.Handler{h})

	id := submit(t, store, "image.resize", nil, queue.WithRetryPolicy(retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   20 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2,
	}))

	job := waitForState(t, store, id, queue.StateCompleted)
	assert.Equal(t, 3, job.AttemptsMade)
	require.Len(t, job.Attempts, 3)
	assert.Equal(t, retry.ClassRetryable, job.Attempts[0].Class)
	assert.Equal(t, 20*time.Millisecond, job.Attempts[0].RetryDelay)
	assert.Equal(t, 40*time.Millisecond, job.Attempts[1].RetryDelay)
	assert.Empty(t, job.Attempts[2].Class)
}

func TestWorker_PermanentFailureAlertsForCriticalJobs(t *testing.T) {
	t.Parallel()
	store := queue.NewMemoryStorage()

	notifier := &mockNotifier{}
	notifier.On("Notify", mock.Anything, mock.MatchedBy(func(a alert.Alert) bool {
		return a.Severity == alert.SeverityCritical && a.Fields["task_type"] == "charge"
	})).Return(nil).Once()

	h := queue.NewNamedTaskHandler("charge", func(context.Context, struct{}, *queue.Reporter) error {
		return retry.Permanent(errors.New("card declined"))
	})
	w := startWorker(t, store, []queue.Handler{h}, queue.WithAlertNotifier(notifier))

	id := submit(t, store, "charge", nil, queue.WithCritical())
	job := waitForState(t, store, id, queue.StateFailed)
	require.NoError(t, w.Stop())

	assert.Equal(t, 1, job.AttemptsMade, "permanent errors are not retried")
	assert.Equal(t, retry.ClassPermanent, job.ErrorClass)
	assert.Contains(t, job.LastError, "card declined")

	dls, err := store.DeadLetters(context.Background(), queue.DefaultQueueName, 0)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, id, dls[0].JobID)

	notifier.AssertExpectations(t)
}

func TestWorker_ExhaustedRetriesFail(t *testing.T) {
	t.Parallel()
	store := queue.NewMemoryStorage()

	h := queue.NewNamedTaskHandler("flaky", func(context.Context, struct{}, *queue.Reporter) error {
		return errors.New("still broken")
	})
	startWorker(t, store, []queue.Handler{h})

	id := submit(t, store, "flaky", nil, queue.WithRetryPolicy(retry.Policy{
		MaxAttempts: 2,
		BaseDelay:   5 * time.Millisecond,
	}))

	job := waitForState(t, store, id, queue.StateFailed)
	assert.Equal(t, 2, job.AttemptsMade)
	assert.Equal(t, retry.ClassRetryable, job.ErrorClass)
}

func TestWorker_InvalidPayloadIsNotRetried(t *testing.T) {
	t.Parallel()
	store := queue.NewMemoryStorage()

	type in struct{ N int }
	h := queue.NewNamedTaskHandler("strict", func(context.Context, in, *queue.Reporter) error { return nil })
	startWorker(t, store, []queue.Handler{h})

	id := submit(t, store, "strict", "not an object")
	job := waitForState(t, store, id, queue.StateFailed)
	assert.Equal(t, retry.ClassValidation, job.ErrorClass)
	assert.Equal(t, 1, job.AttemptsMade)
}

func TestWorker_RecoversPanics(t *testing.T) {
	t.Parallel()
	store := queue.NewMemoryStorage()

	var calls atomic.Int32
	h := queue.NewNamedTaskHandler("fragile", func(context.Context, struct{}, *queue.Reporter) error {
		if calls.Add(1) == 1 {
			panic("nil map write")
		}
		return nil
	})
	startWorker(t, store, []queue.Handler{h})

	id := submit(t, store, "fragile", nil, queue.WithRetryPolicy(retry.Policy{
		MaxAttempts: 2,
		BaseDelay:   5 * time.Millisecond,
	}))

	job := waitForState(t, store, id, queue.StateCompleted)
	require.Len(t, job.Attempts, 2)
	assert.Contains(t, job.Attempts[0].Error, "handler panicked")
	assert.Equal(t, retry.ClassRetryable, job.Attempts[0].Class)
}

func TestWorker_TimeoutCancelsHandler(t *testing.T) {
	t.Parallel()
	store := queue.NewMemoryStorage()

	var sawCancel atomic.Bool
	h := queue.NewNamedTaskHandler("slow", func(ctx context.Context, _ struct{}, _ *queue.Reporter) error {
		<-ctx.Done()
		sawCancel.Store(errors.Is(context.Cause(ctx), queue.ErrHandlerTimeout))
		return ctx.Err()
	})
	startWorker(t, store, []queue.Handler{h})

	id := submit(t, store, "slow", nil, queue.WithTimeout(20*time.Millisecond), queue.WithMaxAttempts(1))

	job := waitForState(t, store, id, queue.StateFailed)
	assert.Equal(t, retry.ClassRetryable, job.ErrorClass)
	assert.Contains(t, job.LastError, queue.ErrHandlerTimeout.Error())
	require.Eventually(t, sawCancel.Load, time.Second, 5*time.Millisecond)
}

func TestWorker_TimedOutHandlerHoldsItsSlot(t *testing.T) {
	t.Parallel()
	store := queue.NewMemoryStorage()

	var running, peak atomic.Int32
	h := queue.NewNamedTaskHandler("stubborn", func(context.Context, struct{}, *queue.Reporter) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(120 * time.Millisecond)
		return nil
	})
	startWorker(t, store, []queue.Handler{h}, queue.WithMaxConcurrentTasks(2))

	id := submit(t, store, "stubborn", nil,
		queue.WithTimeout(20*time.Millisecond),
		queue.WithRetryPolicy(retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
			Multiplier:  1,
		}))

	job := waitForState(t, store, id, queue.StateFailed)
	assert.Equal(t, 3, job.AttemptsMade)
	assert.Contains(t, job.LastError, queue.ErrHandlerTimeout.Error())
	assert.Equal(t, int32(1), peak.Load(), "a retry must not start while the timed out attempt still runs")
}

func TestWorker_CancelActiveJob(t *testing.T) {
	t.Parallel()
	store := queue.NewMemoryStorage()

	started := make(chan struct{})
	h := queue.NewNamedTaskHandler("long", func(ctx context.Context, _ struct{}, _ *queue.Reporter) error {
		close(started)
		<-ctx.Done()
		return context.Cause(ctx)
	})
	startWorker(t, store, []queue.Handler{h}, queue.WithLeaseDuration(60*time.Millisecond))

	id := submit(t, store, "long", nil)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not start")
	}

	canceled, err := store.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, canceled, "active jobs are canceled cooperatively")

	job := waitForState(t, store, id, queue.StateFailed)
	assert.Equal(t, retry.ClassCanceled, job.ErrorClass)

	dls, err := store.DeadLetters(context.Background(), queue.DefaultQueueName, 0)
	require.NoError(t, err)
	assert.Empty(t, dls)
}

func TestReporter_DeferAndLock(t *testing.T) {
	t.Parallel()
	store := queue.NewMemoryStorage()
	locker := lock.NewMemory()

	_, err := locker.Acquire(context.Background(), "resource:busy", time.Minute)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		order   []int
		lockErr error
	)
	h := queue.NewNamedTaskHandler("guarded", func(ctx context.Context, _ struct{}, r *queue.Reporter) error {
		if err := r.Lock(ctx, "account-1", time.Minute); err != nil {
			return err
		}
		lockErr = r.Lock(ctx, "busy", time.Minute)

		for i := 1; i <= 2; i++ {
			r.Defer(func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}
		assert.Equal(t, 1, r.Attempt())
		assert.NotNil(t, r.Logger())
		return nil
	})
	startWorker(t, store, []queue.Handler{h}, queue.WithWorkerLocker(locker, 10*time.Millisecond))

	id := submit(t, store, "guarded", nil)
	waitForState(t, store, id, queue.StateCompleted)

	require.Eventually(t, func() bool { return !locker.Held("resource:account-1") }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{2, 1}, order, "deferred cleanups run in reverse order")
	assert.ErrorIs(t, lockErr, queue.ErrResourceLocked)
	assert.Equal(t, retry.ClassRateLimited, retry.Classify(lockErr))
}

func TestReporter_LockWithoutLocker(t *testing.T) {
	t.Parallel()
	store := queue.NewMemoryStorage()

	errCh := make(chan error, 1)
	h := queue.NewNamedTaskHandler("nolock", func(ctx context.Context, _ struct{}, r *queue.Reporter) error {
		errCh <- r.Lock(ctx, "x", time.Second)
		return nil
	})
	startWorker(t, store, []queue.Handler{h})

	submit(t, store, "nolock", nil)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, queue.ErrNoLocker)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not run")
	}
}

func TestWorker_RecordsMetrics(t *testing.T) {
	t.Parallel()
	store := queue.NewMemoryStorage()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	h := queue.NewPeriodicTaskHandler("tick", func(context.Context, *queue.Reporter) error { return nil })
	w := startWorker(t, store, []queue.Handler{h}, queue.WithMeter(mp.Meter("test")))

	id := submit(t, store, "tick", nil)
	waitForState(t, store, id, queue.StateCompleted)
	require.NoError(t, w.Stop())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var executions *metricdata.Metrics
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == "jobkit.job.executions" {
				executions = &sm.Metrics[i]
			}
		}
	}
	require.NotNil(t, executions)

	sum, ok := executions.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)

	dp := sum.DataPoints[0]
	assert.Equal(t, int64(1), dp.Value)
	status, _ := dp.Attributes.Value(attribute.Key("status"))
	assert.Equal(t, "completed", status.AsString())
	taskType, _ := dp.Attributes.Value(attribute.Key("task_type"))
	assert.Equal(t, "tick", taskType.AsString())
}

func TestWorker_HandlerQueueAndConcurrency(t *testing.T) {
	t.Parallel()
	store := queue.NewMemoryStorage()

	var (
		running atomic.Int32
		peak    atomic.Int32
	)
	release := make(chan struct{})
	h := queue.NewNamedTaskHandler("parallel", func(context.Context, struct{}, *queue.Reporter) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	})

	w, err := queue.NewWorker(store, queue.WithPullInterval(5*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.RegisterHandler(h, queue.WithConcurrency(3), queue.WithHandlerQueue("bulk")))
	require.NoError(t, w.Start(context.Background()))

	var ids []uuid.UUID
	for range 5 {
		ids = append(ids, submit(t, store, "parallel", nil, queue.WithQueue("bulk")))
	}

	require.Eventually(t, func() bool { return peak.Load() == 3 }, 5*time.Second, 5*time.Millisecond)
	close(release)

	for _, id := range ids {
		waitForState(t, store, id, queue.StateCompleted)
	}
	require.NoError(t, w.Stop())
	assert.Equal(t, int32(3), peak.Load())
}

func TestNewTaskHandlerName(t *testing.T) {
	t.Parallel()

	h := queue.NewTaskHandler(func(context.Context, SendEmail, *queue.Reporter) error { return nil })
	assert.Equal(t, "queue_test.SendEmail", h.Name())

	res, err := h.Handle(context.Background(), json.RawMessage(`{"to":"x"}`), nil)
	require.NoError(t, err)
	assert.Nil(t, res)
}
