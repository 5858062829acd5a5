package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobkit/pkg/lock"
	"github.com/dmitrymomot/jobkit/pkg/queue"
	"github.com/dmitrymomot/jobkit/pkg/retry"
)

func newScheduler(t *testing.T, store *queue.MemoryStorage, clock *testClock, opts ...queue.SchedulerOption) *queue.Scheduler {
	t.Helper()
	opts = append([]queue.SchedulerOption{queue.WithSchedulerClock(clock.Now)}, opts...)
	s, err := queue.NewScheduler(store, opts...)
	require.NoError(t, err)
	return s
}

func TestScheduler_AddListRemove(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	store := queue.NewMemoryStorage(queue.WithMemoryClock(clock.Now))
	s := newScheduler(t, store, clock)
	ctx := context.Background()

	require.NoError(t, s.AddTask(ctx, "cleanup", queue.Hourly(),
		queue.WithTaskQueue("maintenance"),
		queue.WithTaskPriority(queue.PriorityLow),
		queue.WithTaskMaxAttempts(5),
	))

	tasks, err := s.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "cleanup", tasks[0].ID)
	assert.Equal(t, "maintenance", tasks[0].Queue)
	assert.Equal(t, queue.PriorityLow, tasks[0].Priority)
	assert.Equal(t, 5, tasks[0].MaxAttempts)
	assert.Equal(t, clock.Now().Add(time.Hour), tasks[0].NextRunAt)

	require.NoError(t, s.RemoveTask(ctx, "cleanup"))
	tasks, err = s.ListTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	assert.ErrorIs(t, s.AddTask(ctx, "", queue.Hourly()), queue.ErrEmptyTaskType)
	assert.ErrorIs(t, s.AddTask(ctx, "x", nil), queue.ErrInvalidSchedule)

	_, err = queue.NewScheduler(nil)
	assert.ErrorIs(t, err, queue.ErrRepositoryNil)
}

func TestScheduler_FiresDueDefinitions(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	store := queue.NewMemoryStorage(queue.WithMemoryClock(clock.Now))
	s := newScheduler(t, store, clock)
	ctx := context.Background()

	require.NoError(t, s.AddTask(ctx, "report", queue.EveryMinutes(10)))

	s.Tick(ctx)
	jobs, err := store.List(ctx, queue.Filter{TaskType: "report"})
	require.NoError(t, err)
	assert.Empty(t, jobs, "not due yet")

	clock.Advance(10 * time.Minute)
	s.Tick(ctx)

	jobs, err = store.List(ctx, queue.Filter{TaskType: "report"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "report", jobs[0].RecurringID)
	assert.Equal(t, queue.StateWaiting, jobs[0].State)

	def, err := store.GetRecurring(ctx, "report")
	require.NoError(t, err)
	require.NotNil(t, def.LastJobID)
	assert.Equal(t, jobs[0].ID, *def.LastJobID)
	assert.Equal(t, clock.Now().Add(10*time.Minute), def.NextRunAt)

	s.Tick(ctx)
	jobs, err = store.List(ctx, queue.Filter{TaskType: "report"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "one firing per occurrence")
}

func TestScheduler_SkipsWhilePreviousRunIsActive(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	store := queue.NewMemoryStorage(queue.WithMemoryClock(clock.Now))
	s := newScheduler(t, store, clock)
	ctx := context.Background()

	require.NoError(t, s.AddTask(ctx, "sync", queue.EveryMinutes(1)))

	clock.Advance(time.Minute)
	s.Tick(ctx)

	first, err := store.ClaimNext(ctx, queue.ClaimRequest{Queue: queue.DefaultQueueName, WorkerID: "w", Lease: time.Hour})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	s.Tick(ctx)

	jobs, err := store.List(ctx, queue.Filter{TaskType: "sync"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "overlapping occurrence is skipped")

	def, err := store.GetRecurring(ctx, "sync")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Minute), def.NextRunAt, "skipped occurrence still advances the schedule")
	assert.Equal(t, first.ID, *def.LastJobID)

	require.NoError(t, store.Fail(ctx, first.ID, "w", queue.Failure{Error: "x", Class: retry.ClassPermanent}))

	clock.Advance(time.Minute)
	s.Tick(ctx)

	jobs, err = store.List(ctx, queue.Filter{TaskType: "sync"})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestScheduler_FiresOnceAcrossInstances(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	store := queue.NewMemoryStorage(queue.WithMemoryClock(clock.Now))
	locker := lock.NewMemory()
	ctx := context.Background()

	schedulers := make([]*queue.Scheduler, 8)
	for i := range schedulers {
		schedulers[i] = newScheduler(t, store, clock, queue.WithSchedulerLocker(locker))
	}
	require.NoError(t, schedulers[0].AddTask(ctx, "billing", queue.Daily()))

	clock.Advance(24 * time.Hour)

	var wg sync.WaitGroup
	for _, s := range schedulers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Tick(ctx)
		}()
	}
	wg.Wait()

	jobs, err := store.List(ctx, queue.Filter{TaskType: "billing"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestScheduler_FiresCronSubmissions(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	store := queue.NewMemoryStorage(queue.WithMemoryClock(clock.Now))
	e, err := queue.NewEnqueuer(store, queue.WithEnqueuerClock(clock.Now))
	require.NoError(t, err)
	s := newScheduler(t, store, clock)
	ctx := context.Background()

	_, err = e.Submit(ctx, "digest", map[string]string{"region": "eu"},
		queue.WithCron("@hourly"),
		queue.WithQueue("mail"),
		queue.WithCritical(),
	)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	s.Tick(ctx)

	jobs, err := store.List(ctx, queue.Filter{Queue: "mail"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.JSONEq(t, `{"region":"eu"}`, string(jobs[0].Payload))
	assert.True(t, jobs[0].Critical())
}

func TestScheduler_RunStopsWithContext(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	store := queue.NewMemoryStorage(queue.WithMemoryClock(clock.Now))
	s := newScheduler(t, store, clock, queue.WithCheckInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx)() }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
