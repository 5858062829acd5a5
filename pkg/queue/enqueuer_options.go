package queue

import (
	"log/slog"
	"slices"
	"time"

	"github.com/dmitrymomot/jobkit/pkg/lock"
	"github.com/dmitrymomot/jobkit/pkg/retry"
)

// EnqueuerOption is a functional option for configuring an Enqueuer
type EnqueuerOption func(*enqueuerOptions)

type enqueuerOptions struct {
	defaultQueue     string
	defaultPriority  Priority
	defaultRetry     retry.Policy
	defaultMaxStalls int
	locker           lock.Locker
	dedupTTL         time.Duration
	dedupWait        time.Duration
	logger           *slog.Logger
	now              func() time.Time
}

// WithDefaultQueue sets the default queue name
func WithDefaultQueue(queue string) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if queue != "" {
			o.defaultQueue = queue
		}
	}
}

// WithDefaultPriority sets the default priority
func WithDefaultPriority(priority Priority) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if priority.Valid() {
			o.defaultPriority = priority
		}
	}
}

// WithDefaultRetryPolicy sets the retry policy for jobs submitted without one.
func WithDefaultRetryPolicy(p retry.Policy) EnqueuerOption {
	return func(o *enqueuerOptions) {
		o.defaultRetry = p.Normalize()
	}
}

// WithDefaultMaxStalls sets how many stall requeues a job survives.
func WithDefaultMaxStalls(n int) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if n >= 0 {
			o.defaultMaxStalls = n
		}
	}
}

// WithEnqueuerLocker serializes deduplicated submissions across processes.
func WithEnqueuerLocker(l lock.Locker) EnqueuerOption {
	return func(o *enqueuerOptions) {
		o.locker = l
	}
}

// WithDedupLock sets the TTL of the dedup lock and how long to wait for it.
func WithDedupLock(ttl, wait time.Duration) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if ttl > 0 {
			o.dedupTTL = ttl
		}
		if wait > 0 {
			o.dedupWait = wait
		}
	}
}

// WithEnqueuerLogger sets a custom logger for the enqueuer
func WithEnqueuerLogger(logger *slog.Logger) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEnqueuerClock overrides time.Now.
func WithEnqueuerClock(now func() time.Time) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// EnqueueOption is a functional option for the Enqueue method
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	queue       string
	priority    Priority
	maxAttempts int
	retry       retry.Policy
	maxStalls   int
	delay       time.Duration
	scheduledAt *time.Time
	taskName    string
	dedupKey    string
	timeout     time.Duration
	tags        []string
	cron        string
}

// WithQueue sets the queue for the job
func WithQueue(queue string) EnqueueOption {
	return func(o *enqueueOptions) {
		if queue != "" {
			o.queue = queue
		}
	}
}

// WithPriority sets the priority for the job
func WithPriority(priority Priority) EnqueueOption {
	return func(o *enqueueOptions) {
		o.priority = priority
	}
}

// WithMaxAttempts sets the total number of executions allowed, first run
// included.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		o.maxAttempts = n
	}
}

// WithRetryPolicy sets the backoff policy. A zero MaxAttempts in p keeps
// the enqueuer default.
func WithRetryPolicy(p retry.Policy) EnqueueOption {
	return func(o *enqueueOptions) {
		if p.MaxAttempts > 0 {
			o.maxAttempts = p.MaxAttempts
		}
		o.retry = p.Normalize()
	}
}

// WithMaxStalls sets how many stall requeues the job survives.
func WithMaxStalls(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n >= 0 {
			o.maxStalls = n
		}
	}
}

// WithDelay sets a delay before the job can be processed
func WithDelay(delay time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if delay > 0 {
			o.delay = delay
		}
	}
}

// WithScheduledAt sets a specific time for the job to be processed
func WithScheduledAt(scheduledAt time.Time) EnqueueOption {
	return func(o *enqueueOptions) {
		o.scheduledAt = &scheduledAt
	}
}

// WithTaskName sets a custom task name
func WithTaskName(name string) EnqueueOption {
	return func(o *enqueueOptions) {
		if name != "" {
			o.taskName = name
		}
	}
}

// WithDedupKey makes the submission idempotent: while a non-terminal job
// with the same task type and key exists, its ID is returned instead.
func WithDedupKey(key string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.dedupKey = key
	}
}

// WithTimeout bounds a single execution of the job.
func WithTimeout(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithTags attaches free-form tags to the job.
func WithTags(tags ...string) EnqueueOption {
	return func(o *enqueueOptions) {
		for _, t := range tags {
			if t != "" && !slices.Contains(o.tags, t) {
				o.tags = append(o.tags, t)
			}
		}
	}
}

// WithCritical tags the job so its permanent failure raises an alert.
func WithCritical() EnqueueOption {
	return WithTags(TagCritical)
}

// WithCron registers a recurring definition instead of a single job.
func WithCron(spec string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.cron = spec
	}
}
