package queue

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/jobkit/pkg/lock"
	"github.com/dmitrymomot/jobkit/pkg/retry"
)

// SchedulerOption is a functional option for configuring a scheduler
type SchedulerOption func(*schedulerOptions)

type schedulerOptions struct {
	checkInterval time.Duration
	locker        lock.Locker
	lockTTL       time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// WithCheckInterval sets how often scheduler checks for due recurring jobs
func WithCheckInterval(d time.Duration) SchedulerOption {
	return func(o *schedulerOptions) {
		if d > 0 {
			o.checkInterval = d
		}
	}
}

// WithSchedulerLocker makes each firing exclusive across scheduler instances.
func WithSchedulerLocker(l lock.Locker) SchedulerOption {
	return func(o *schedulerOptions) {
		o.locker = l
	}
}

// WithSchedulerLogger sets the logger for the scheduler
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(o *schedulerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSchedulerClock overrides time.Now.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(o *schedulerOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// SchedulerTaskOption is a functional option for configuring a scheduled task
type SchedulerTaskOption func(*Recurring)

// WithTaskQueue sets the queue for the scheduled task
func WithTaskQueue(queue string) SchedulerTaskOption {
	return func(r *Recurring) {
		if queue != "" {
			r.Queue = queue
		}
	}
}

// WithTaskPriority sets the priority for the scheduled task
func WithTaskPriority(priority Priority) SchedulerTaskOption {
	return func(r *Recurring) {
		if priority.Valid() {
			r.Priority = priority
		}
	}
}

// WithTaskMaxAttempts sets the max attempts for the scheduled task
func WithTaskMaxAttempts(n int) SchedulerTaskOption {
	return func(r *Recurring) {
		if n > 0 {
			r.MaxAttempts = n
			r.Retry.MaxAttempts = n
		}
	}
}

// WithTaskRetryPolicy sets the backoff policy for the scheduled task
func WithTaskRetryPolicy(p retry.Policy) SchedulerTaskOption {
	return func(r *Recurring) {
		r.Retry = p.Normalize()
		r.MaxAttempts = r.Retry.MaxAttempts
	}
}

// WithTaskTimeout bounds one execution of the scheduled task
func WithTaskTimeout(d time.Duration) SchedulerTaskOption {
	return func(r *Recurring) {
		if d > 0 {
			r.Timeout = d
		}
	}
}

// WithTaskTags tags every job the scheduled task creates
func WithTaskTags(tags ...string) SchedulerTaskOption {
	return func(r *Recurring) {
		r.Tags = append(r.Tags, tags...)
	}
}
