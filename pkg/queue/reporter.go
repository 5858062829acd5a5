package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/jobkit/pkg/lock"
	"github.com/dmitrymomot/jobkit/pkg/logger"
	"github.com/dmitrymomot/jobkit/pkg/retry"
)

// Reporter is handed to a running handler. It persists progress and log
// lines for the job, runs deferred cleanups and holds resource locks that
// are released when the attempt ends.
type Reporter struct {
	job      *Job
	workerID string
	repo     ProgressRepository
	locker   lock.Locker
	lockWait time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	progress float64
	cleanups []func(context.Context) error
	locks    []lock.Lock
}

func newReporter(job *Job, workerID string, repo ProgressRepository, locker lock.Locker, lockWait time.Duration, log *slog.Logger) *Reporter {
	return &Reporter{
		job:      job,
		workerID: workerID,
		repo:     repo,
		locker:   locker,
		lockWait: lockWait,
		progress: job.Progress,
		logger: log.With(
			logger.JobID(job.ID.String()),
			logger.TaskType(job.TaskType),
			logger.Queue(job.Queue),
			logger.Attempt(job.AttemptsMade+1),
		),
	}
}

// JobID returns the ID of the running job.
func (r *Reporter) JobID() uuid.UUID {
	return r.job.ID
}

// Attempt is the 1-based number of the running attempt.
func (r *Reporter) Attempt() int {
	return r.job.AttemptsMade + 1
}

// Job returns a copy of the job as it was claimed.
func (r *Reporter) Job() *Job {
	return r.job.Clone()
}

// Logger returns a logger carrying the job attributes.
func (r *Reporter) Logger() *slog.Logger {
	return r.logger
}

// Progress records completion in percent. Values are clamped to 0..100 and
// never move backwards within an attempt.
func (r *Reporter) Progress(ctx context.Context, percent float64) error {
	percent = clampPercent(percent)

	r.mu.Lock()
	if percent <= r.progress {
		r.mu.Unlock()
		return nil
	}
	r.progress = percent
	r.mu.Unlock()

	if err := r.repo.UpdateProgress(ctx, r.job.ID, r.workerID, percent); err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// Logf appends a formatted line to the job log.
func (r *Reporter) Logf(ctx context.Context, format string, args ...any) error {
	line := fmt.Sprintf(format, args...)
	if err := r.repo.AppendLog(ctx, r.job.ID, r.workerID, line); err != nil {
		return fmt.Errorf("failed to append job log: %w", err)
	}
	return nil
}

// Defer registers fn to run when the attempt ends, whatever the outcome.
// Deferred functions run in reverse registration order.
func (r *Reporter) Defer(fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.cleanups = append(r.cleanups, fn)
	r.mu.Unlock()
}

// Lock takes an exclusive lock on a resource for the rest of the attempt.
// When the resource stays busy it returns a rate-limited error, so returning
// it from the handler reschedules the job.
func (r *Reporter) Lock(ctx context.Context, key string, ttl time.Duration) error {
	if r.locker == nil {
		return ErrNoLocker
	}

	l, err := r.locker.AcquireBlocking(ctx, "resource:"+key, ttl, r.lockWait)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return retry.RateLimit(fmt.Errorf("%w: %s", ErrResourceLocked, key), ttl)
		}
		return fmt.Errorf("failed to lock resource %q: %w", key, err)
	}

	r.mu.Lock()
	r.locks = append(r.locks, l)
	r.mu.Unlock()
	return nil
}

// cleanup runs deferred functions LIFO, then releases held locks.
func (r *Reporter) cleanup(ctx context.Context) error {
	r.mu.Lock()
	cleanups := r.cleanups
	locks := r.locks
	r.cleanups, r.locks = nil, nil
	r.mu.Unlock()

	var errs []error
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := runCleanup(ctx, cleanups[i]); err != nil {
			errs = append(errs, err)
		}
	}

	for _, l := range locks {
		if _, err := r.locker.Release(ctx, l.Key, l.Token); err != nil {
			errs = append(errs, fmt.Errorf("failed to release lock %q: %w", l.Key, err))
		}
	}

	return errors.Join(errs...)
}

func runCleanup(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("cleanup panicked: %v", rec)
		}
	}()
	return fn(ctx)
}
