package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EnqueuerRepository is what the Enqueuer needs from a store.
type EnqueuerRepository interface {
	// Enqueue stores a new job. It returns ErrDuplicateJob when a
	// non-terminal job with the same task type and dedup key exists.
	Enqueue(ctx context.Context, job *Job) error

	// FindByDedupKey returns the non-terminal job holding the key.
	FindByDedupKey(ctx context.Context, taskType, key string) (*Job, error)

	Get(ctx context.Context, id uuid.UUID) (*Job, error)

	// UpsertRecurring creates or replaces a recurring definition by ID.
	UpsertRecurring(ctx context.Context, r *Recurring) error
}

// ProgressRepository persists what a running handler reports.
type ProgressRepository interface {
	// UpdateProgress raises the job's progress. Lower values are ignored.
	UpdateProgress(ctx context.Context, id uuid.UUID, workerID string, percent float64) error

	AppendLog(ctx context.Context, id uuid.UUID, workerID string, lines ...string) error
}

// WorkerRepository is what the Worker needs from a store. Every call after
// ClaimNext fails with ErrLeaseLost once workerID no longer owns the job.
type WorkerRepository interface {
	ProgressRepository

	// ClaimNext atomically moves the best waiting job to active. Jobs are
	// ordered by priority descending, then scheduled time ascending. Paused
	// queues yield ErrNoJobToClaim.
	ClaimNext(ctx context.Context, req ClaimRequest) (*Job, error)

	// ExtendLease pushes the lease forward and reports whether cancellation
	// was requested.
	ExtendLease(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) (bool, error)

	Complete(ctx context.Context, id uuid.UUID, workerID string, result json.RawMessage) error

	// RetryLater records the failed attempt and reschedules the job as
	// delayed for now+delay.
	RetryLater(ctx context.Context, id uuid.UUID, workerID string, delay time.Duration, f Failure) error

	// Fail records the failed attempt, moves the job to failed and appends
	// a dead letter unless the failure class is canceled.
	Fail(ctx context.Context, id uuid.UUID, workerID string, f Failure) error
}

// SchedulerRepository is what the Scheduler needs from a store.
type SchedulerRepository interface {
	Enqueue(ctx context.Context, job *Job) error
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	ListRecurring(ctx context.Context) ([]Recurring, error)
	GetRecurring(ctx context.Context, id string) (*Recurring, error)
	UpsertRecurring(ctx context.Context, r *Recurring) error
	DeleteRecurring(ctx context.Context, id string) error

	// MarkRecurringFired records a firing. jobID is nil for skipped runs.
	MarkRecurringFired(ctx context.Context, id string, jobID *uuid.UUID, firedAt, next time.Time) error
}

// MaintenanceRepository holds the periodic sweeps.
type MaintenanceRepository interface {
	// PromoteDelayed moves due delayed jobs to waiting.
	PromoteDelayed(ctx context.Context) (int, error)

	// RequeueStalled returns active jobs with an expired lease to waiting
	// without counting an attempt. Jobs past their stall limit fail with
	// class stalled.
	RequeueStalled(ctx context.Context) (StallReport, error)

	// Purge deletes terminal jobs outside the retention bounds.
	Purge(ctx context.Context, r Retention) (int, error)

	Get(ctx context.Context, id uuid.UUID) (*Job, error)
}

// InspectorRepository serves status queries and operator actions.
type InspectorRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	List(ctx context.Context, f Filter) ([]*Job, error)

	// Cancel fails a waiting or delayed job and returns true. For an active
	// job it only sets CancelRequested and returns false.
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)

	DeadLetters(ctx context.Context, queue string, limit int) ([]DeadLetter, error)

	Pause(ctx context.Context, queue string) error
	Resume(ctx context.Context, queue string) error
	IsPaused(ctx context.Context, queue string) (bool, error)

	// Stats counts jobs by state and summarizes attempts finished since.
	Stats(ctx context.Context, queue string, since time.Time) (Stats, error)
}

// Store is implemented by every job store backend.
type Store interface {
	EnqueuerRepository
	WorkerRepository
	SchedulerRepository
	MaintenanceRepository
	InspectorRepository
}
