package pgstore

import (
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/jobkit/pkg/queue"
	"github.com/dmitrymomot/jobkit/pkg/retry"
)

const jobColumns = `id, queue, task_type, payload, priority, state, attempts_made, max_attempts,
	retry_policy, timeout_ms, tags, dedup_key, created_at, scheduled_at, started_at, finished_at,
	last_error, error_class, progress, log, result, worker_id, lease_until, stall_count,
	max_stalls, cancel_requested, recurring_id, retried_from`

const recurringColumns = `id, queue, task_type, payload, schedule, priority, max_attempts,
	retry_policy, timeout_ms, tags, max_stalls, next_run_at, last_run_at, last_job_id,
	created_at, updated_at`

func scanJob(row pgx.Row) (*queue.Job, error) {
	var (
		j                               queue.Job
		priority                        int16
		state, class                    string
		timeoutMS                       int64
		dedupKey, workerID, recurringID *string
	)

	err := row.Scan(
		&j.ID, &j.Queue, &j.TaskType, &j.Payload, &priority, &state, &j.AttemptsMade, &j.MaxAttempts,
		&j.Retry, &timeoutMS, &j.Tags, &dedupKey, &j.CreatedAt, &j.ScheduledAt, &j.StartedAt, &j.FinishedAt,
		&j.LastError, &class, &j.Progress, &j.Log, &j.Result, &workerID, &j.LeaseUntil, &j.StallCount,
		&j.MaxStalls, &j.CancelRequested, &recurringID, &j.RetriedFrom,
	)
	if err != nil {
		return nil, err
	}

	j.Priority = queue.Priority(priority)
	j.State = queue.State(state)
	j.ErrorClass = retry.Class(class)
	j.Timeout = time.Duration(timeoutMS) * time.Millisecond
	j.DedupKey = deref(dedupKey)
	j.WorkerID = deref(workerID)
	j.RecurringID = deref(recurringID)
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*queue.Job, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*queue.Job, error) {
		return scanJob(row)
	})
}

func scanRecurring(row pgx.Row) (*queue.Recurring, error) {
	var (
		r         queue.Recurring
		priority  int16
		timeoutMS int64
	)

	err := row.Scan(
		&r.ID, &r.Queue, &r.TaskType, &r.Payload, &r.Schedule, &priority, &r.MaxAttempts,
		&r.Retry, &timeoutMS, &r.Tags, &r.MaxStalls, &r.NextRunAt, &r.LastRunAt, &r.LastJobID,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Priority = queue.Priority(priority)
	r.Timeout = time.Duration(timeoutMS) * time.Millisecond
	return &r, nil
}

func scanAttempt(row pgx.CollectableRow) (queue.Attempt, error) {
	var (
		a       queue.Attempt
		class   string
		delayMS int64
	)
	if err := row.Scan(&a.Number, &a.WorkerID, &a.StartedAt, &a.FinishedAt, &a.Error, &class, &delayMS); err != nil {
		return a, err
	}
	a.Class = retry.Class(class)
	a.RetryDelay = time.Duration(delayMS) * time.Millisecond
	return a, nil
}

func scanDeadLetter(row pgx.CollectableRow) (queue.DeadLetter, error) {
	var (
		dl    queue.DeadLetter
		class string
	)
	err := row.Scan(&dl.ID, &dl.JobID, &dl.Queue, &dl.TaskType, &dl.Payload, &dl.Error, &class, &dl.AttemptsMade, &dl.FailedAt)
	dl.Class = retry.Class(class)
	return dl, err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// limitArg maps a non-positive limit to NULL, which LIMIT treats as none.
func limitArg(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}
