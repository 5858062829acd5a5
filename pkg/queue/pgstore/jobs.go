package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmitrymomot/jobkit/pkg/pg"
	"github.com/dmitrymomot/jobkit/pkg/queue"
	"github.com/dmitrymomot/jobkit/pkg/retry"
)

const (
	dedupIndex  = "jobkit_jobs_dedup_idx"
	maxLogLines = 1000
)

// Enqueue implements queue.EnqueuerRepository. The job is stored as delayed
// when its scheduled time is still ahead of the database clock.
func (s *Store) Enqueue(ctx context.Context, job *queue.Job) error {
	if job == nil {
		return errors.New("job cannot be nil")
	}
	if job.TaskType == "" {
		return queue.ErrEmptyTaskType
	}
	if job.Queue == "" {
		job.Queue = queue.DefaultQueueName
	}

	var state string
	err := s.db.QueryRow(ctx, `
		INSERT INTO jobkit_jobs (
			id, queue, task_type, payload, priority, state, attempts_made, max_attempts,
			retry_policy, timeout_ms, tags, dedup_key, created_at, scheduled_at,
			max_stalls, recurring_id, retried_from
		)
		VALUES (
			$1, $2, $3, $4, $5,
			CASE WHEN GREATEST(COALESCE($13::timestamptz, now()), COALESCE($12::timestamptz, now())) > now()
				THEN 'delayed' ELSE 'waiting' END,
			$6, $7, $8, $9, $10, $11,
			COALESCE($12::timestamptz, now()),
			GREATEST(COALESCE($13::timestamptz, now()), COALESCE($12::timestamptz, now())),
			$14, $15, $16
		)
		RETURNING state, created_at, scheduled_at`,
		job.ID, job.Queue, job.TaskType, job.Payload, int16(job.Priority),
		job.AttemptsMade, job.MaxAttempts, job.Retry, job.Timeout.Milliseconds(), job.Tags,
		nullString(job.DedupKey), nullTime(job.CreatedAt), nullTime(job.ScheduledAt),
		job.MaxStalls, nullString(job.RecurringID), job.RetriedFrom,
	).Scan(&state, &job.CreatedAt, &job.ScheduledAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			if constraintName(err) == dedupIndex {
				return queue.ErrDuplicateJob
			}
			return fmt.Errorf("%w: %s", queue.ErrJobExists, job.ID)
		}
		return fmt.Errorf("pgstore: enqueue job: %w", err)
	}

	job.State = queue.State(state)
	return nil
}

// FindByDedupKey implements queue.EnqueuerRepository.
func (s *Store) FindByDedupKey(ctx context.Context, taskType, key string) (*queue.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobkit_jobs
		WHERE task_type = $1 AND dedup_key = $2 AND state IN ('waiting', 'delayed', 'active')
		LIMIT 1`,
		taskType, key,
	))
	if pg.IsNotFoundError(err) {
		return nil, queue.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: find by dedup key: %w", err)
	}
	return job, nil
}

// Get implements queue.InspectorRepository. It is the only read that loads
// the attempt history.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*queue.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobkit_jobs WHERE id = $1`, id))
	if pg.IsNotFoundError(err) {
		return nil, queue.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get job: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT number, worker_id, started_at, finished_at, error, class, retry_delay_ms
		FROM jobkit_attempts
		WHERE job_id = $1
		ORDER BY number`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore: get attempts: %w", err)
	}
	job.Attempts, err = pgx.CollectRows(rows, scanAttempt)
	if err != nil {
		return nil, fmt.Errorf("pgstore: get attempts: %w", err)
	}
	return job, nil
}

// List implements queue.InspectorRepository. Newest jobs come first.
func (s *Store) List(ctx context.Context, f queue.Filter) ([]*queue.Job, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Queue != "" {
		where = append(where, "queue = "+arg(f.Queue))
	}
	if f.TaskType != "" {
		where = append(where, "task_type = "+arg(f.TaskType))
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		where = append(where, "state = ANY("+arg(states)+")")
	}

	query := `SELECT ` + jobColumns + ` FROM jobkit_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	query += " LIMIT " + arg(limitArg(f.Limit))
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list jobs: %w", err)
	}
	return jobs, nil
}

// ClaimNext implements queue.WorkerRepository.
func (s *Store) ClaimNext(ctx context.Context, req queue.ClaimRequest) (*queue.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `
		UPDATE jobkit_jobs
		SET state = 'active',
			worker_id = $3,
			lease_until = now() + $4::bigint * interval '1 millisecond',
			started_at = now()
		WHERE id = (
			SELECT id FROM jobkit_jobs
			WHERE state = 'waiting'
			  AND queue = $1
			  AND scheduled_at <= now()
			  AND (COALESCE(cardinality($2::text[]), 0) = 0 OR task_type = ANY($2::text[]))
			  AND NOT EXISTS (SELECT 1 FROM jobkit_paused_queues p WHERE p.queue = $1)
			ORDER BY priority DESC, scheduled_at ASC, created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		req.Queue, req.TaskTypes, req.WorkerID, req.Lease.Milliseconds(),
	))
	if pg.IsNotFoundError(err) {
		return nil, queue.ErrNoJobToClaim
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: claim job: %w", err)
	}
	return job, nil
}

// ExtendLease implements queue.WorkerRepository.
func (s *Store) ExtendLease(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) (bool, error) {
	var cancelRequested bool
	err := s.db.QueryRow(ctx, `
		UPDATE jobkit_jobs
		SET lease_until = now() + $3::bigint * interval '1 millisecond'
		WHERE id = $1 AND state = 'active' AND worker_id = $2
		RETURNING cancel_requested`,
		id, workerID, lease.Milliseconds(),
	).Scan(&cancelRequested)
	if pg.IsNotFoundError(err) {
		return false, s.leaseError(ctx, id)
	}
	if err != nil {
		return false, fmt.Errorf("pgstore: extend lease: %w", err)
	}
	return cancelRequested, nil
}

// UpdateProgress implements queue.ProgressRepository.
func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, workerID string, percent float64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobkit_jobs
		SET progress = GREATEST(progress, $3)
		WHERE id = $1 AND state = 'active' AND worker_id = $2`,
		id, workerID, min(max(percent, 0), 100),
	)
	if err != nil {
		return fmt.Errorf("pgstore: update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.leaseError(ctx, id)
	}
	return nil
}

// AppendLog implements queue.ProgressRepository. Only the newest lines are kept.
func (s *Store) AppendLog(ctx context.Context, id uuid.UUID, workerID string, lines ...string) error {
	if len(lines) == 0 {
		return nil
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE jobkit_jobs
		SET log = (COALESCE(log, '{}') || $3::text[])[
			GREATEST(COALESCE(cardinality(log), 0) + cardinality($3::text[]) - $4 + 1, 1):
		]
		WHERE id = $1 AND state = 'active' AND worker_id = $2`,
		id, workerID, lines, maxLogLines,
	)
	if err != nil {
		return fmt.Errorf("pgstore: append log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.leaseError(ctx, id)
	}
	return nil
}

// Complete implements queue.WorkerRepository.
func (s *Store) Complete(ctx context.Context, id uuid.UUID, workerID string, result json.RawMessage) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		o, err := lockOwned(ctx, tx, id, workerID)
		if err != nil {
			return err
		}
		if err := recordAttempt(ctx, tx, id, o, queue.Failure{}, 0); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE jobkit_jobs
			SET state = 'completed', result = $2, progress = 100, finished_at = now()
			WHERE id = $1`,
			id, result,
		)
		if err != nil {
			return fmt.Errorf("pgstore: complete job: %w", err)
		}
		return nil
	})
}

// RetryLater implements queue.WorkerRepository. A job that has used up its
// attempts is failed instead.
func (s *Store) RetryLater(ctx context.Context, id uuid.UUID, workerID string, delay time.Duration, f queue.Failure) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		o, err := lockOwned(ctx, tx, id, workerID)
		if err != nil {
			return err
		}

		if o.attemptsMade+1 >= o.maxAttempts {
			if err := recordAttempt(ctx, tx, id, o, f, 0); err != nil {
				return err
			}
			return s.failTx(ctx, tx, id, o.queue, f)
		}

		delay = max(delay, 0)
		if err := recordAttempt(ctx, tx, id, o, f, delay); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE jobkit_jobs
			SET state = CASE WHEN $4::bigint > 0 THEN 'delayed' ELSE 'waiting' END,
				last_error = $2,
				error_class = $3,
				started_at = NULL,
				progress = 0,
				scheduled_at = now() + $4::bigint * interval '1 millisecond'
			WHERE id = $1`,
			id, f.Error, string(f.Class), delay.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("pgstore: reschedule job: %w", err)
		}
		return nil
	})
}

// Fail implements queue.WorkerRepository.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, workerID string, f queue.Failure) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		o, err := lockOwned(ctx, tx, id, workerID)
		if err != nil {
			return err
		}
		if err := recordAttempt(ctx, tx, id, o, f, 0); err != nil {
			return err
		}
		return s.failTx(ctx, tx, id, o.queue, f)
	})
}

// Cancel implements queue.InspectorRepository.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	var canceled bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var state, q string
		err := tx.QueryRow(ctx, `SELECT state, queue FROM jobkit_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&state, &q)
		if pg.IsNotFoundError(err) {
			return queue.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("pgstore: cancel job: %w", err)
		}

		switch queue.State(state) {
		case queue.StateWaiting, queue.StateDelayed:
			canceled = true
			return s.failTx(ctx, tx, id, q, queue.Failure{Error: retry.ErrCanceled.Error(), Class: retry.ClassCanceled})
		case queue.StateActive:
			if _, err := tx.Exec(ctx, `UPDATE jobkit_jobs SET cancel_requested = true WHERE id = $1`, id); err != nil {
				return fmt.Errorf("pgstore: request cancel: %w", err)
			}
		}
		return nil
	})
	return canceled, err
}

type ownedJob struct {
	queue        string
	workerID     string
	attemptsMade int
	maxAttempts  int
	startedAt    *time.Time
}

// lockOwned row-locks the job and checks that workerID holds its lease.
func lockOwned(ctx context.Context, tx pgx.Tx, id uuid.UUID, workerID string) (ownedJob, error) {
	var (
		o     ownedJob
		state string
	)
	err := tx.QueryRow(ctx, `
		SELECT queue, state, COALESCE(worker_id, ''), attempts_made, max_attempts, started_at
		FROM jobkit_jobs
		WHERE id = $1
		FOR UPDATE`,
		id,
	).Scan(&o.queue, &state, &o.workerID, &o.attemptsMade, &o.maxAttempts, &o.startedAt)
	if pg.IsNotFoundError(err) {
		return o, queue.ErrJobNotFound
	}
	if err != nil {
		return o, fmt.Errorf("pgstore: lock job: %w", err)
	}
	if queue.State(state) != queue.StateActive || o.workerID != workerID {
		return o, queue.ErrLeaseLost
	}
	return o, nil
}

// recordAttempt appends the attempt row, counts it on the job and drops the
// lease.
func recordAttempt(ctx context.Context, tx pgx.Tx, id uuid.UUID, o ownedJob, f queue.Failure, delay time.Duration) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO jobkit_attempts (
			job_id, number, worker_id, started_at, finished_at, error, class, retry_delay_ms, queue
		) VALUES ($1, $2, $3, COALESCE($4, now()), now(), $5, $6, $7, $8)`,
		id, o.attemptsMade+1, o.workerID, o.startedAt, f.Error, string(f.Class), delay.Milliseconds(), o.queue,
	)
	if err != nil {
		return fmt.Errorf("pgstore: record attempt: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE jobkit_jobs
		SET attempts_made = attempts_made + 1, worker_id = NULL, lease_until = NULL
		WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("pgstore: count attempt: %w", err)
	}
	return nil
}

// failTx moves the job to failed and, unless it was canceled, writes a dead
// letter and trims the queue's dead letters to the limit.
func (s *Store) failTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, q string, f queue.Failure) error {
	_, err := tx.Exec(ctx, `
		WITH failed AS (
			UPDATE jobkit_jobs
			SET state = 'failed', last_error = $2, error_class = $3, finished_at = now(),
				worker_id = NULL, lease_until = NULL
			WHERE id = $1
			RETURNING id, queue, task_type, payload, attempts_made
		)
		INSERT INTO jobkit_dead_letters (id, job_id, queue, task_type, payload, error, class, attempts_made, failed_at)
		SELECT $4::uuid, id, queue, task_type, payload, $2, $3, attempts_made, now()
		FROM failed
		WHERE $5::boolean`,
		id, f.Error, string(f.Class), uuid.New(), f.Class != retry.ClassCanceled,
	)
	if err != nil {
		return fmt.Errorf("pgstore: fail job: %w", err)
	}
	if f.Class == retry.ClassCanceled {
		return nil
	}
	return s.trimDeadLetters(ctx, tx, q)
}

func (s *Store) trimDeadLetters(ctx context.Context, q querier, queueName string) error {
	_, err := q.Exec(ctx, `
		DELETE FROM jobkit_dead_letters
		WHERE id IN (
			SELECT id FROM jobkit_dead_letters
			WHERE queue = $1
			ORDER BY failed_at DESC
			OFFSET $2
		)`,
		queueName, s.deadLetterLimit,
	)
	if err != nil {
		return fmt.Errorf("pgstore: trim dead letters: %w", err)
	}
	return nil
}

// leaseError tells a missing job apart from one the caller no longer owns.
func (s *Store) leaseError(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobkit_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("pgstore: check job: %w", err)
	}
	if !exists {
		return queue.ErrJobNotFound
	}
	return queue.ErrLeaseLost
}

func constraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}
