package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/jobkit/pkg/pg"
	"github.com/dmitrymomot/jobkit/pkg/queue"
)

// UpsertRecurring implements queue.EnqueuerRepository. The firing history of
// an existing definition is kept.
func (s *Store) UpsertRecurring(ctx context.Context, r *queue.Recurring) error {
	if r == nil || r.ID == "" {
		return errors.New("recurring job must have an id")
	}
	if r.Queue == "" {
		r.Queue = queue.DefaultQueueName
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO jobkit_recurring (
			id, queue, task_type, payload, schedule, priority, max_attempts,
			retry_policy, timeout_ms, tags, max_stalls, next_run_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			queue = EXCLUDED.queue,
			task_type = EXCLUDED.task_type,
			payload = EXCLUDED.payload,
			schedule = EXCLUDED.schedule,
			priority = EXCLUDED.priority,
			max_attempts = EXCLUDED.max_attempts,
			retry_policy = EXCLUDED.retry_policy,
			timeout_ms = EXCLUDED.timeout_ms,
			tags = EXCLUDED.tags,
			max_stalls = EXCLUDED.max_stalls,
			next_run_at = EXCLUDED.next_run_at,
			updated_at = now()`,
		r.ID, r.Queue, r.TaskType, r.Payload, r.Schedule, int16(r.Priority), r.MaxAttempts,
		r.Retry, r.Timeout.Milliseconds(), r.Tags, r.MaxStalls, r.NextRunAt,
	)
	if err != nil {
		return fmt.Errorf("pgstore: upsert recurring: %w", err)
	}
	return nil
}

// ListRecurring implements queue.SchedulerRepository.
func (s *Store) ListRecurring(ctx context.Context) ([]queue.Recurring, error) {
	rows, err := s.db.Query(ctx, `SELECT `+recurringColumns+` FROM jobkit_recurring ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list recurring: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (queue.Recurring, error) {
		r, err := scanRecurring(row)
		if err != nil {
			return queue.Recurring{}, err
		}
		return *r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: list recurring: %w", err)
	}
	return out, nil
}

// GetRecurring implements queue.SchedulerRepository.
func (s *Store) GetRecurring(ctx context.Context, id string) (*queue.Recurring, error) {
	r, err := scanRecurring(s.db.QueryRow(ctx, `SELECT `+recurringColumns+` FROM jobkit_recurring WHERE id = $1`, id))
	if pg.IsNotFoundError(err) {
		return nil, queue.ErrRecurringNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get recurring: %w", err)
	}
	return r, nil
}

// DeleteRecurring implements queue.SchedulerRepository.
func (s *Store) DeleteRecurring(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM jobkit_recurring WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("pgstore: delete recurring: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrRecurringNotFound
	}
	return nil
}

// MarkRecurringFired implements queue.SchedulerRepository.
func (s *Store) MarkRecurringFired(ctx context.Context, id string, jobID *uuid.UUID, firedAt, next time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobkit_recurring
		SET last_run_at = $2,
			next_run_at = $3,
			last_job_id = COALESCE($4, last_job_id),
			updated_at = now()
		WHERE id = $1`,
		id, firedAt, next, jobID,
	)
	if err != nil {
		return fmt.Errorf("pgstore: mark recurring fired: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrRecurringNotFound
	}
	return nil
}
