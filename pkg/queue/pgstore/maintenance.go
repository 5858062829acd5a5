package pgstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/jobkit/pkg/logger"
	"github.com/dmitrymomot/jobkit/pkg/queue"
	"github.com/dmitrymomot/jobkit/pkg/retry"
)

// PromoteDelayed implements queue.MaintenanceRepository.
func (s *Store) PromoteDelayed(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobkit_jobs
		SET state = 'waiting'
		WHERE state = 'delayed' AND scheduled_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("pgstore: promote delayed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RequeueStalled implements queue.MaintenanceRepository.
func (s *Store) RequeueStalled(ctx context.Context) (queue.StallReport, error) {
	var report queue.StallReport
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		report = queue.StallReport{}

		rows, err := tx.Query(ctx, `
			UPDATE jobkit_jobs
			SET stall_count = stall_count + 1,
				state = 'failed',
				last_error = $1,
				error_class = $2,
				finished_at = now(),
				worker_id = NULL,
				lease_until = NULL
			WHERE state = 'active' AND lease_until < now() AND stall_count + 1 > max_stalls
			RETURNING id, queue`,
			retry.ErrStalled.Error(), string(retry.ClassStalled),
		)
		if err != nil {
			return fmt.Errorf("pgstore: fail stalled: %w", err)
		}

		type stalled struct {
			id    uuid.UUID
			queue string
		}
		failed, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (stalled, error) {
			var st stalled
			err := row.Scan(&st.id, &st.queue)
			return st, err
		})
		if err != nil {
			return fmt.Errorf("pgstore: fail stalled: %w", err)
		}

		queues := make(map[string]struct{})
		for _, st := range failed {
			_, err := tx.Exec(ctx, `
				INSERT INTO jobkit_dead_letters (id, job_id, queue, task_type, payload, error, class, attempts_made, failed_at)
				SELECT $1::uuid, id, queue, task_type, payload, last_error, error_class, attempts_made, now()
				FROM jobkit_jobs
				WHERE id = $2`,
				uuid.New(), st.id,
			)
			if err != nil {
				return fmt.Errorf("pgstore: dead letter stalled: %w", err)
			}
			report.Failed = append(report.Failed, st.id)
			queues[st.queue] = struct{}{}
		}
		for q := range queues {
			if err := s.trimDeadLetters(ctx, tx, q); err != nil {
				return err
			}
		}

		rows, err = tx.Query(ctx, `
			UPDATE jobkit_jobs
			SET stall_count = stall_count + 1,
				state = 'waiting',
				worker_id = NULL,
				lease_until = NULL,
				started_at = NULL,
				progress = 0,
				cancel_requested = false
			WHERE state = 'active' AND lease_until < now()
			RETURNING id`)
		if err != nil {
			return fmt.Errorf("pgstore: requeue stalled: %w", err)
		}
		report.Requeued, err = pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return fmt.Errorf("pgstore: requeue stalled: %w", err)
		}
		return nil
	})
	if err != nil {
		return queue.StallReport{}, err
	}

	if n := len(report.Requeued) + len(report.Failed); n > 0 {
		s.log.DebugContext(ctx, "stalled jobs swept",
			logger.Component("pgstore"),
			slog.Int("requeued", len(report.Requeued)),
			slog.Int("failed", len(report.Failed)),
		)
	}
	return report, nil
}

// Purge implements queue.MaintenanceRepository.
func (s *Store) Purge(ctx context.Context, r queue.Retention) (int, error) {
	var removed int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		removed = 0

		if r.MaxAge > 0 {
			tag, err := tx.Exec(ctx, `
				DELETE FROM jobkit_jobs
				WHERE state IN ('completed', 'failed')
				  AND finished_at < now() - $1::bigint * interval '1 millisecond'`,
				r.MaxAge.Milliseconds(),
			)
			if err != nil {
				return fmt.Errorf("pgstore: purge by age: %w", err)
			}
			removed += tag.RowsAffected()
		}

		for state, limit := range map[queue.State]int{
			queue.StateCompleted: r.MaxCompleted,
			queue.StateFailed:    r.MaxFailed,
		} {
			if limit <= 0 {
				continue
			}
			tag, err := tx.Exec(ctx, `
				DELETE FROM jobkit_jobs
				WHERE id IN (
					SELECT id FROM (
						SELECT id, row_number() OVER (
							PARTITION BY queue ORDER BY COALESCE(finished_at, created_at) DESC
						) AS rn
						FROM jobkit_jobs
						WHERE state = $1
					) ranked
					WHERE rn > $2
				)`,
				string(state), limit,
			)
			if err != nil {
				return fmt.Errorf("pgstore: purge %s: %w", state, err)
			}
			removed += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

// DeadLetters implements queue.InspectorRepository. Newest entries come
// first; an empty queue name lists all queues.
func (s *Store) DeadLetters(ctx context.Context, queueName string, limit int) ([]queue.DeadLetter, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, job_id, queue, task_type, payload, error, class, attempts_made, failed_at
		FROM jobkit_dead_letters
		WHERE $1 = '' OR queue = $1
		ORDER BY failed_at DESC
		LIMIT $2`,
		queueName, limitArg(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list dead letters: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanDeadLetter)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list dead letters: %w", err)
	}
	return out, nil
}

// Pause implements queue.InspectorRepository.
func (s *Store) Pause(ctx context.Context, queueName string) error {
	_, err := s.db.Exec(ctx, `INSERT INTO jobkit_paused_queues (queue) VALUES ($1) ON CONFLICT (queue) DO NOTHING`, queueName)
	if err != nil {
		return fmt.Errorf("pgstore: pause queue: %w", err)
	}
	return nil
}

// Resume implements queue.InspectorRepository.
func (s *Store) Resume(ctx context.Context, queueName string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM jobkit_paused_queues WHERE queue = $1`, queueName); err != nil {
		return fmt.Errorf("pgstore: resume queue: %w", err)
	}
	return nil
}

// IsPaused implements queue.InspectorRepository.
func (s *Store) IsPaused(ctx context.Context, queueName string) (bool, error) {
	var paused bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobkit_paused_queues WHERE queue = $1)`, queueName).Scan(&paused)
	if err != nil {
		return false, fmt.Errorf("pgstore: check paused: %w", err)
	}
	return paused, nil
}

// Stats implements queue.InspectorRepository.
func (s *Store) Stats(ctx context.Context, queueName string, since time.Time) (queue.Stats, error) {
	st := queue.Stats{Queue: queueName, Since: since}

	err := s.db.QueryRow(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM jobkit_paused_queues WHERE queue = $1),
			count(*) FILTER (WHERE state = 'waiting'),
			count(*) FILTER (WHERE state = 'delayed'),
			count(*) FILTER (WHERE state = 'active'),
			count(*) FILTER (WHERE state = 'completed'),
			count(*) FILTER (WHERE state = 'failed')
		FROM jobkit_jobs
		WHERE queue = $1`,
		queueName,
	).Scan(&st.Paused, &st.Waiting, &st.Delayed, &st.Active, &st.Completed, &st.Failed)
	if err != nil {
		return st, fmt.Errorf("pgstore: count jobs: %w", err)
	}

	var avgSeconds float64
	err = s.db.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE class <> ''),
			COALESCE(avg(EXTRACT(EPOCH FROM finished_at - started_at)), 0)::float8
		FROM jobkit_attempts
		WHERE queue = $1 AND finished_at >= $2`,
		queueName, since,
	).Scan(&st.Finished, &st.FailedAttempts, &avgSeconds)
	if err != nil {
		return st, fmt.Errorf("pgstore: summarize attempts: %w", err)
	}
	st.AvgProcessing = time.Duration(avgSeconds * float64(time.Second))
	return st, nil
}
