// Package queue provides a repository-agnostic, at-least-once job queue with
// immediate, delayed, deduplicated, batched and recurring submission.
//
// The package is organised around four components:
//
//   - Enqueuer: submits jobs, deduplicates by key and registers cron definitions
//   - Worker: claims jobs per task type and dispatches them to a Handler
//   - Scheduler: turns recurring definitions into jobs when they come due
//   - Sweeper: promotes delayed jobs, requeues stalled leases, purges old jobs
//
// Components talk to persistence through small repository interfaces. Store
// composes them; MemoryStorage implements it in process and the pgstore
// subpackage implements it on PostgreSQL.
//
// # Job lifecycle
//
// A job is waiting or delayed after submission, active while a worker holds
// its lease, and completed or failed at the end. Terminal jobs never change
// state again; a failed job is retried by resubmitting a copy. AttemptsMade
// grows when an attempt finishes, never on claim and never when a stalled
// lease is requeued.
//
// # Usage
//
//	type SendEmail struct {
//	    UserID int64
//	}
//
//	store := queue.NewMemoryStorage()
//	e, _ := queue.NewEnqueuer(store)
//	id, err := e.Enqueue(ctx, SendEmail{UserID: 42},
//	    queue.WithDelay(time.Minute),
//	    queue.WithDedupKey("welcome-42"),
//	)
//
//	w, _ := queue.NewWorker(store)
//	_ = w.RegisterHandler(queue.NewTaskHandler(func(ctx context.Context, p SendEmail, r *queue.Reporter) error {
//	    _ = r.Progress(ctx, 50)
//	    return send(ctx, p)
//	}), queue.WithConcurrency(4))
//
//	s, _ := queue.NewScheduler(store)
//	_ = s.AddTask(ctx, "cleanup_sessions", queue.DailyAt(2, 0))
//
// Handlers classify their errors with the retry package; unclassified errors
// are retried with the job's backoff policy.
//
// # Error Handling
//
// Package-level sentinel errors (e.g. ErrInvalidPriority, ErrLeaseLost) can be
// checked with errors.Is.
package queue
