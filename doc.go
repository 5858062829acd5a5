// Package jobkit is a distributed, at-least-once background job engine.
//
// Producers submit typed jobs to named queues. Workers claim them under a
// lease, report progress and log lines while they run, and finish them as
// completed, retried later with backoff, or failed into a dead-letter list.
// Failures are classified by pkg/retry: retryable and rate-limited errors
// are retried, permanent and validation errors fail the job at once.
// Distributed locks (pkg/lock) keep duplicate submissions out and let a
// handler hold a per-resource lock. Multi-step jobs can roll back executed
// steps through pkg/compensation. A health monitor (pkg/health) classifies
// each queue and raises alerts (pkg/alert) when one turns critical.
//
// Engine wires all of it from a Config:
//
//	cfg, err := jobkit.LoadConfig()
//	if err != nil {
//		return err
//	}
//	engine, err := jobkit.Open(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer engine.Close()
//
//	engine.RegisterHandler(queue.NewTaskHandler(func(ctx context.Context, p ResizeImage, r *queue.Reporter) error {
//		_ = r.Progress(ctx, 50)
//		return resize(ctx, p)
//	}))
//
//	id, err := engine.Enqueue(ctx, ResizeImage{URL: url}, queue.WithDedupKey(url))
//
//	// Blocks until ctx is done.
//	return engine.Run(ctx)
//
// With JOBKIT_BACKEND=postgres jobs live in PostgreSQL (pkg/queue/pgstore)
// and any number of processes can share them. JOBKIT_LOCK_BACKEND selects
// memory, redis or postgres locks.
package jobkit
