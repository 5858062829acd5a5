// Package pgstore is the PostgreSQL backend of queue.Store.
//
// Jobs, attempts, dead letters, paused queues, recurring definitions and
// resource locks live in jobkit_* tables created by Migrate. Workers claim
// with UPDATE ... FOR UPDATE SKIP LOCKED, so any number of processes can
// share one database. Deduplication is enforced by a partial unique index
// over (task_type, dedup_key) for non-terminal jobs.
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	if err := pgstore.Migrate(ctx, pool, log); err != nil {
//	    return err
//	}
//	store := pgstore.New(pool, pgstore.WithLogger(log))
package pgstore
