// Package pg holds the PostgreSQL plumbing shared by the job store and the
// lock backend: a retrying pgxpool connector, goose migrations applied from an
// embedded filesystem, a health probe and helpers that classify pgx errors.
//
// Configuration is read from the environment:
//
//	var cfg pg.Config
//	if err := config.Load(&cfg); err != nil {
//	    return err
//	}
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, migrations, "migrations", cfg.MigrationsTable, log); err != nil {
//	    return err
//	}
package pg
