package pgstore

import (
	"context"
	"embed"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/jobkit/pkg/logger"
	"github.com/dmitrymomot/jobkit/pkg/pg"
	"github.com/dmitrymomot/jobkit/pkg/queue"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationsTable is the goose version table used by Migrate.
const MigrationsTable = "jobkit_schema_migrations"

const defaultDeadLetterLimit = 1000

var _ queue.Store = (*Store)(nil)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is a queue.Store on PostgreSQL. Claims use FOR UPDATE SKIP LOCKED so
// any number of workers can poll the same table. Timestamps come from the
// database clock.
type Store struct {
	db              DB
	log             *slog.Logger
	deadLetterLimit int
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithDeadLetterLimit bounds the dead letters kept per queue.
func WithDeadLetterLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.deadLetterLimit = n
		}
	}
}

// New returns a store over db. Run Migrate before first use.
func New(db DB, opts ...Option) *Store {
	s := &Store{
		db:              db,
		log:             slog.Default(),
		deadLetterLimit: defaultDeadLetterLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates or upgrades the jobkit tables, including jobkit_locks used
// by the Postgres locker.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger) error {
	return pg.Migrate(ctx, pool, migrationsFS, "migrations", MigrationsTable, log)
}

// txAttempts bounds how often inTx reruns a transaction Postgres aborted.
const txAttempts = 3

// inTx runs fn in a transaction and reruns it on serialization failures and
// deadlocks. fn must reset any state it captures.
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= txAttempts; attempt++ {
		err = pgx.BeginFunc(ctx, s.db, fn)
		if err == nil || !pg.IsSerializationError(err) {
			return err
		}
		s.log.DebugContext(ctx, "pgstore: transaction aborted, retrying",
			slog.Int("attempt", attempt),
			logger.Error(err))
	}
	return err
}
