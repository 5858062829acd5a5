package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmitrymomot/jobkit/pkg/pg"
)

// DB is the subset of *pgxpool.Pool the Postgres locker needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	acquireSQL = `
INSERT INTO jobkit_locks (key, token, acquired_at, expires_at)
VALUES ($1, $2, now(), now() + $3::bigint * interval '1 millisecond')
ON CONFLICT (key) DO UPDATE
	SET token = EXCLUDED.token,
	    acquired_at = EXCLUDED.acquired_at,
	    expires_at = EXCLUDED.expires_at
	WHERE jobkit_locks.expires_at <= now()
RETURNING acquired_at`

	releaseSQL = `DELETE FROM jobkit_locks WHERE key = $1 AND token = $2 RETURNING expires_at > now()`
)

// Postgres is a Locker backed by the jobkit_locks table. An expired row is
// taken over by the next acquirer in the same statement.
type Postgres struct {
	db   DB
	opts *options
}

// NewPostgres returns a locker using db. The jobkit_locks table must exist.
func NewPostgres(db DB, opts ...Option) *Postgres {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Postgres{db: db, opts: o}
}

func (p *Postgres) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	if err := validate(key, ttl); err != nil {
		return Lock{}, err
	}

	token := newToken()
	var acquiredAt time.Time
	err := p.db.QueryRow(ctx, acquireSQL, p.opts.prefix+key, token, ttl.Milliseconds()).Scan(&acquiredAt)
	if pg.IsNotFoundError(err) {
		return Lock{}, ErrNotAcquired
	}
	if err != nil {
		return Lock{}, fmt.Errorf("acquire lock %q: %w", key, err)
	}

	return Lock{Key: key, Token: token, AcquiredAt: acquiredAt, TTL: ttl}, nil
}

func (p *Postgres) AcquireBlocking(ctx context.Context, key string, ttl, timeout time.Duration) (Lock, error) {
	return acquireBlocking(ctx, func(ctx context.Context) (Lock, error) {
		return p.Acquire(ctx, key, ttl)
	}, timeout, p.opts.pollInterval)
}

func (p *Postgres) Release(ctx context.Context, key, token string) (bool, error) {
	var live bool
	err := p.db.QueryRow(ctx, releaseSQL, p.opts.prefix+key, token).Scan(&live)
	if pg.IsNotFoundError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("release lock %q: %w", key, err)
	}
	return live, nil
}
