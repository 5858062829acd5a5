package jobkit

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"

	"github.com/dmitrymomot/jobkit/pkg/alert"
	"github.com/dmitrymomot/jobkit/pkg/lock"
	"github.com/dmitrymomot/jobkit/pkg/queue"
)

// Option overrides what Open would otherwise build from Config.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	store    queue.Store
	locker   lock.Locker
	pool     *pgxpool.Pool
	redis    goredis.UniversalClient
	notifier alert.Notifier
	meter    metric.Meter
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithStore uses s instead of the configured backend.
func WithStore(s queue.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithLocker uses l instead of the configured lock backend.
func WithLocker(l lock.Locker) Option {
	return func(o *options) {
		o.locker = l
	}
}

// WithPostgresPool reuses an existing pool for the postgres backends. The
// engine does not close it.
func WithPostgresPool(pool *pgxpool.Pool) Option {
	return func(o *options) {
		o.pool = pool
	}
}

// WithRedisClient reuses an existing client for the redis lock backend. The
// engine does not close it.
func WithRedisClient(c goredis.UniversalClient) Option {
	return func(o *options) {
		o.redis = c
	}
}

// WithNotifier adds n to the alert notifiers. Alerts are always logged.
func WithNotifier(n alert.Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithMeter sets the OpenTelemetry meter used by the worker pool.
func WithMeter(m metric.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}
