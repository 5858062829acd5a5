package queue

import "time"

// Config holds the configuration for producers, workers, the scheduler and
// the sweeper.
type Config struct {
	PollInterval       time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"1s"`
	LeaseDuration      time.Duration `env:"QUEUE_LEASE_DURATION" envDefault:"30s"`
	HandlerTimeout     time.Duration `env:"QUEUE_HANDLER_TIMEOUT" envDefault:"5m"`
	ShutdownTimeout    time.Duration `env:"QUEUE_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	MaxConcurrentTasks int           `env:"QUEUE_MAX_CONCURRENT_TASKS" envDefault:"1"`
	MaxStalledRequeues int           `env:"QUEUE_MAX_STALLED_REQUEUES" envDefault:"3"`
	ResourceLockWait   time.Duration `env:"QUEUE_RESOURCE_LOCK_WAIT" envDefault:"1s"`

	DedupLockTTL  time.Duration `env:"QUEUE_DEDUP_LOCK_TTL" envDefault:"10s"`
	DedupLockWait time.Duration `env:"QUEUE_DEDUP_LOCK_WAIT" envDefault:"2s"`

	SchedulerInterval time.Duration `env:"QUEUE_SCHEDULER_INTERVAL" envDefault:"15s"`
	SweepInterval     time.Duration `env:"QUEUE_SWEEP_INTERVAL" envDefault:"1s"`

	RetentionMaxAge    time.Duration `env:"QUEUE_RETENTION_MAX_AGE" envDefault:"168h"`
	RetentionCompleted int           `env:"QUEUE_RETENTION_COMPLETED" envDefault:"1000"`
	RetentionFailed    int           `env:"QUEUE_RETENTION_FAILED" envDefault:"5000"`
	DeadLetterLimit    int           `env:"QUEUE_DEAD_LETTER_LIMIT" envDefault:"1000"`
}

// Retention returns the purge bounds from c.
func (c Config) Retention() Retention {
	return Retention{
		MaxAge:       c.RetentionMaxAge,
		MaxCompleted: c.RetentionCompleted,
		MaxFailed:    c.RetentionFailed,
	}
}
