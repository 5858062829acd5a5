package jobkit

import (
	"fmt"
	"slices"
	"time"

	"github.com/dmitrymomot/jobkit/pkg/config"
	"github.com/dmitrymomot/jobkit/pkg/health"
	"github.com/dmitrymomot/jobkit/pkg/logger"
	"github.com/dmitrymomot/jobkit/pkg/queue"
)

// Backend names a storage implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
)

// Config describes an Engine. Postgres and Redis connection settings are
// parsed separately (pg.Config, redis.Config) and only when a backend needs
// them.
type Config struct {
	AppEnv      string   `env:"APP_ENV" envDefault:"development"`
	ServiceName string   `env:"JOBKIT_SERVICE_NAME" envDefault:"jobkit"`
	Backend     Backend  `env:"JOBKIT_BACKEND" envDefault:"memory"`
	LockBackend Backend  `env:"JOBKIT_LOCK_BACKEND" envDefault:"memory"`
	Queues      []string `env:"JOBKIT_QUEUES" envDefault:"default" envSeparator:","`
	Migrate     bool     `env:"JOBKIT_MIGRATE" envDefault:"true"`

	AlertWebhookURL    string        `env:"JOBKIT_ALERT_WEBHOOK_URL"`
	AlertWebhookSecret string        `env:"JOBKIT_ALERT_WEBHOOK_SECRET"`
	AlertBurst         int           `env:"JOBKIT_ALERT_BURST" envDefault:"5"`
	AlertRefill        time.Duration `env:"JOBKIT_ALERT_REFILL" envDefault:"1m"`

	Log    logger.Config
	Queue  queue.Config
	Health health.Config
}

// LoadConfig reads Config from the environment and an optional .env file.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns Config with every default applied and nothing read
// from the environment.
func DefaultConfig() Config {
	var cfg Config
	if err := config.Parse(&cfg, config.WithEnvironment(map[string]string{})); err != nil {
		panic(err)
	}
	return cfg
}

func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if c.LockBackend == "" {
		c.LockBackend = BackendMemory
	}
	if c.ServiceName == "" {
		c.ServiceName = "jobkit"
	}
	return c
}

// Validate reports unsupported backend combinations.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
	switch c.LockBackend {
	case BackendMemory, BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("%w: lock backend %q", ErrUnknownBackend, c.LockBackend)
	}
	if c.Backend == BackendMemory && c.LockBackend == BackendPostgres {
		return fmt.Errorf("%w: postgres locks need the postgres backend", ErrUnknownBackend)
	}
	if slices.Contains(c.Queues, "") {
		return ErrEmptyQueueName
	}
	return nil
}

func (c Config) queues() []string {
	if len(c.Queues) == 0 {
		return []string{queue.DefaultQueueName}
	}
	return c.Queues
}
