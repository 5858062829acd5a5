package jobkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/jobkit/pkg/alert"
	"github.com/dmitrymomot/jobkit/pkg/compensation"
	"github.com/dmitrymomot/jobkit/pkg/config"
	"github.com/dmitrymomot/jobkit/pkg/health"
	"github.com/dmitrymomot/jobkit/pkg/lock"
	"github.com/dmitrymomot/jobkit/pkg/logger"
	"github.com/dmitrymomot/jobkit/pkg/pg"
	"github.com/dmitrymomot/jobkit/pkg/queue"
	"github.com/dmitrymomot/jobkit/pkg/queue/pgstore"
	"github.com/dmitrymomot/jobkit/pkg/redis"
)

// Engine wires the store, locks, producers, workers, scheduler, sweeper and
// health monitor of one process.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	store       queue.Store
	locker      lock.Locker
	notifier    alert.Notifier
	enqueuer    *queue.Enqueuer
	worker      *queue.Worker
	scheduler   *queue.Scheduler
	sweeper     *queue.Sweeper
	monitor     *health.Monitor
	compensator *compensation.Runner

	probes map[string]func(context.Context) error

	mu       sync.Mutex
	handlers int
	closed   bool
	closers  []func() error
}

// Open builds an Engine from cfg. Backends not supplied through options are
// created from cfg and closed by Close.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logger.New(
			logger.WithEnvironment(cfg.AppEnv, cfg.ServiceName),
			logger.WithConfig(cfg.Log),
			logger.WithJobContext(),
		)
	}

	e := &Engine{
		cfg:    cfg,
		logger: o.logger,
		probes: make(map[string]func(context.Context) error),
	}
	if err := e.openBackends(ctx, o); err != nil {
		return nil, errors.Join(err, e.Close())
	}
	if err := e.build(o); err != nil {
		return nil, errors.Join(err, e.Close())
	}

	e.logger.Info("job engine ready",
		slog.String("backend", string(cfg.Backend)),
		slog.String("lock_backend", string(cfg.LockBackend)),
		slog.Any("queues", cfg.queues()))
	return e, nil
}

func (e *Engine) openBackends(ctx context.Context, o *options) error {
	needsPool := (o.store == nil && e.cfg.Backend == BackendPostgres) ||
		(o.locker == nil && e.cfg.LockBackend == BackendPostgres)
	if needsPool && o.pool == nil {
		var pc pg.Config
		if err := config.Parse(&pc); err != nil {
			return err
		}
		pool, err := pg.Connect(ctx, pc)
		if err != nil {
			return err
		}
		o.pool = pool
		e.closers = append(e.closers, func() error { pool.Close(); return nil })
	}
	if o.pool != nil {
		e.probes["postgres"] = pg.Probe(o.pool)
	}
	if needsPool && e.cfg.Migrate {
		if err := pgstore.Migrate(ctx, o.pool, e.logger); err != nil {
			return err
		}
	}

	e.store = o.store
	if e.store == nil {
		e.store = e.newStore(o.pool)
	}

	e.locker = o.locker
	if e.locker == nil {
		l, err := e.newLocker(ctx, o)
		if err != nil {
			return err
		}
		e.locker = l
	}
	return nil
}

func (e *Engine) newStore(pool *pgxpool.Pool) queue.Store {
	if e.cfg.Backend == BackendPostgres {
		return pgstore.New(pool,
			pgstore.WithLogger(e.logger),
			pgstore.WithDeadLetterLimit(e.cfg.Queue.DeadLetterLimit))
	}
	return queue.NewMemoryStorage(queue.WithDeadLetterLimit(e.cfg.Queue.DeadLetterLimit))
}

func (e *Engine) newLocker(ctx context.Context, o *options) (lock.Locker, error) {
	prefix := lock.WithKeyPrefix(e.cfg.ServiceName + ":")

	switch e.cfg.LockBackend {
	case BackendPostgres:
		return lock.NewPostgres(o.pool, prefix), nil
	case BackendRedis:
		var client goredis.UniversalClient = o.redis
		if client == nil {
			var rc redis.Config
			if err := config.Parse(&rc); err != nil {
				return nil, err
			}
			c, err := redis.Connect(ctx, rc)
			if err != nil {
				return nil, err
			}
			e.closers = append(e.closers, c.Close)
			client = c
		}
		e.probes["redis"] = redis.Probe(client)
		return lock.NewRedis(client, prefix), nil
	default:
		return lock.NewMemory(prefix), nil
	}
}

func (e *Engine) build(o *options) error {
	qc := e.cfg.Queue
	queues := e.cfg.queues()

	// Every alert is logged; external notifiers are throttled per key.
	var external []alert.Notifier
	if e.cfg.AlertWebhookURL != "" {
		wh, err := alert.NewWebhookNotifier(e.cfg.AlertWebhookURL, alert.WithWebhookSecret(e.cfg.AlertWebhookSecret))
		if err != nil {
			return err
		}
		external = append(external, wh)
	}
	if o.notifier != nil {
		external = append(external, o.notifier)
	}
	e.notifier = alert.NewLogNotifier(e.logger)
	if len(external) > 0 {
		throttled := alert.NewThrottle(alert.Multi(external...), e.cfg.AlertBurst, e.cfg.AlertRefill)
		e.notifier = alert.Multi(e.notifier, throttled)
	}

	var err error
	e.enqueuer, err = queue.NewEnqueuer(e.store,
		queue.WithDefaultQueue(queues[0]),
		queue.WithDefaultMaxStalls(qc.MaxStalledRequeues),
		queue.WithEnqueuerLocker(e.locker),
		queue.WithDedupLock(qc.DedupLockTTL, qc.DedupLockWait),
		queue.WithEnqueuerLogger(e.logger))
	if err != nil {
		return fmt.Errorf("failed to create enqueuer: %w", err)
	}

	workerOpts := []queue.WorkerOption{
		queue.WithPullInterval(qc.PollInterval),
		queue.WithLeaseDuration(qc.LeaseDuration),
		queue.WithDefaultHandlerTimeout(qc.HandlerTimeout),
		queue.WithShutdownTimeout(qc.ShutdownTimeout),
		queue.WithMaxConcurrentTasks(qc.MaxConcurrentTasks),
		queue.WithWorkerLocker(e.locker, qc.ResourceLockWait),
		queue.WithAlertNotifier(e.notifier),
		queue.WithWorkerLogger(e.logger),
	}
	if o.meter != nil {
		workerOpts = append(workerOpts, queue.WithMeter(o.meter))
	}
	if e.worker, err = queue.NewWorker(e.store, workerOpts...); err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	e.scheduler, err = queue.NewScheduler(e.store,
		queue.WithCheckInterval(qc.SchedulerInterval),
		queue.WithSchedulerLocker(e.locker),
		queue.WithSchedulerLogger(e.logger))
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	e.sweeper, err = queue.NewSweeper(e.store,
		queue.WithSweepInterval(qc.SweepInterval),
		queue.WithRetention(qc.Retention()),
		queue.WithSweeperNotifier(e.notifier),
		queue.WithSweeperLogger(e.logger))
	if err != nil {
		return fmt.Errorf("failed to create sweeper: %w", err)
	}

	hc := e.cfg.Health
	monitorOpts := []health.Option{
		health.WithQueues(queues...),
		health.WithThresholds(hc.Thresholds()),
		health.WithWindow(hc.Window),
		health.WithInterval(hc.Interval),
		health.WithHistorySize(hc.HistorySize),
		health.WithNotifier(e.notifier),
		health.WithLogger(e.logger),
	}
	if hc.Recovery {
		monitorOpts = append(monitorOpts, health.WithRecovery(e.store))
	}
	if e.monitor, err = health.NewMonitor(e.store, monitorOpts...); err != nil {
		return fmt.Errorf("failed to create health monitor: %w", err)
	}

	e.compensator = compensation.NewRunner(compensation.WithLogger(e.logger))
	return nil
}

// Ping checks every backend connection the engine uses. The in-memory
// backends have nothing to check.
func (e *Engine) Ping(ctx context.Context) error {
	var errs []error
	for name, probe := range e.probes {
		if err := probe(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Store returns the underlying job store.
func (e *Engine) Store() queue.Store { return e.store }

// Locker returns the lock service shared by producers and workers.
func (e *Engine) Locker() lock.Locker { return e.locker }

// Submit stores a job of taskType. See queue.Enqueuer.Submit.
func (e *Engine) Submit(ctx context.Context, taskType string, payload any, opts ...queue.EnqueueOption) (uuid.UUID, error) {
	return e.enqueuer.Submit(ctx, taskType, payload, opts...)
}

// Enqueue stores a job whose task type is derived from the payload type.
func (e *Engine) Enqueue(ctx context.Context, payload any, opts ...queue.EnqueueOption) (uuid.UUID, error) {
	return e.enqueuer.Enqueue(ctx, payload, opts...)
}

// SubmitBatch submits items in chunks of chunkSize, one job per chunk.
func SubmitBatch[T any](ctx context.Context, e *Engine, taskType string, items []T, chunkSize int, opts ...queue.EnqueueOption) ([]uuid.UUID, error) {
	return queue.SubmitBatch(ctx, e.enqueuer, taskType, items, chunkSize, opts...)
}

// GetStatus returns the state, progress, log, result and attempt history
// of a job.
func (e *Engine) GetStatus(ctx context.Context, id uuid.UUID) (Status, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return statusFromJob(job), nil
}

// Cancel stops a job. A waiting or delayed job fails immediately and Cancel
// returns true. An active job is flagged and its handler context is
// canceled on the next heartbeat; Cancel returns false.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	return e.store.Cancel(ctx, id)
}

// Retry re-submits a failed job as a new job pointing back to it.
func (e *Engine) Retry(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	return e.enqueuer.Resubmit(ctx, id)
}

// RegisterHandler registers a task handler. Handlers must be registered
// before Run.
func (e *Engine) RegisterHandler(h queue.Handler, opts ...queue.HandlerOption) error {
	if err := e.worker.RegisterHandler(h, opts...); err != nil {
		return err
	}
	if h != nil {
		e.mu.Lock()
		e.handlers++
		e.mu.Unlock()
	}
	return nil
}

// ListRecurring returns the recurring definitions created with queue.WithCron.
func (e *Engine) ListRecurring(ctx context.Context) ([]queue.Recurring, error) {
	return e.scheduler.ListTasks(ctx)
}

// RemoveRecurring deletes a recurring definition.
func (e *Engine) RemoveRecurring(ctx context.Context, id string) error {
	return e.scheduler.RemoveTask(ctx, id)
}

// GetHealth evaluates a queue now without side effects: nothing is added
// to history and no alert fires.
func (e *Engine) GetHealth(ctx context.Context, queueName string) (health.Snapshot, error) {
	return e.monitor.Check(ctx, queueName)
}

// SampleHealth runs one monitoring tick for a queue: the snapshot is
// recorded and published, stall recovery may run and a transition into
// critical alerts.
func (e *Engine) SampleHealth(ctx context.Context, queueName string) (health.Snapshot, error) {
	return e.monitor.Sample(ctx, queueName)
}

// GetHistory returns up to limit past snapshots of a queue, oldest first.
func (e *Engine) GetHistory(queueName string, limit int) []health.Snapshot {
	return e.monitor.History(queueName, limit)
}

// SubscribeHealth streams health snapshots until ctx is done.
func (e *Engine) SubscribeHealth(ctx context.Context) <-chan health.Snapshot {
	return e.monitor.Subscribe(ctx)
}

// Pause stops claims from a queue. Producers can still submit.
func (e *Engine) Pause(ctx context.Context, queueName string) error {
	if err := e.store.Pause(ctx, queueName); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "queue paused", logger.Queue(queueName))
	return nil
}

// Resume lets workers claim from a paused queue again.
func (e *Engine) Resume(ctx context.Context, queueName string) error {
	if err := e.store.Resume(ctx, queueName); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "queue resumed", logger.Queue(queueName))
	return nil
}

// ListFailed returns the newest failed jobs of a queue.
func (e *Engine) ListFailed(ctx context.Context, queueName string, limit int) ([]*queue.Job, error) {
	return e.store.List(ctx, queue.Filter{
		Queue:  queueName,
		States: []queue.State{queue.StateFailed},
		Limit:  limit,
	})
}

// DeadLetters returns the newest dead-letter entries of a queue.
func (e *Engine) DeadLetters(ctx context.Context, queueName string, limit int) ([]queue.DeadLetter, error) {
	return e.store.DeadLetters(ctx, queueName, limit)
}

// Compensate runs steps in order for a job and rolls back the executed ones
// in reverse when a step fails.
func (e *Engine) Compensate(ctx context.Context, jobID uuid.UUID, steps ...compensation.Step) (compensation.Report, error) {
	return e.compensator.Run(ctx, jobID, steps...)
}

// Run starts workers (when handlers are registered), the scheduler, the
// sweeper and the health monitor, and blocks until ctx is done or one of
// them fails.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	closed, handlers := e.closed, e.handlers
	e.mu.Unlock()
	if closed {
		return ErrEngineClosed
	}

	g, ctx := errgroup.WithContext(ctx)
	if handlers > 0 {
		g.Go(e.worker.Run(ctx))
	} else {
		e.logger.Info("no handlers registered, running without workers")
	}
	g.Go(e.scheduler.Run(ctx))
	g.Go(e.sweeper.Run(ctx))
	g.Go(e.monitor.Run(ctx))

	return g.Wait()
}

// Close releases the backends Open created. It is safe to call more than
// once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	closers := e.closers
	e.closers = nil
	e.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
