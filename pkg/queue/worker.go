package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/jobkit/pkg/alert"
	"github.com/dmitrymomot/jobkit/pkg/async"
	"github.com/dmitrymomot/jobkit/pkg/lock"
	"github.com/dmitrymomot/jobkit/pkg/logger"
	"github.com/dmitrymomot/jobkit/pkg/retry"
)

// Worker processes jobs from the store. Each registered handler gets its own
// set of slots that claim only that handler's task type.
type Worker struct {
	repo          WorkerRepository
	registrations map[string]*registration
	workerID      string
	mu            sync.Mutex
	wg            sync.WaitGroup

	// Configuration
	pullInterval       time.Duration
	lease              time.Duration
	handlerTimeout     time.Duration
	shutdownTimeout    time.Duration
	maxConcurrentTasks int
	locker             lock.Locker
	lockWait           time.Duration
	notifier           alert.Notifier
	metrics            *workerMetrics
	logger             *slog.Logger

	// State management. ctx stops polling; jobsCtx outlives it so running
	// handlers can finish during a graceful stop.
	ctx        context.Context
	cancel     context.CancelFunc
	jobsCtx    context.Context
	jobsCancel context.CancelCauseFunc
}

type registration struct {
	handler     Handler
	queue       string
	concurrency int
	timeout     time.Duration
}

// NewWorker creates a new job worker
func NewWorker(repo WorkerRepository, opts ...WorkerOption) (*Worker, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}

	options := &workerOptions{
		workerID:           uuid.NewString(),
		pullInterval:       time.Second,
		lease:              30 * time.Second,
		handlerTimeout:     5 * time.Minute,
		shutdownTimeout:    30 * time.Second,
		maxConcurrentTasks: 1,
		lockWait:           time.Second,
		notifier:           alert.Nop,
		logger:             slog.Default(),
	}

	for _, opt := range opts {
		opt(options)
	}

	return &Worker{
		repo:               repo,
		registrations:      make(map[string]*registration),
		workerID:           options.workerID,
		pullInterval:       options.pullInterval,
		lease:              options.lease,
		handlerTimeout:     options.handlerTimeout,
		shutdownTimeout:    options.shutdownTimeout,
		maxConcurrentTasks: options.maxConcurrentTasks,
		locker:             options.locker,
		lockWait:           options.lockWait,
		notifier:           options.notifier,
		metrics:            newWorkerMetrics(options.meter),
		logger:             options.logger.With(logger.WorkerID(options.workerID)),
	}, nil
}

// RegisterHandler registers a handler for its task type. Handlers must be
// registered before Start.
func (w *Worker) RegisterHandler(handler Handler, opts ...HandlerOption) error {
	if handler == nil {
		return nil
	}

	reg := &registration{
		handler:     handler,
		queue:       DefaultQueueName,
		concurrency: w.maxConcurrentTasks,
	}
	for _, opt := range opts {
		opt(reg)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return ErrWorkerStarted
	}
	if _, exists := w.registrations[handler.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrTaskAlreadyRegistered, handler.Name())
	}

	w.registrations[handler.Name()] = reg
	return nil
}

// RegisterHandlers registers multiple handlers with default options
func (w *Worker) RegisterHandlers(handlers ...Handler) error {
	for _, h := range handlers {
		if err := w.RegisterHandler(h); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the slots in the background
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return ErrWorkerStarted
	}
	if len(w.registrations) == 0 {
		return ErrNoHandlers
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.jobsCtx, w.jobsCancel = context.WithCancelCause(context.WithoutCancel(ctx))

	slots := 0
	for _, reg := range w.registrations {
		for range reg.concurrency {
			w.wg.Add(1)
			go w.slot(reg)
		}
		slots += reg.concurrency
	}

	w.logger.Info("worker started",
		slog.Int("handlers", len(w.registrations)),
		slog.Int("slots", slots))

	return nil
}

// Stop gracefully shuts down the worker. Running handlers get the shutdown
// timeout to finish, after which their contexts are canceled.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return ErrWorkerNotStarted
	}
	cancel, jobsCancel := w.cancel, w.jobsCancel
	w.cancel, w.jobsCancel = nil, nil
	w.mu.Unlock()

	cancel()

	w.logger.Info("worker stopping, waiting for active jobs to complete")

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.shutdownTimeout):
		w.logger.Warn("shutdown timeout reached, canceling running jobs",
			logger.Duration(w.shutdownTimeout))
		jobsCancel(ErrWorkerStopped)
		<-done
	}
	jobsCancel(nil)

	w.logger.Info("worker stopped")
	return nil
}

// Run starts the worker and returns a function suitable for errgroup
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		if err := w.Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()

		return w.Stop()
	}
}

// WorkerInfo returns information about the worker
func (w *Worker) WorkerInfo() (id string, hostname string, pid int) {
	hostname, _ = os.Hostname()
	return w.workerID, hostname, os.Getpid()
}

// slot claims and processes jobs until the worker stops. It polls again
// right away after a processed job and sleeps when the queue is empty.
func (w *Worker) slot(reg *registration) {
	defer w.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-timer.C:
		}

		processed, err := w.pullAndProcess(reg)
		if err != nil {
			w.logger.Error("failed to process job",
				logger.TaskType(reg.handler.Name()),
				logger.Error(err))
		}

		if processed {
			timer.Reset(0)
		} else {
			timer.Reset(w.pullInterval)
		}
	}
}

// pullAndProcess claims one job for reg and runs it
func (w *Worker) pullAndProcess(reg *registration) (bool, error) {
	job, err := w.repo.ClaimNext(w.ctx, ClaimRequest{
		Queue:     reg.queue,
		TaskTypes: []string{reg.handler.Name()},
		WorkerID:  w.workerID,
		Lease:     w.lease,
	})
	if err != nil {
		if errors.Is(err, ErrNoJobToClaim) || errors.Is(err, context.Canceled) {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim job: %w", err)
	}

	w.logger.Debug("claimed job",
		logger.JobID(job.ID.String()),
		logger.TaskType(job.TaskType),
		logger.Queue(job.Queue),
		logger.Attempt(job.AttemptsMade+1))

	return true, w.processJob(reg, job)
}

// processJob executes a job with its handler and finalizes the outcome
func (w *Worker) processJob(reg *registration, job *Job) error {
	start := time.Now()

	ctx := logger.ContextWithJob(w.jobsCtx, logger.JobFields{
		ID:       job.ID.String(),
		Queue:    job.Queue,
		TaskType: job.TaskType,
		Attempt:  job.AttemptsMade + 1,
	})
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var leaseLost atomic.Bool
	stopHeartbeat := w.heartbeat(ctx, job, cancel, &leaseLost)

	reporter := newReporter(job, w.workerID, w.repo, w.locker, w.lockWait, w.logger)
	timeout := w.timeoutFor(reg, job)

	future := async.Async(ctx, job.Payload, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		defer func() {
			if err := reporter.cleanup(context.WithoutCancel(ctx)); err != nil {
				reporter.Logger().Warn("job cleanup failed", logger.Error(err))
			}
		}()
		return reg.handler.Handle(ctx, payload, reporter)
	})

	result, err := future.AwaitWithTimeout(timeout)
	if errors.Is(err, async.ErrTimeout) {
		cancel(ErrHandlerTimeout)
		err = retry.Transient(fmt.Errorf("%w after %s", ErrHandlerTimeout, timeout))
		result = nil

		// The slot and the lease stay held until the handler returns, so the
		// retry cannot be claimed while this attempt is still running.
		w.awaitAbandoned(job, future, timeout)
	}

	var perr *async.PanicError
	if errors.As(err, &perr) {
		w.logger.Error("handler panicked",
			logger.JobID(job.ID.String()),
			logger.TaskType(job.TaskType),
			slog.Any("panic", perr.Value),
			slog.String("stack", string(perr.Stack)))
		err = retry.Transient(fmt.Errorf("%w: %v", ErrHandlerPanic, perr.Value))
	}

	stopHeartbeat()
	elapsed := time.Since(start)

	fctx := context.WithoutCancel(ctx)
	if leaseLost.Load() {
		w.metrics.record(fctx, job, statusLeaseLost, elapsed)
		w.logger.Warn("lease lost, dropping job outcome",
			logger.JobID(job.ID.String()),
			logger.TaskType(job.TaskType),
			logger.Duration(elapsed))
		return nil
	}

	canceled := err != nil && errors.Is(context.Cause(ctx), retry.ErrCanceled)
	return w.finalize(fctx, job, result, err, canceled, elapsed)
}

// awaitAbandoned blocks until a timed-out handler returns.
func (w *Worker) awaitAbandoned(job *Job, future *async.Future[json.RawMessage], timeout time.Duration) {
	select {
	case <-future.Done():
		return
	default:
	}

	w.logger.Warn("handler ignored its deadline, waiting for it to return",
		logger.JobID(job.ID.String()),
		logger.TaskType(job.TaskType),
		slog.Duration("timeout", timeout))
	start := time.Now()
	<-future.Done()
	w.logger.Warn("timed out handler returned",
		logger.JobID(job.ID.String()),
		logger.TaskType(job.TaskType),
		logger.Duration(time.Since(start)))
}

func (w *Worker) timeoutFor(reg *registration, job *Job) time.Duration {
	switch {
	case job.Timeout > 0:
		return job.Timeout
	case reg.timeout > 0:
		return reg.timeout
	default:
		return w.handlerTimeout
	}
}

// heartbeat extends the lease every third of its duration until the
// returned stop function is called, including after ctx is canceled. It
// cancels ctx when the lease is lost or cancellation of the job was
// requested.
func (w *Worker) heartbeat(ctx context.Context, job *Job, cancel context.CancelCauseFunc, lost *atomic.Bool) func() {
	hbCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(max(w.lease/3, time.Millisecond))
		defer ticker.Stop()

		var cancelSeen bool

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
			}

			cancelRequested, err := w.repo.ExtendLease(hbCtx, job.ID, w.workerID, w.lease)
			switch {
			case errors.Is(err, ErrLeaseLost), errors.Is(err, ErrJobNotFound):
				lost.Store(true)
				cancel(ErrLeaseLost)
				return
			case err != nil:
				if hbCtx.Err() == nil {
					w.logger.Warn("failed to extend lease",
						logger.JobID(job.ID.String()),
						logger.Error(err))
				}
			case cancelRequested && !cancelSeen:
				cancelSeen = true
				w.logger.Info("job cancellation requested", logger.JobID(job.ID.String()))
				cancel(retry.ErrCanceled)
			}
		}
	}()

	return func() {
		stop()
		<-done
	}
}

// finalize routes the outcome of an attempt to Complete, RetryLater or Fail
func (w *Worker) finalize(ctx context.Context, job *Job, result json.RawMessage, execErr error, canceled bool, elapsed time.Duration) error {
	if execErr == nil {
		return w.handleJobSuccess(ctx, job, result, elapsed)
	}

	policy := job.Retry.Normalize()
	policy.MaxAttempts = job.MaxAttempts
	attempt := job.AttemptsMade + 1

	decision := retry.Decision{Class: retry.ClassCanceled}
	if !canceled {
		decision = policy.Decide(attempt, execErr)
	}
	failure := Failure{Error: execErr.Error(), Class: decision.Class}

	attrs := []any{
		logger.JobID(job.ID.String()),
		logger.TaskType(job.TaskType),
		logger.Queue(job.Queue),
		logger.Attempt(attempt),
		slog.Int("max_attempts", job.MaxAttempts),
		logger.Class(string(decision.Class)),
		logger.Duration(elapsed),
		logger.Error(execErr),
	}
	if details := retry.Details(execErr); len(details) > 0 {
		attrs = append(attrs, slog.Any("details", details))
	}

	if decision.Retry {
		if err := w.repo.RetryLater(ctx, job.ID, w.workerID, decision.Delay, failure); err != nil {
			return w.finalizeError(job, "retry", err)
		}
		w.metrics.record(ctx, job, statusRetry, elapsed)
		w.logger.Warn("job failed, retry scheduled", append(attrs, slog.Duration("retry_in", decision.Delay))...)
		return nil
	}

	if err := w.repo.Fail(ctx, job.ID, w.workerID, failure); err != nil {
		return w.finalizeError(job, "fail", err)
	}

	if canceled {
		w.metrics.record(ctx, job, statusCanceled, elapsed)
		w.logger.Info("job canceled", attrs...)
		return nil
	}

	w.metrics.record(ctx, job, statusFailed, elapsed)
	w.logger.Error("job failed permanently", attrs...)

	if job.Critical() {
		w.alertFailure(ctx, job, failure, attempt)
	}
	return nil
}

// handleJobSuccess marks the job completed
func (w *Worker) handleJobSuccess(ctx context.Context, job *Job, result json.RawMessage, elapsed time.Duration) error {
	if err := w.repo.Complete(ctx, job.ID, w.workerID, result); err != nil {
		return w.finalizeError(job, "complete", err)
	}

	w.metrics.record(ctx, job, statusCompleted, elapsed)
	w.logger.Info("job completed",
		logger.JobID(job.ID.String()),
		logger.TaskType(job.TaskType),
		logger.Queue(job.Queue),
		logger.Duration(elapsed))
	return nil
}

func (w *Worker) finalizeError(job *Job, op string, err error) error {
	if errors.Is(err, ErrLeaseLost) {
		w.logger.Warn("lease lost before "+op,
			logger.JobID(job.ID.String()),
			logger.TaskType(job.TaskType))
		return nil
	}
	return fmt.Errorf("failed to %s job %s: %w", op, job.ID, err)
}

func (w *Worker) alertFailure(ctx context.Context, job *Job, f Failure, attempts int) {
	err := w.notifier.Notify(ctx, alert.Alert{
		Severity: alert.SeverityCritical,
		Source:   "worker",
		Title:    "critical job failed",
		Message:  f.Error,
		Fields: map[string]any{
			"job_id":    job.ID.String(),
			"task_type": job.TaskType,
			"queue":     job.Queue,
			"class":     string(f.Class),
			"attempts":  attempts,
		},
		At: time.Now(),
	})
	if err != nil {
		w.logger.Error("failed to send alert", logger.JobID(job.ID.String()), logger.Error(err))
	}
}
