package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/jobkit/pkg/lock"
	"github.com/dmitrymomot/jobkit/pkg/logger"
	"github.com/dmitrymomot/jobkit/pkg/retry"
)

// Scheduler fires recurring definitions stored in the repository. Any number
// of instances may run; with a locker each firing happens once. A firing is
// skipped while the job of the previous firing is still waiting, delayed or
// active.
type Scheduler struct {
	repo     SchedulerRepository
	locker   lock.Locker
	lockTTL  time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewScheduler creates a new recurring job scheduler
func NewScheduler(repo SchedulerRepository, opts ...SchedulerOption) (*Scheduler, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}

	options := &schedulerOptions{
		checkInterval: 30 * time.Second,
		lockTTL:       30 * time.Second,
		logger:        slog.Default(),
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(options)
	}

	return &Scheduler{
		repo:     repo,
		locker:   options.locker,
		lockTTL:  options.lockTTL,
		interval: options.checkInterval,
		logger:   options.logger,
		now:      options.now,
	}, nil
}

// AddTask registers a payload-less recurring task under name. Registering
// the same name again replaces the definition.
func (s *Scheduler) AddTask(ctx context.Context, name string, schedule Schedule, opts ...SchedulerTaskOption) error {
	if name == "" {
		return ErrEmptyTaskType
	}
	if schedule == nil {
		return ErrInvalidSchedule
	}

	r := &Recurring{
		ID:          name,
		Queue:       DefaultQueueName,
		TaskType:    name,
		Schedule:    schedule.String(),
		Priority:    PriorityDefault,
		MaxAttempts: retry.DefaultPolicy().MaxAttempts,
		Retry:       retry.DefaultPolicy(),
		MaxStalls:   3,
		NextRunAt:   schedule.Next(s.now()),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := s.repo.UpsertRecurring(ctx, r); err != nil {
		return fmt.Errorf("failed to register recurring task %q: %w", name, err)
	}

	s.logger.InfoContext(ctx, "registered periodic task",
		logger.TaskType(name),
		slog.String("schedule", r.Schedule),
		slog.Time("next_run", r.NextRunAt))
	return nil
}

// RemoveTask deletes a recurring definition
func (s *Scheduler) RemoveTask(ctx context.Context, id string) error {
	if err := s.repo.DeleteRecurring(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "removed periodic task", slog.String("recurring_id", id))
	return nil
}

// ListTasks returns all recurring definitions
func (s *Scheduler) ListTasks(ctx context.Context) ([]Recurring, error) {
	return s.repo.ListRecurring(ctx)
}

// Start checks for due definitions until ctx is done
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Check immediately on start
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shutting down")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Run returns a function suitable for errgroup
func (s *Scheduler) Run(ctx context.Context) func() error {
	return func() error {
		return s.Start(ctx)
	}
}

// Tick fires every definition whose NextRunAt has passed.
func (s *Scheduler) Tick(ctx context.Context) {
	defs, err := s.repo.ListRecurring(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "failed to list recurring jobs", logger.Error(err))
		}
		return
	}

	now := s.now()
	for _, def := range defs {
		if def.NextRunAt.After(now) {
			continue
		}
		if err := s.fire(ctx, def.ID, now); err != nil {
			s.logger.ErrorContext(ctx, "failed to fire recurring job",
				slog.String("recurring_id", def.ID),
				logger.Error(err))
		}
	}
}

// fire enqueues one occurrence of a recurring definition
func (s *Scheduler) fire(ctx context.Context, id string, now time.Time) error {
	if s.locker != nil {
		l, err := s.locker.Acquire(ctx, "recurring:"+id, s.lockTTL)
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil
		}
		if err != nil {
			return err
		}
		defer func() {
			if _, err := s.locker.Release(context.WithoutCancel(ctx), l.Key, l.Token); err != nil {
				s.logger.WarnContext(ctx, "failed to release recurring lock", logger.Error(err))
			}
		}()
	}

	// Reload under the lock: another instance may have fired it already.
	def, err := s.repo.GetRecurring(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecurringNotFound) {
			return nil
		}
		return err
	}
	if def.NextRunAt.After(now) {
		return nil
	}

	schedule, err := ParseSchedule(def.Schedule)
	if err != nil {
		return err
	}
	next := schedule.Next(now)

	if def.LastJobID != nil {
		prev, err := s.repo.Get(ctx, *def.LastJobID)
		switch {
		case err == nil && !prev.State.Terminal():
			s.logger.DebugContext(ctx, "previous occurrence still running, skipping",
				slog.String("recurring_id", id),
				logger.JobID(prev.ID.String()),
				slog.Time("next_run", next))
			return s.repo.MarkRecurringFired(ctx, id, nil, now, next)
		case err != nil && !errors.Is(err, ErrJobNotFound):
			return err
		}
	}

	job := &Job{
		ID:          uuid.New(),
		Queue:       def.Queue,
		TaskType:    def.TaskType,
		Payload:     def.Payload,
		Priority:    def.Priority,
		MaxAttempts: def.MaxAttempts,
		Retry:       def.Retry,
		Timeout:     def.Timeout,
		Tags:        def.Tags,
		MaxStalls:   def.MaxStalls,
		CreatedAt:   now,
		ScheduledAt: now,
		RecurringID: def.ID,
	}
	if err := s.repo.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue recurring job %q: %w", id, err)
	}
	if err := s.repo.MarkRecurringFired(ctx, id, &job.ID, now, next); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "created periodic job",
		slog.String("recurring_id", id),
		logger.JobID(job.ID.String()),
		slog.Time("next_run", next))
	return nil
}
