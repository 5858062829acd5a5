package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/jobkit/pkg/lock"
	"github.com/dmitrymomot/jobkit/pkg/logger"
	"github.com/dmitrymomot/jobkit/pkg/retry"
)

// Enqueuer handles job submission
type Enqueuer struct {
	repo             EnqueuerRepository
	locker           lock.Locker
	defaultQueue     string
	defaultPriority  Priority
	defaultRetry     retry.Policy
	defaultMaxStalls int
	dedupTTL         time.Duration
	dedupWait        time.Duration
	logger           *slog.Logger
	now              func() time.Time
}

// NewEnqueuer creates a new Enqueuer
func NewEnqueuer(repo EnqueuerRepository, opts ...EnqueuerOption) (*Enqueuer, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}

	options := &enqueuerOptions{
		defaultQueue:     DefaultQueueName,
		defaultPriority:  PriorityDefault,
		defaultRetry:     retry.DefaultPolicy(),
		defaultMaxStalls: 3,
		dedupTTL:         10 * time.Second,
		dedupWait:        2 * time.Second,
		logger:           slog.Default(),
		now:              time.Now,
	}

	for _, opt := range opts {
		opt(options)
	}

	return &Enqueuer{
		repo:             repo,
		locker:           options.locker,
		defaultQueue:     options.defaultQueue,
		defaultPriority:  options.defaultPriority,
		defaultRetry:     options.defaultRetry,
		defaultMaxStalls: options.defaultMaxStalls,
		dedupTTL:         options.dedupTTL,
		dedupWait:        options.dedupWait,
		logger:           options.logger,
		now:              options.now,
	}, nil
}

// Enqueue submits payload under the task type derived from its Go type, or
// the one set with WithTaskName.
func (e *Enqueuer) Enqueue(ctx context.Context, payload any, opts ...EnqueueOption) (uuid.UUID, error) {
	if payload == nil {
		return uuid.Nil, ErrPayloadNil
	}

	options := e.resolve(opts)
	taskType := options.taskName
	if taskType == "" {
		taskType = qualifiedStructName(payload)
	}

	data, err := marshalPayload(payload)
	if err != nil {
		return uuid.Nil, err
	}
	return e.submit(ctx, taskType, data, options)
}

// Submit stores a job of the given task type. A nil payload is allowed.
// With WithCron it stores a recurring definition instead and returns
// uuid.Nil. With WithDedupKey it returns the ID of an existing non-terminal
// job holding the same key.
func (e *Enqueuer) Submit(ctx context.Context, taskType string, payload any, opts ...EnqueueOption) (uuid.UUID, error) {
	if taskType == "" {
		return uuid.Nil, ErrEmptyTaskType
	}

	var data json.RawMessage
	if payload != nil {
		var err error
		if data, err = marshalPayload(payload); err != nil {
			return uuid.Nil, err
		}
	}
	return e.submit(ctx, taskType, data, e.resolve(opts))
}

// SubmitBatch splits items into chunks of chunkSize and submits each chunk
// as one job whose payload is the JSON array of its items. Later chunks get
// a lower priority so earlier ones tend to run first. When taskType is
// empty it is derived from the slice type.
func SubmitBatch[T any](ctx context.Context, e *Enqueuer, taskType string, items []T, chunkSize int, opts ...EnqueueOption) ([]uuid.UUID, error) {
	if len(items) == 0 {
		return nil, ErrNoItemsToEnqueue
	}
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}

	options := e.resolve(opts)
	if taskType == "" {
		taskType = options.taskName
	}
	if taskType == "" {
		taskType = qualifiedStructName(items)
	}
	if options.cron != "" {
		return nil, fmt.Errorf("%w: batches cannot be recurring", ErrInvalidSchedule)
	}

	ids := make([]uuid.UUID, 0, (len(items)+chunkSize-1)/chunkSize)
	for i := 0; i*chunkSize < len(items); i++ {
		chunk := items[i*chunkSize : min((i+1)*chunkSize, len(items))]

		data, err := marshalPayload(chunk)
		if err != nil {
			return ids, err
		}

		o := *options
		o.priority = max(options.priority-Priority(min(i, int(PriorityMax))), PriorityMin)
		if options.dedupKey != "" {
			o.dedupKey = fmt.Sprintf("%s:%d", options.dedupKey, i)
		}

		id, err := e.submit(ctx, taskType, data, &o)
		if err != nil {
			return ids, fmt.Errorf("failed to submit chunk %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Resubmit enqueues a fresh copy of a failed job. The copy keeps the
// original's settings and points back to it through RetriedFrom.
func (e *Enqueuer) Resubmit(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	prev, err := e.repo.Get(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	if prev.State != StateFailed {
		return uuid.Nil, ErrJobNotFailed
	}

	now := e.now()
	job := &Job{
		ID:          uuid.New(),
		Queue:       prev.Queue,
		TaskType:    prev.TaskType,
		Payload:     prev.Payload,
		Priority:    prev.Priority,
		MaxAttempts: prev.MaxAttempts,
		Retry:       prev.Retry,
		Timeout:     prev.Timeout,
		Tags:        prev.Tags,
		DedupKey:    prev.DedupKey,
		MaxStalls:   prev.MaxStalls,
		CreatedAt:   now,
		ScheduledAt: now,
		RetriedFrom: &prev.ID,
	}
	return e.store(ctx, job)
}

func (e *Enqueuer) resolve(opts []EnqueueOption) *enqueueOptions {
	options := &enqueueOptions{
		queue:       e.defaultQueue,
		priority:    e.defaultPriority,
		maxAttempts: e.defaultRetry.MaxAttempts,
		retry:       e.defaultRetry,
		maxStalls:   e.defaultMaxStalls,
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

func (e *Enqueuer) submit(ctx context.Context, taskType string, data json.RawMessage, o *enqueueOptions) (uuid.UUID, error) {
	if !o.priority.Valid() {
		return uuid.Nil, ErrInvalidPriority
	}
	if o.maxAttempts <= 0 {
		return uuid.Nil, ErrInvalidMaxAttempts
	}

	if o.cron != "" {
		return uuid.Nil, e.scheduleRecurring(ctx, taskType, data, o)
	}

	return e.store(ctx, e.buildJob(taskType, data, o))
}

// buildJob constructs a Job from payload and options
func (e *Enqueuer) buildJob(taskType string, data json.RawMessage, o *enqueueOptions) *Job {
	now := e.now()

	scheduledAt := now
	if o.scheduledAt != nil {
		scheduledAt = *o.scheduledAt
	} else if o.delay > 0 {
		scheduledAt = now.Add(o.delay)
	}

	policy := o.retry
	policy.MaxAttempts = o.maxAttempts

	return &Job{
		ID:          uuid.New(),
		Queue:       o.queue,
		TaskType:    taskType,
		Payload:     data,
		Priority:    o.priority,
		MaxAttempts: o.maxAttempts,
		Retry:       policy,
		Timeout:     o.timeout,
		Tags:        o.tags,
		DedupKey:    o.dedupKey,
		MaxStalls:   o.maxStalls,
		CreatedAt:   now,
		ScheduledAt: scheduledAt,
	}
}

func (e *Enqueuer) store(ctx context.Context, job *Job) (uuid.UUID, error) {
	if job.DedupKey != "" {
		return e.storeDeduplicated(ctx, job)
	}

	if err := e.repo.Enqueue(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue job %q in queue %q: %w", job.TaskType, job.Queue, err)
	}
	e.logSubmitted(ctx, job)
	return job.ID, nil
}

// storeDeduplicated checks for a live job with the same key, then inserts
// under the dedup lock. The store's own uniqueness check covers the case of
// no locker.
func (e *Enqueuer) storeDeduplicated(ctx context.Context, job *Job) (uuid.UUID, error) {
	if id, ok, err := e.findLive(ctx, job); err != nil || ok {
		return id, err
	}

	if e.locker != nil {
		key := "dedup:" + dedupIndexKey(job.TaskType, job.DedupKey)
		l, err := e.locker.AcquireBlocking(ctx, key, e.dedupTTL, e.dedupWait)
		if err != nil {
			if !errors.Is(err, lock.ErrNotAcquired) {
				return uuid.Nil, err
			}
			if id, ok, ferr := e.findLive(ctx, job); ferr == nil && ok {
				return id, nil
			}
			return uuid.Nil, fmt.Errorf("%w: %s", ErrLockContention, key)
		}
		defer func() {
			if _, err := e.locker.Release(context.WithoutCancel(ctx), l.Key, l.Token); err != nil {
				e.logger.WarnContext(ctx, "failed to release dedup lock", logger.Error(err))
			}
		}()

		if id, ok, err := e.findLive(ctx, job); err != nil || ok {
			return id, err
		}
	}

	err := e.repo.Enqueue(ctx, job)
	if errors.Is(err, ErrDuplicateJob) {
		if id, ok, ferr := e.findLive(ctx, job); ferr == nil && ok {
			return id, nil
		}
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue job %q in queue %q: %w", job.TaskType, job.Queue, err)
	}
	e.logSubmitted(ctx, job)
	return job.ID, nil
}

func (e *Enqueuer) findLive(ctx context.Context, job *Job) (uuid.UUID, bool, error) {
	existing, err := e.repo.FindByDedupKey(ctx, job.TaskType, job.DedupKey)
	switch {
	case err == nil:
		e.logger.DebugContext(ctx, "duplicate submission",
			logger.TaskType(job.TaskType),
			slog.String("dedup_key", job.DedupKey),
			logger.JobID(existing.ID.String()))
		return existing.ID, true, nil
	case errors.Is(err, ErrJobNotFound):
		return uuid.Nil, false, nil
	default:
		return uuid.Nil, false, fmt.Errorf("failed to look up dedup key %q: %w", job.DedupKey, err)
	}
}

func (e *Enqueuer) scheduleRecurring(ctx context.Context, taskType string, data json.RawMessage, o *enqueueOptions) error {
	schedule, err := ParseSchedule(o.cron)
	if err != nil {
		return err
	}

	id := taskType
	if o.dedupKey != "" {
		id = taskType + ":" + o.dedupKey
	}

	policy := o.retry
	policy.MaxAttempts = o.maxAttempts

	r := &Recurring{
		ID:          id,
		Queue:       o.queue,
		TaskType:    taskType,
		Payload:     data,
		Schedule:    schedule.String(),
		Priority:    o.priority,
		MaxAttempts: o.maxAttempts,
		Retry:       policy,
		Timeout:     o.timeout,
		Tags:        o.tags,
		MaxStalls:   o.maxStalls,
		NextRunAt:   schedule.Next(e.now()),
	}
	if err := e.repo.UpsertRecurring(ctx, r); err != nil {
		return fmt.Errorf("failed to store recurring job %q: %w", id, err)
	}

	e.logger.InfoContext(ctx, "registered recurring job",
		slog.String("recurring_id", id),
		slog.String("schedule", r.Schedule),
		slog.Time("next_run", r.NextRunAt))
	return nil
}

func (e *Enqueuer) logSubmitted(ctx context.Context, job *Job) {
	e.logger.DebugContext(ctx, "job submitted",
		logger.JobID(job.ID.String()),
		logger.Queue(job.Queue),
		logger.TaskType(job.TaskType),
		slog.Time("scheduled_at", job.ScheduledAt))
}

func marshalPayload(payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w of type %T: %w", ErrPayloadMarshal, payload, err)
	}
	return data, nil
}
