package queue

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/jobkit/pkg/retry"
)

const (
	defaultDeadLetterLimit = 1000
	maxLogLines            = 1000
)

// MemoryStorage is an in-process Store for tests and single-node use. It
// owns every job; callers only ever see copies.
type MemoryStorage struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*Job

	byQueue map[string][]uuid.UUID
	byState map[State][]uuid.UUID
	dedup   map[string]uuid.UUID

	deadLetters map[string][]DeadLetter
	paused      map[string]bool
	recurring   map[string]*Recurring

	now             func() time.Time
	deadLetterLimit int
}

// MemoryOption configures MemoryStorage.
type MemoryOption func(*MemoryStorage)

// WithMemoryClock replaces time.Now.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(ms *MemoryStorage) {
		if now != nil {
			ms.now = now
		}
	}
}

// WithDeadLetterLimit bounds the dead letters kept per queue.
func WithDeadLetterLimit(n int) MemoryOption {
	return func(ms *MemoryStorage) {
		if n > 0 {
			ms.deadLetterLimit = n
		}
	}
}

// NewMemoryStorage creates an empty store.
func NewMemoryStorage(opts ...MemoryOption) *MemoryStorage {
	ms := &MemoryStorage{
		jobs:            make(map[uuid.UUID]*Job),
		byQueue:         make(map[string][]uuid.UUID),
		byState:         make(map[State][]uuid.UUID),
		dedup:           make(map[string]uuid.UUID),
		deadLetters:     make(map[string][]DeadLetter),
		paused:          make(map[string]bool),
		recurring:       make(map[string]*Recurring),
		now:             time.Now,
		deadLetterLimit: defaultDeadLetterLimit,
	}
	for _, opt := range opts {
		opt(ms)
	}
	return ms
}

func dedupIndexKey(taskType, key string) string {
	return taskType + ":" + key
}

// Enqueue implements EnqueuerRepository and SchedulerRepository.
func (ms *MemoryStorage) Enqueue(_ context.Context, job *Job) error {
	if job == nil {
		return errors.New("job cannot be nil")
	}
	if job.TaskType == "" {
		return ErrEmptyTaskType
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	if job.DedupKey != "" {
		if _, taken := ms.dedup[dedupIndexKey(job.TaskType, job.DedupKey)]; taken {
			return ErrDuplicateJob
		}
	}

	now := ms.now()
	stored := job.Clone()
	if stored.Queue == "" {
		stored.Queue = DefaultQueueName
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.ScheduledAt.Before(stored.CreatedAt) {
		stored.ScheduledAt = stored.CreatedAt
	}
	stored.State = StateWaiting
	if stored.ScheduledAt.After(now) {
		stored.State = StateDelayed
	}

	ms.jobs[stored.ID] = stored
	ms.byQueue[stored.Queue] = append(ms.byQueue[stored.Queue], stored.ID)
	ms.byState[stored.State] = append(ms.byState[stored.State], stored.ID)
	if stored.DedupKey != "" {
		ms.dedup[dedupIndexKey(stored.TaskType, stored.DedupKey)] = stored.ID
	}

	job.State = stored.State
	job.Queue = stored.Queue
	job.CreatedAt = stored.CreatedAt
	job.ScheduledAt = stored.ScheduledAt
	return nil
}

// FindByDedupKey implements EnqueuerRepository.
func (ms *MemoryStorage) FindByDedupKey(_ context.Context, taskType, key string) (*Job, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	id, ok := ms.dedup[dedupIndexKey(taskType, key)]
	if !ok {
		return nil, ErrJobNotFound
	}
	return ms.jobs[id].Clone(), nil
}

// ClaimNext implements WorkerRepository.
func (ms *MemoryStorage) ClaimNext(_ context.Context, req ClaimRequest) (*Job, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.paused[req.Queue] {
		return nil, ErrNoJobToClaim
	}

	now := ms.now()
	var best *Job
	for _, id := range ms.byState[StateWaiting] {
		job := ms.jobs[id]
		if job.Queue != req.Queue || job.ScheduledAt.After(now) {
			continue
		}
		if len(req.TaskTypes) > 0 && !slices.Contains(req.TaskTypes, job.TaskType) {
			continue
		}
		if best == nil || claimsBefore(job, best) {
			best = job
		}
	}

	if best == nil {
		return nil, ErrNoJobToClaim
	}

	leaseUntil := now.Add(req.Lease)
	startedAt := now
	best.WorkerID = req.WorkerID
	best.LeaseUntil = &leaseUntil
	best.StartedAt = &startedAt
	ms.setState(best, StateActive)

	return best.Clone(), nil
}

// claimsBefore orders by priority desc, scheduled time asc, then creation.
func claimsBefore(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// ExtendLease implements WorkerRepository.
func (ms *MemoryStorage) ExtendLease(_ context.Context, id uuid.UUID, workerID string, lease time.Duration) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, err := ms.owned(id, workerID)
	if err != nil {
		return false, err
	}

	leaseUntil := ms.now().Add(lease)
	job.LeaseUntil = &leaseUntil
	return job.CancelRequested, nil
}

// UpdateProgress implements ProgressRepository.
func (ms *MemoryStorage) UpdateProgress(_ context.Context, id uuid.UUID, workerID string, percent float64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, err := ms.owned(id, workerID)
	if err != nil {
		return err
	}

	job.Progress = max(job.Progress, clampPercent(percent))
	return nil
}

// AppendLog implements ProgressRepository.
func (ms *MemoryStorage) AppendLog(_ context.Context, id uuid.UUID, workerID string, lines ...string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, err := ms.owned(id, workerID)
	if err != nil {
		return err
	}

	job.Log = append(job.Log, lines...)
	if over := len(job.Log) - maxLogLines; over > 0 {
		job.Log = slices.Delete(job.Log, 0, over)
	}
	return nil
}

// Complete implements WorkerRepository.
func (ms *MemoryStorage) Complete(_ context.Context, id uuid.UUID, workerID string, result json.RawMessage) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, err := ms.owned(id, workerID)
	if err != nil {
		return err
	}

	now := ms.now()
	ms.recordAttempt(job, now, Failure{}, 0)
	job.Result = slices.Clone(result)
	job.Progress = 100
	job.FinishedAt = &now
	ms.setState(job, StateCompleted)
	return nil
}

// RetryLater implements WorkerRepository. A job that has used up its
// attempts is failed instead.
func (ms *MemoryStorage) RetryLater(_ context.Context, id uuid.UUID, workerID string, delay time.Duration, f Failure) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, err := ms.owned(id, workerID)
	if err != nil {
		return err
	}

	now := ms.now()
	if job.AttemptsMade+1 >= job.MaxAttempts {
		ms.recordAttempt(job, now, f, 0)
		ms.failLocked(job, now, f)
		return nil
	}

	delay = max(delay, 0)
	ms.recordAttempt(job, now, f, delay)
	job.LastError = f.Error
	job.ErrorClass = f.Class
	job.StartedAt = nil
	job.Progress = 0
	job.ScheduledAt = now.Add(delay)
	if delay > 0 {
		ms.setState(job, StateDelayed)
	} else {
		ms.setState(job, StateWaiting)
	}
	return nil
}

// Fail implements WorkerRepository.
func (ms *MemoryStorage) Fail(_ context.Context, id uuid.UUID, workerID string, f Failure) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, err := ms.owned(id, workerID)
	if err != nil {
		return err
	}

	now := ms.now()
	ms.recordAttempt(job, now, f, 0)
	ms.failLocked(job, now, f)
	return nil
}

// Cancel implements InspectorRepository.
func (ms *MemoryStorage) Cancel(_ context.Context, id uuid.UUID) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, ok := ms.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}

	switch job.State {
	case StateWaiting, StateDelayed:
		ms.failLocked(job, ms.now(), Failure{Error: retry.ErrCanceled.Error(), Class: retry.ClassCanceled})
		return true, nil
	case StateActive:
		job.CancelRequested = true
	}
	return false, nil
}

// Get implements InspectorRepository.
func (ms *MemoryStorage) Get(_ context.Context, id uuid.UUID) (*Job, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	job, ok := ms.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// List implements InspectorRepository. Newest jobs come first.
func (ms *MemoryStorage) List(_ context.Context, f Filter) ([]*Job, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var ids []uuid.UUID
	if f.Queue != "" {
		ids = ms.byQueue[f.Queue]
	} else {
		ids = make([]uuid.UUID, 0, len(ms.jobs))
		for id := range ms.jobs {
			ids = append(ids, id)
		}
	}

	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job := ms.jobs[id]
		if f.TaskType != "" && job.TaskType != f.TaskType {
			continue
		}
		if len(f.States) > 0 && !slices.Contains(f.States, job.State) {
			continue
		}
		out = append(out, job)
	}

	slices.SortFunc(out, func(a, b *Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID.String(), a.ID.String())
	})

	out = paginate(out, f.Offset, f.Limit)
	for i, job := range out {
		out[i] = job.Clone()
	}
	return out, nil
}

// PromoteDelayed implements MaintenanceRepository.
func (ms *MemoryStorage) PromoteDelayed(_ context.Context) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	var due []*Job
	for _, id := range ms.byState[StateDelayed] {
		if job := ms.jobs[id]; !job.ScheduledAt.After(now) {
			due = append(due, job)
		}
	}
	for _, job := range due {
		ms.setState(job, StateWaiting)
	}
	return len(due), nil
}

// RequeueStalled implements MaintenanceRepository.
func (ms *MemoryStorage) RequeueStalled(_ context.Context) (StallReport, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	var (
		report  StallReport
		expired []*Job
	)
	for _, id := range ms.byState[StateActive] {
		job := ms.jobs[id]
		if job.LeaseUntil != nil && job.LeaseUntil.Before(now) {
			expired = append(expired, job)
		}
	}

	for _, job := range expired {
		job.StallCount++
		if job.StallCount > job.MaxStalls {
			ms.failLocked(job, now, Failure{Error: retry.ErrStalled.Error(), Class: retry.ClassStalled})
			report.Failed = append(report.Failed, job.ID)
			continue
		}

		job.WorkerID = ""
		job.LeaseUntil = nil
		job.StartedAt = nil
		job.Progress = 0
		job.CancelRequested = false
		ms.setState(job, StateWaiting)
		report.Requeued = append(report.Requeued, job.ID)
	}

	return report, nil
}

// Purge implements MaintenanceRepository.
func (ms *MemoryStorage) Purge(_ context.Context, r Retention) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	removed := 0

	for queue, ids := range ms.byQueue {
		var completed, failed []*Job
		for _, id := range slices.Clone(ids) {
			job := ms.jobs[id]
			if !job.State.Terminal() {
				continue
			}
			if r.MaxAge > 0 && job.FinishedAt != nil && now.Sub(*job.FinishedAt) > r.MaxAge {
				ms.deleteLocked(job)
				removed++
				continue
			}
			if job.State == StateCompleted {
				completed = append(completed, job)
			} else {
				failed = append(failed, job)
			}
		}

		removed += ms.trimLocked(completed, r.MaxCompleted)
		removed += ms.trimLocked(failed, r.MaxFailed)

		if len(ms.byQueue[queue]) == 0 {
			delete(ms.byQueue, queue)
		}
	}

	return removed, nil
}

// trimLocked keeps the newest limit jobs and deletes the rest.
func (ms *MemoryStorage) trimLocked(jobs []*Job, limit int) int {
	if limit <= 0 || len(jobs) <= limit {
		return 0
	}
	slices.SortFunc(jobs, func(a, b *Job) int {
		return finishedAt(b).Compare(finishedAt(a))
	})
	for _, job := range jobs[limit:] {
		ms.deleteLocked(job)
	}
	return len(jobs) - limit
}

func finishedAt(j *Job) time.Time {
	if j.FinishedAt != nil {
		return *j.FinishedAt
	}
	return j.CreatedAt
}

// DeadLetters implements InspectorRepository. Newest entries come first; an
// empty queue name lists all queues.
func (ms *MemoryStorage) DeadLetters(_ context.Context, queue string, limit int) ([]DeadLetter, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var out []DeadLetter
	if queue != "" {
		out = slices.Clone(ms.deadLetters[queue])
	} else {
		for _, dl := range ms.deadLetters {
			out = append(out, dl...)
		}
	}

	slices.SortFunc(out, func(a, b DeadLetter) int {
		return b.FailedAt.Compare(a.FailedAt)
	})
	return paginate(out, 0, limit), nil
}

// Pause implements InspectorRepository.
func (ms *MemoryStorage) Pause(_ context.Context, queue string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.paused[queue] = true
	return nil
}

// Resume implements InspectorRepository.
func (ms *MemoryStorage) Resume(_ context.Context, queue string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.paused, queue)
	return nil
}

// IsPaused implements InspectorRepository.
func (ms *MemoryStorage) IsPaused(_ context.Context, queue string) (bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.paused[queue], nil
}

// Stats implements InspectorRepository.
func (ms *MemoryStorage) Stats(_ context.Context, queue string, since time.Time) (Stats, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	st := Stats{Queue: queue, Paused: ms.paused[queue], Since: since}
	var total time.Duration

	for _, id := range ms.byQueue[queue] {
		job := ms.jobs[id]
		switch job.State {
		case StateWaiting:
			st.Waiting++
		case StateDelayed:
			st.Delayed++
		case StateActive:
			st.Active++
		case StateCompleted:
			st.Completed++
		case StateFailed:
			st.Failed++
		}

		for _, a := range job.Attempts {
			if a.FinishedAt.Before(since) {
				continue
			}
			st.Finished++
			total += a.Duration()
			if a.Class != "" {
				st.FailedAttempts++
			}
		}
	}

	if st.Finished > 0 {
		st.AvgProcessing = total / time.Duration(st.Finished)
	}
	return st, nil
}

// UpsertRecurring implements EnqueuerRepository and SchedulerRepository.
func (ms *MemoryStorage) UpsertRecurring(_ context.Context, r *Recurring) error {
	if r == nil || r.ID == "" {
		return errors.New("recurring job must have an id")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	stored := *r
	stored.Payload = slices.Clone(r.Payload)
	stored.Tags = slices.Clone(r.Tags)
	stored.UpdatedAt = now
	stored.CreatedAt = now
	if prev, ok := ms.recurring[r.ID]; ok {
		stored.CreatedAt = prev.CreatedAt
		stored.LastRunAt = prev.LastRunAt
		stored.LastJobID = prev.LastJobID
	}
	ms.recurring[r.ID] = &stored
	return nil
}

// ListRecurring implements SchedulerRepository.
func (ms *MemoryStorage) ListRecurring(_ context.Context) ([]Recurring, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	out := make([]Recurring, 0, len(ms.recurring))
	for _, r := range ms.recurring {
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b Recurring) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// GetRecurring implements SchedulerRepository.
func (ms *MemoryStorage) GetRecurring(_ context.Context, id string) (*Recurring, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	r, ok := ms.recurring[id]
	if !ok {
		return nil, ErrRecurringNotFound
	}
	c := *r
	return &c, nil
}

// DeleteRecurring implements SchedulerRepository.
func (ms *MemoryStorage) DeleteRecurring(_ context.Context, id string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.recurring[id]; !ok {
		return ErrRecurringNotFound
	}
	delete(ms.recurring, id)
	return nil
}

// MarkRecurringFired implements SchedulerRepository.
func (ms *MemoryStorage) MarkRecurringFired(_ context.Context, id string, jobID *uuid.UUID, firedAt, next time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	r, ok := ms.recurring[id]
	if !ok {
		return ErrRecurringNotFound
	}
	r.LastRunAt = &firedAt
	r.NextRunAt = next
	if jobID != nil {
		v := *jobID
		r.LastJobID = &v
	}
	r.UpdatedAt = ms.now()
	return nil
}

// Helper methods

// owned returns the active job held by workerID.
func (ms *MemoryStorage) owned(id uuid.UUID, workerID string) (*Job, error) {
	job, ok := ms.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.State != StateActive || job.WorkerID != workerID {
		return nil, ErrLeaseLost
	}
	return job, nil
}

func (ms *MemoryStorage) recordAttempt(job *Job, now time.Time, f Failure, delay time.Duration) {
	job.AttemptsMade++
	started := now
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	job.Attempts = append(job.Attempts, Attempt{
		Number:     job.AttemptsMade,
		WorkerID:   job.WorkerID,
		StartedAt:  started,
		FinishedAt: now,
		Error:      f.Error,
		Class:      f.Class,
		RetryDelay: delay,
	})
	job.WorkerID = ""
	job.LeaseUntil = nil
}

func (ms *MemoryStorage) failLocked(job *Job, now time.Time, f Failure) {
	job.LastError = f.Error
	job.ErrorClass = f.Class
	job.FinishedAt = &now
	job.WorkerID = ""
	job.LeaseUntil = nil
	ms.setState(job, StateFailed)

	if f.Class == retry.ClassCanceled {
		return
	}

	dl := DeadLetter{
		ID:           uuid.New(),
		JobID:        job.ID,
		Queue:        job.Queue,
		TaskType:     job.TaskType,
		Payload:      slices.Clone(job.Payload),
		Error:        f.Error,
		Class:        f.Class,
		AttemptsMade: job.AttemptsMade,
		FailedAt:     now,
	}
	entries := append(ms.deadLetters[job.Queue], dl)
	if over := len(entries) - ms.deadLetterLimit; over > 0 {
		entries = slices.Delete(entries, 0, over)
	}
	ms.deadLetters[job.Queue] = entries
}

// setState moves job between state indexes. Terminal states release the
// dedup key.
func (ms *MemoryStorage) setState(job *Job, state State) {
	ms.byState[job.State] = slices.DeleteFunc(ms.byState[job.State], func(id uuid.UUID) bool {
		return id == job.ID
	})
	job.State = state
	ms.byState[state] = append(ms.byState[state], job.ID)

	if state.Terminal() && job.DedupKey != "" {
		key := dedupIndexKey(job.TaskType, job.DedupKey)
		if ms.dedup[key] == job.ID {
			delete(ms.dedup, key)
		}
	}
}

func (ms *MemoryStorage) deleteLocked(job *Job) {
	ms.byState[job.State] = slices.DeleteFunc(ms.byState[job.State], func(id uuid.UUID) bool {
		return id == job.ID
	})
	ms.byQueue[job.Queue] = slices.DeleteFunc(ms.byQueue[job.Queue], func(id uuid.UUID) bool {
		return id == job.ID
	})
	delete(ms.jobs, job.ID)
}

func clampPercent(p float64) float64 {
	return min(max(p, 0), 100)
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
