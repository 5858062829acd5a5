package queue

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/jobkit/pkg/retry"
)

// DefaultQueueName is the queue used when no queue is specified.
const DefaultQueueName = "default"

// TagCritical marks jobs whose permanent failure raises an alert.
const TagCritical = "critical"

// State is the lifecycle position of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed:
		return true
	}
	return false
}

// AllStates lists every state in lifecycle order.
var AllStates = []State{StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed}

// Priority represents job priority (0-100, higher runs sooner).
type Priority int8

const (
	PriorityMin     Priority = 0
	PriorityLow     Priority = 25
	PriorityMedium  Priority = 50
	PriorityHigh    Priority = 75
	PriorityMax     Priority = 100
	PriorityDefault Priority = PriorityMedium
)

// Valid checks if the priority is within valid range.
func (p Priority) Valid() bool {
	return p >= PriorityMin && p <= PriorityMax
}

// Job is one unit of work owned by the store. Values returned by a store are
// copies; mutating them has no effect on stored state.
type Job struct {
	ID           uuid.UUID       `json:"id"`
	Queue        string          `json:"queue"`
	TaskType     string          `json:"task_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     Priority        `json:"priority"`
	State        State           `json:"state"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	Retry        retry.Policy    `json:"retry"`
	Timeout      time.Duration   `json:"timeout,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	DedupKey     string          `json:"dedup_key,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	LastError  string          `json:"last_error,omitempty"`
	ErrorClass retry.Class     `json:"error_class,omitempty"`
	Progress   float64         `json:"progress"`
	Log        []string        `json:"log,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`

	WorkerID        string     `json:"worker_id,omitempty"`
	LeaseUntil      *time.Time `json:"lease_until,omitempty"`
	StallCount      int        `json:"stall_count"`
	MaxStalls       int        `json:"max_stalls"`
	CancelRequested bool       `json:"cancel_requested"`

	RecurringID string     `json:"recurring_id,omitempty"`
	RetriedFrom *uuid.UUID `json:"retried_from,omitempty"`
	Attempts    []Attempt  `json:"attempts,omitempty"`
}

// HasTag reports whether the job carries tag.
func (j *Job) HasTag(tag string) bool {
	return slices.Contains(j.Tags, tag)
}

// Critical reports whether a permanent failure of the job raises an alert.
func (j *Job) Critical() bool {
	return j.HasTag(TagCritical)
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = slices.Clone(j.Payload)
	c.Result = slices.Clone(j.Result)
	c.Tags = slices.Clone(j.Tags)
	c.Log = slices.Clone(j.Log)
	c.Attempts = slices.Clone(j.Attempts)
	c.StartedAt = cloneTime(j.StartedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	c.LeaseUntil = cloneTime(j.LeaseUntil)
	if j.RetriedFrom != nil {
		id := *j.RetriedFrom
		c.RetriedFrom = &id
	}
	return &c
}

// Attempt records one finished execution of a job.
type Attempt struct {
	Number     int           `json:"number"`
	WorkerID   string        `json:"worker_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Error      string        `json:"error,omitempty"`
	Class      retry.Class   `json:"class,omitempty"`
	RetryDelay time.Duration `json:"retry_delay,omitempty"`
}

// Duration is how long the attempt ran.
func (a Attempt) Duration() time.Duration {
	return a.FinishedAt.Sub(a.StartedAt)
}

// Failure describes why an attempt did not complete.
type Failure struct {
	Error string
	Class retry.Class
}

// DeadLetter is the record kept for a permanently failed job.
type DeadLetter struct {
	ID           uuid.UUID       `json:"id"`
	JobID        uuid.UUID       `json:"job_id"`
	Queue        string          `json:"queue"`
	TaskType     string          `json:"task_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Error        string          `json:"error"`
	Class        retry.Class     `json:"class"`
	AttemptsMade int             `json:"attempts_made"`
	FailedAt     time.Time       `json:"failed_at"`
}

// Recurring is a cron-scheduled job definition. Each firing enqueues a new
// job built from the definition.
type Recurring struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	TaskType    string          `json:"task_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Schedule    string          `json:"schedule"`
	Priority    Priority        `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	Retry       retry.Policy    `json:"retry"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	MaxStalls   int             `json:"max_stalls"`
	NextRunAt   time.Time       `json:"next_run_at"`
	LastRunAt   *time.Time      `json:"last_run_at,omitempty"`
	LastJobID   *uuid.UUID      `json:"last_job_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ClaimRequest scopes a claim to one queue and a set of task types.
type ClaimRequest struct {
	Queue     string
	TaskTypes []string
	WorkerID  string
	Lease     time.Duration
}

// Filter selects jobs for List. Zero fields match everything.
type Filter struct {
	Queue    string
	TaskType string
	States   []State
	Limit    int
	Offset   int
}

// Stats is a point-in-time view of one queue plus attempt totals since a
// given instant.
type Stats struct {
	Queue     string
	Paused    bool
	Waiting   int
	Delayed   int
	Active    int
	Completed int
	Failed    int

	Since          time.Time
	Finished       int
	FailedAttempts int
	AvgProcessing  time.Duration
}

// StallReport lists jobs touched by a stall sweep.
type StallReport struct {
	Requeued []uuid.UUID
	Failed   []uuid.UUID
}

// Retention bounds how many terminal jobs a queue keeps and for how long.
type Retention struct {
	MaxAge       time.Duration
	MaxCompleted int
	MaxFailed    int
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
