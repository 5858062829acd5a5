package jobkit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/jobkit/pkg/queue"
	"github.com/dmitrymomot/jobkit/pkg/retry"
)

// Status is what callers see of a job.
type Status struct {
	ID           uuid.UUID       `json:"id"`
	Queue        string          `json:"queue"`
	TaskType     string          `json:"task_type"`
	State        queue.State     `json:"state"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Progress     float64         `json:"progress"`
	Log          []string        `json:"log,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	Class        retry.Class     `json:"class,omitempty"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	Attempts     []queue.Attempt `json:"attempts,omitempty"`
	RetriedFrom  *uuid.UUID      `json:"retried_from,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the job reached completed or failed.
func (s Status) Terminal() bool {
	return s.State == queue.StateCompleted || s.State == queue.StateFailed
}

func statusFromJob(j *queue.Job) Status {
	return Status{
		ID:           j.ID,
		Queue:        j.Queue,
		TaskType:     j.TaskType,
		State:        j.State,
		Payload:      j.Payload,
		Progress:     j.Progress,
		Log:          j.Log,
		Result:       j.Result,
		Error:        j.LastError,
		Class:        j.ErrorClass,
		AttemptsMade: j.AttemptsMade,
		MaxAttempts:  j.MaxAttempts,
		Attempts:     j.Attempts,
		RetriedFrom:  j.RetriedFrom,
		CreatedAt:    j.CreatedAt,
		ScheduledAt:  j.ScheduledAt,
		StartedAt:    j.StartedAt,
		FinishedAt:   j.FinishedAt,
	}
}
