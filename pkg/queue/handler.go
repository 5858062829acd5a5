package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dmitrymomot/jobkit/pkg/retry"
)

type (
	// Handler executes jobs of one task type. The returned result is stored
	// on the job when it completes.
	Handler interface {
		Name() string
		Handle(ctx context.Context, payload json.RawMessage, r *Reporter) (json.RawMessage, error)
	}

	TaskHandlerFunc[T any]          func(ctx context.Context, payload T, r *Reporter) error
	ResultHandlerFunc[T any, R any] func(ctx context.Context, payload T, r *Reporter) (R, error)
	PeriodicTaskHandlerFunc         func(ctx context.Context, r *Reporter) error
)

// NewTaskHandler creates a handler named after the payload type, matching
// the task type Enqueuer.Enqueue derives.
func NewTaskHandler[T any](handler TaskHandlerFunc[T]) Handler {
	var payload T
	return NewNamedTaskHandler(qualifiedStructName(payload), handler)
}

// NewNamedTaskHandler creates a handler for an explicit task type.
func NewNamedTaskHandler[T any](name string, handler TaskHandlerFunc[T]) Handler {
	return &resultHandler[T, struct{}]{
		name: name,
		handler: func(ctx context.Context, payload T, r *Reporter) (struct{}, error) {
			return struct{}{}, handler(ctx, payload, r)
		},
		discard: true,
	}
}

// NewResultHandler creates a handler whose return value is JSON encoded and
// stored as the job result.
func NewResultHandler[T any, R any](name string, handler ResultHandlerFunc[T, R]) Handler {
	return &resultHandler[T, R]{name: name, handler: handler}
}

// NewPeriodicTaskHandler creates a payload-less handler, typically bound to
// a recurring definition.
func NewPeriodicTaskHandler(name string, handler PeriodicTaskHandlerFunc) Handler {
	return &periodicTaskHandler{
		name:    name,
		handler: handler,
	}
}

type resultHandler[T any, R any] struct {
	name    string
	handler ResultHandlerFunc[T, R]
	discard bool
}

func (h *resultHandler[T, R]) Name() string {
	return h.name
}

func (h *resultHandler[T, R]) Handle(ctx context.Context, payload json.RawMessage, r *Reporter) (json.RawMessage, error) {
	var t T
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, retry.Invalid(
				fmt.Errorf("failed to decode payload: %w", err),
				map[string]any{"task_type": h.name, "payload_size": len(payload)},
			)
		}
	}

	res, err := h.handler(ctx, t, r)
	if err != nil || h.discard {
		return nil, err
	}

	data, err := json.Marshal(res)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to encode result: %w", err))
	}
	return data, nil
}

type periodicTaskHandler struct {
	name    string
	handler PeriodicTaskHandlerFunc
}

func (h *periodicTaskHandler) Name() string {
	return h.name
}

func (h *periodicTaskHandler) Handle(ctx context.Context, _ json.RawMessage, r *Reporter) (json.RawMessage, error) {
	return nil, h.handler(ctx, r)
}

// qualifiedStructName derives a task type from a payload's Go type, with
// pointer markers dropped: "main.ResizeImage", "[]string".
func qualifiedStructName(v any) string {
	return strings.TrimLeft(fmt.Sprintf("%T", v), "*")
}
