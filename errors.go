package jobkit

import "errors"

var (
	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrEmptyQueueName is returned when JOBKIT_QUEUES contains an empty name.
	ErrEmptyQueueName = errors.New("queue name cannot be empty")

	// ErrEngineClosed is returned by Run after Close.
	ErrEngineClosed = errors.New("engine is closed")
)
