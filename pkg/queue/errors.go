package queue

import "errors"

var (
	ErrRepositoryNil  = errors.New("repository cannot be nil")
	ErrPayloadNil     = errors.New("payload cannot be nil")
	ErrPayloadMarshal = errors.New("failed to marshal payload to JSON")
	ErrEmptyTaskType  = errors.New("task type cannot be empty")

	ErrInvalidPriority    = errors.New("priority must be between 0 and 100")
	ErrInvalidMaxAttempts = errors.New("max attempts must be positive")
	ErrNoItemsToEnqueue   = errors.New("no items to enqueue")
	ErrInvalidChunkSize   = errors.New("chunk size must be positive")

	// ErrJobNotFound is returned when no job matches the id or key.
	ErrJobNotFound = errors.New("job not found")

	ErrRecurringNotFound = errors.New("recurring job not found")

	// ErrJobExists is returned when a job with the same id is already stored.
	ErrJobExists = errors.New("job already exists")

	// ErrDuplicateJob is returned by a store when another non-terminal job
	// already holds the same task type and dedup key.
	ErrDuplicateJob = errors.New("non-terminal job with the same dedup key exists")

	// ErrNoJobToClaim is returned by ClaimNext when nothing is claimable.
	ErrNoJobToClaim = errors.New("no job to claim")

	// ErrLeaseLost is returned when the caller no longer owns the job's lease.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrJobNotFailed is returned when retrying a job that has not failed.
	ErrJobNotFailed = errors.New("only failed jobs can be retried")

	// ErrLockContention is returned when a dedup lock could not be taken and
	// no existing job was visible.
	ErrLockContention = errors.New("dedup lock contention")

	ErrHandlerNotFound       = errors.New("no handler registered for task type")
	ErrNoHandlers            = errors.New("no task handlers registered")
	ErrTaskAlreadyRegistered = errors.New("task already registered")
	ErrWorkerStarted         = errors.New("worker already started")
	ErrWorkerNotStarted      = errors.New("worker not started")

	// ErrWorkerStopped is the cancellation cause of jobs still running when
	// the shutdown timeout expires.
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrHandlerTimeout is the cause recorded when a handler overruns its timeout.
	ErrHandlerTimeout = errors.New("handler timed out")

	// ErrHandlerPanic is the cause recorded when a handler panics.
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrResourceLocked is returned by Reporter.Lock when the resource is busy.
	ErrResourceLocked = errors.New("resource locked by another job")

	ErrNoLocker = errors.New("no locker configured")

	ErrInvalidSchedule = errors.New("invalid schedule format")
)
