package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class is the failure category a job error falls into.
type Class string

const (
	ClassRetryable      Class = "retryable"
	ClassRateLimited    Class = "rate_limited"
	ClassPermanent      Class = "permanent"
	ClassValidation     Class = "validation"
	ClassLockContention Class = "lock_contention"
	ClassStalled        Class = "stalled"
	ClassCanceled       Class = "canceled"
)

// Retryable reports whether jobs failing with this class may be attempted again.
func (c Class) Retryable() bool {
	return c == ClassRetryable || c == ClassRateLimited
}

var (
	// ErrStalled is recorded when a job exceeded the stall requeue limit.
	ErrStalled = errors.New("job lease expired too many times")

	// ErrCanceled is recorded when a job was canceled before it ran.
	ErrCanceled = errors.New("job canceled")
)

// Error attaches a failure class to an underlying error.
type Error struct {
	Class      Class
	Err        error
	RetryAfter time.Duration
	Details    map[string]any
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable with exponential backoff.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassRetryable, Err: err}
}

// RateLimit marks err as retryable after the given wait, bypassing backoff.
func RateLimit(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassRateLimited, Err: err, RetryAfter: max(after, 0)}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassPermanent, Err: err}
}

// Invalid marks err as an input validation failure. Details are logged with
// the failure and never retried.
func Invalid(err error, details map[string]any) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassValidation, Err: err, Details: details}
}

// Classify returns the class of err. Unclassified errors and deadline
// overruns are retryable.
func Classify(err error) Class {
	if err == nil {
		return ""
	}

	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Class
	}

	switch {
	case errors.Is(err, ErrCanceled):
		return ClassCanceled
	case errors.Is(err, ErrStalled):
		return ClassStalled
	case errors.Is(err, context.DeadlineExceeded):
		return ClassRetryable
	}

	return ClassRetryable
}

// RetryAfter returns the wait requested by a RateLimit error.
func RetryAfter(err error) (time.Duration, bool) {
	var rerr *Error
	if errors.As(err, &rerr) && rerr.Class == ClassRateLimited {
		return rerr.RetryAfter, true
	}
	return 0, false
}

// Details returns the structured details attached by Invalid.
func Details(err error) map[string]any {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Details
	}
	return nil
}
