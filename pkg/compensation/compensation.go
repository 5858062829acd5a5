package compensation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/jobkit/pkg/logger"
	"github.com/dmitrymomot/jobkit/pkg/retry"
)

var (
	ErrInvalidPlan = errors.New("invalid compensation plan")
	ErrStepPanic   = errors.New("compensation step panicked")
)

// Step is one forward action paired with the rollback that undoes it.
// Rollback may be nil for steps with nothing to undo.
type Step struct {
	ID          string
	Description string
	Execute     func(ctx context.Context) error
	Rollback    func(ctx context.Context) error
}

// RollbackFailure is a rollback that returned an error. It is left for
// manual reconciliation and never retried.
type RollbackFailure struct {
	StepID string
	Err    error
}

// Report describes what a run did.
type Report struct {
	JobID            uuid.UUID
	Executed         []string
	FailedStep       string
	RolledBack       []string
	RollbackFailures []RollbackFailure
}

// Partial reports whether some rollback failed.
func (r Report) Partial() bool {
	return len(r.RollbackFailures) > 0
}

// Error is returned when a step fails. It unwraps to the step's error so the
// retry classifier sees the original class.
type Error struct {
	StepID           string
	Err              error
	RollbackFailures []RollbackFailure
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("step %q failed: %v", e.StepID, e.Err)
	if n := len(e.RollbackFailures); n > 0 {
		msg += fmt.Sprintf(" (%d rollback failures)", n)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StepHook is called before each step executes. index is 0-based.
type StepHook func(ctx context.Context, step Step, index, total int)

// Runner executes compensable step sequences. A Runner is safe for
// concurrent use by many jobs.
type Runner struct {
	log             *slog.Logger
	rollbackTimeout time.Duration
	onStep          StepHook

	mu       sync.Mutex
	inFlight map[uuid.UUID][]string
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// WithRollbackTimeout bounds the whole rollback phase. Rollbacks run on a
// context detached from the job's cancellation. Default is 30s.
func WithRollbackTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.rollbackTimeout = d
		}
	}
}

// WithStepHook registers a callback run before every step, e.g. to report
// job progress.
func WithStepHook(h StepHook) Option {
	return func(r *Runner) {
		r.onStep = h
	}
}

// NewRunner returns a Runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		log:             slog.Default(),
		rollbackTimeout: 30 * time.Second,
		inFlight:        make(map[uuid.UUID][]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes steps in order. When a step fails, the rollbacks of the steps
// already executed run in reverse order; a failing rollback is logged and
// the remaining rollbacks still run. The returned error is an *Error.
func (r *Runner) Run(ctx context.Context, jobID uuid.UUID, steps ...Step) (Report, error) {
	report := Report{JobID: jobID}
	if err := validate(steps); err != nil {
		return report, err
	}

	r.track(jobID, nil)
	defer r.forget(jobID)

	log := r.log.With(logger.Component("compensation"), logger.JobID(jobID.String()))

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return r.abort(ctx, log, &report, steps[:i], step.ID, context.Cause(ctx))
		}
		if r.onStep != nil {
			r.onStep(ctx, step, i, len(steps))
		}

		if err := runStep(ctx, step.Execute); err != nil {
			return r.abort(ctx, log, &report, steps[:i], step.ID, err)
		}

		report.Executed = append(report.Executed, step.ID)
		r.track(jobID, report.Executed)
	}

	return report, nil
}

// InFlight returns the steps a running job has executed so far. The record
// is dropped when Run returns.
func (r *Runner) InFlight(jobID uuid.UUID) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids, ok := r.inFlight[jobID]
	return slices.Clone(ids), ok
}

func (r *Runner) abort(ctx context.Context, log *slog.Logger, report *Report, done []Step, failedID string, cause error) (Report, error) {
	report.FailedStep = failedID
	log.WarnContext(ctx, "compensation step failed, rolling back",
		slog.String("step", failedID),
		slog.Int("rollbacks", len(done)),
		logger.Error(cause),
	)

	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.rollbackTimeout)
	defer cancel()

	for _, step := range slices.Backward(done) {
		if step.Rollback == nil {
			continue
		}
		if err := runStep(rbCtx, step.Rollback); err != nil {
			log.ErrorContext(ctx, "rollback failed",
				slog.String("step", step.ID),
				logger.Error(err),
			)
			report.RollbackFailures = append(report.RollbackFailures, RollbackFailure{StepID: step.ID, Err: err})
			continue
		}
		report.RolledBack = append(report.RolledBack, step.ID)
	}

	return *report, &Error{StepID: failedID, Err: cause, RollbackFailures: report.RollbackFailures}
}

func (r *Runner) track(jobID uuid.UUID, executed []string) {
	r.mu.Lock()
	r.inFlight[jobID] = slices.Clone(executed)
	r.mu.Unlock()
}

func (r *Runner) forget(jobID uuid.UUID) {
	r.mu.Lock()
	delete(r.inFlight, jobID)
	r.mu.Unlock()
}

func runStep(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("%w: %v", ErrStepPanic, v)
		}
	}()
	return fn(ctx)
}

func validate(steps []Step) error {
	seen := make(map[string]struct{}, len(steps))
	for i, s := range steps {
		if s.ID == "" || s.Execute == nil {
			return retry.Invalid(
				fmt.Errorf("%w: step %d needs an id and an execute func", ErrInvalidPlan, i),
				map[string]any{"index": i},
			)
		}
		if _, dup := seen[s.ID]; dup {
			return retry.Invalid(
				fmt.Errorf("%w: duplicate step id %q", ErrInvalidPlan, s.ID),
				map[string]any{"step": s.ID},
			)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}
