package compensation_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobkit/pkg/compensation"
	"github.com/dmitrymomot/jobkit/pkg/retry"
)

// trace records step calls in order.
type trace struct {
	mu    sync.Mutex
	calls []string
}

func (tr *trace) add(s string) {
	tr.mu.Lock()
	tr.calls = append(tr.calls, s)
	tr.mu.Unlock()
}

func (tr *trace) step(id string, execErr, rollbackErr error) compensation.Step {
	return compensation.Step{
		ID: id,
		Execute: func(context.Context) error {
			tr.add("exec:" + id)
			return execErr
		},
		Rollback: func(context.Context) error {
			tr.add("rollback:" + id)
			return rollbackErr
		},
	}
}

func TestRunner_AllStepsSucceed(t *testing.T) {
	t.Parallel()

	tr := &trace{}
	r := compensation.NewRunner()

	report, err := r.Run(context.Background(), uuid.New(), tr.step("a", nil, nil), tr.step("b", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, report.Executed)
	assert.Empty(t, report.RolledBack)
	assert.Equal(t, []string{"exec:a", "exec:b"}, tr.calls)
}

func TestRunner_ThirdOfFourFails(t *testing.T) {
	t.Parallel()

	tr := &trace{}
	r := compensation.NewRunner()
	boom := retry.Permanent(errors.New("card declined"))

	report, err := r.Run(context.Background(), uuid.New(),
		tr.step("1", nil, nil),
		tr.step("2", nil, nil),
		tr.step("3", boom, nil),
		tr.step("4", nil, nil),
	)
	require.Error(t, err)

	assert.Equal(t, []string{"exec:1", "exec:2", "exec:3", "rollback:2", "rollback:1"}, tr.calls)
	assert.Equal(t, []string{"1", "2"}, report.Executed)
	assert.Equal(t, "3", report.FailedStep)
	assert.Equal(t, []string{"2", "1"}, report.RolledBack)
	assert.False(t, report.Partial())

	var cerr *compensation.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "3", cerr.StepID)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, retry.ClassPermanent, retry.Classify(err))
}

func TestRunner_RollbackFailureDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	tr := &trace{}
	r := compensation.NewRunner()
	stepErr := errors.New("step failed")
	rbErr := errors.New("rollback failed")

	report, err := r.Run(context.Background(), uuid.New(),
		tr.step("a", nil, nil),
		tr.step("b", nil, rbErr),
		tr.step("c", stepErr, nil),
	)

	assert.ErrorIs(t, err, stepErr)
	assert.NotErrorIs(t, err, rbErr)
	assert.Equal(t, []string{"exec:a", "exec:b", "exec:c", "rollback:b", "rollback:a"}, tr.calls)
	assert.True(t, report.Partial())
	require.Len(t, report.RollbackFailures, 1)
	assert.Equal(t, "b", report.RollbackFailures[0].StepID)
	assert.Equal(t, []string{"a"}, report.RolledBack)
	assert.Contains(t, err.Error(), "1 rollback failures")
	assert.Equal(t, retry.ClassRetryable, retry.Classify(err))
}

func TestRunner_PanicIsRolledBack(t *testing.T) {
	t.Parallel()

	tr := &trace{}
	r := compensation.NewRunner()

	_, err := r.Run(context.Background(), uuid.New(),
		tr.step("a", nil, nil),
		compensation.Step{ID: "b", Execute: func(context.Context) error { panic("oops") }},
	)
	assert.ErrorIs(t, err, compensation.ErrStepPanic)
	assert.Equal(t, []string{"exec:a", "rollback:a"}, tr.calls)
}

func TestRunner_CanceledContextStillRollsBack(t *testing.T) {
	t.Parallel()

	tr := &trace{}
	r := compensation.NewRunner()
	ctx, cancel := context.WithCancelCause(context.Background())
	stop := errors.New("stop")

	var rollbackCtxErr error
	steps := []compensation.Step{
		{
			ID:      "a",
			Execute: func(context.Context) error { cancel(stop); return nil },
			Rollback: func(ctx context.Context) error {
				rollbackCtxErr = ctx.Err()
				return nil
			},
		},
		tr.step("b", nil, nil),
	}

	report, err := r.Run(ctx, uuid.New(), steps...)
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, "b", report.FailedStep)
	assert.Equal(t, []string{"a"}, report.RolledBack)
	assert.NoError(t, rollbackCtxErr)
	assert.Empty(t, tr.calls)
}

func TestRunner_InvalidPlan(t *testing.T) {
	t.Parallel()

	r := compensation.NewRunner()
	noop := func(context.Context) error { return nil }

	_, err := r.Run(context.Background(), uuid.New(), compensation.Step{ID: "a"})
	assert.ErrorIs(t, err, compensation.ErrInvalidPlan)
	assert.Equal(t, retry.ClassValidation, retry.Classify(err))

	_, err = r.Run(context.Background(), uuid.New(),
		compensation.Step{ID: "a", Execute: noop},
		compensation.Step{ID: "a", Execute: noop},
	)
	assert.ErrorIs(t, err, compensation.ErrInvalidPlan)
}

func TestRunner_TracksInFlight(t *testing.T) {
	t.Parallel()

	var seen []string
	r := compensation.NewRunner()
	jobID := uuid.New()

	_, err := r.Run(context.Background(), jobID,
		compensation.Step{ID: "a", Execute: func(context.Context) error { return nil }},
		compensation.Step{ID: "b", Execute: func(context.Context) error {
			seen, _ = r.InFlight(jobID)
			return nil
		}},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, seen)

	_, ok := r.InFlight(jobID)
	assert.False(t, ok)
}

func TestRunner_StepHook(t *testing.T) {
	t.Parallel()

	var progress []int
	r := compensation.NewRunner(compensation.WithStepHook(func(_ context.Context, _ compensation.Step, i, total int) {
		progress = append(progress, i*100/total)
	}))
	noop := func(context.Context) error { return nil }

	_, err := r.Run(context.Background(), uuid.New(),
		compensation.Step{ID: "a", Execute: noop},
		compensation.Step{ID: "b", Execute: noop},
	)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 50}, progress)
}

func ExampleRunner_Run() {
	runner := compensation.NewRunner()
	step := func(id string, fail bool) compensation.Step {
		return compensation.Step{
			ID: id,
			Execute: func(context.Context) error {
				if fail {
					return errors.New("declined")
				}
				return nil
			},
			Rollback: func(context.Context) error {
				fmt.Println("undo", id)
				return nil
			},
		}
	}

	_, err := runner.Run(context.Background(), uuid.New(),
		step("reserve", false),
		step("charge", false),
		step("ship", true),
	)
	fmt.Println(err)
	// Output:
	// undo charge
	// undo reserve
	// step "ship" failed: declined
}
