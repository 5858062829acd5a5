// Package compensation runs a job's multi-step work as a linear saga. Each
// Step pairs an Execute with a Rollback; when a step fails, the rollbacks of
// the steps that already ran execute in reverse order and the original error
// is returned wrapped in *Error.
//
// Rollback failures never mask the step error. They are logged, listed in
// Report.RollbackFailures and left for manual reconciliation.
//
//	runner := compensation.NewRunner(compensation.WithLogger(log))
//	report, err := runner.Run(ctx, r.JobID(),
//	    compensation.Step{ID: "reserve", Execute: reserve, Rollback: release},
//	    compensation.Step{ID: "charge", Execute: charge, Rollback: refund},
//	    compensation.Step{ID: "ship", Execute: ship},
//	)
package compensation
