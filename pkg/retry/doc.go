// Package retry classifies job failures and turns a failure into a retry
// decision.
//
// Handlers signal intent by wrapping errors with one of the constructors:
//
//	return retry.Transient(err)                   // try again with backoff
//	return retry.RateLimit(err, 30*time.Second)   // try again after a fixed wait
//	return retry.Permanent(err)                   // never retry
//	return retry.Invalid(err, map[string]any{"size": "must be positive"})
//
// Errors that carry no class are treated as retryable, and so is a handler
// that ran past its deadline. [Policy.Decide] combines the class with the
// number of attempts made so far:
//
//	policy := retry.DefaultPolicy()
//	d := policy.Decide(job.AttemptsMade, err)
//	if d.Retry {
//	    // reschedule after d.Delay
//	}
//
// The exponential delay for attempt n is
// min(MaxDelay, BaseDelay*Multiplier^(n-1)) shifted by a uniform jitter in
// [-Jitter, +Jitter] and clamped at zero.
package retry
