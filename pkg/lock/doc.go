// Package lock provides short-lived, token-owned mutual exclusion keyed by an
// arbitrary string.
//
// A lock is held by whoever presents the token returned from Acquire. It
// expires on its own after the TTL, so a crashed holder never blocks others
// forever, and Release only succeeds while the caller's token is still the
// current one. A holder whose TTL rolled over therefore cannot release a lock
// that has since been handed to somebody else.
//
// Three backends share the [Locker] contract:
//
//   - [Memory] for tests and single-process deployments.
//   - [Redis] using SET NX PX and a compare-and-delete script.
//   - [Postgres] using the jobkit_locks table created by the pgstore
//     migrations.
//
// Typical use:
//
//	l, err := locker.AcquireBlocking(ctx, "account:42", 30*time.Second, time.Second)
//	if errors.Is(err, lock.ErrNotAcquired) {
//	    // somebody else is working on account 42
//	}
//	defer locker.Release(context.WithoutCancel(ctx), l.Key, l.Token)
package lock
