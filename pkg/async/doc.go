// Package async provides a generic Future for running a computation in its
// own goroutine and waiting for it with a timeout or a context.
//
//	f := async.Async(ctx, job, run)
//	res, err := f.AwaitWithTimeout(30 * time.Second)
//	if errors.Is(err, async.ErrTimeout) {
//	    // the computation is still running; cancel its context
//	}
//
// Panics inside the computation are recovered and returned as *PanicError.
// WaitAll collects the results of several futures.
package async
