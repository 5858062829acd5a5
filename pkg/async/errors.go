package async

import "errors"

// ErrTimeout is returned by AwaitWithTimeout when the computation is still running.
var ErrTimeout = errors.New("async: operation timed out waiting for future completion")
