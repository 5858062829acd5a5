package queue

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/dmitrymomot/jobkit/pkg/alert"
	"github.com/dmitrymomot/jobkit/pkg/lock"
)

// WorkerOption is a functional option for configuring a worker
type WorkerOption func(*workerOptions)

type workerOptions struct {
	workerID           string
	pullInterval       time.Duration
	lease              time.Duration
	handlerTimeout     time.Duration
	shutdownTimeout    time.Duration
	maxConcurrentTasks int
	locker             lock.Locker
	lockWait           time.Duration
	notifier           alert.Notifier
	meter              metric.Meter
	logger             *slog.Logger
}

// WithWorkerID sets the identity the worker claims jobs under.
func WithWorkerID(id string) WorkerOption {
	return func(o *workerOptions) {
		if id != "" {
			o.workerID = id
		}
	}
}

// WithPullInterval sets how long an idle slot waits before polling again
func WithPullInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.pullInterval = d
		}
	}
}

// WithLeaseDuration sets how long a claim stays valid without a heartbeat.
// Heartbeats run every third of it.
func WithLeaseDuration(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.lease = d
		}
	}
}

// WithDefaultHandlerTimeout bounds executions whose job and registration
// set no timeout.
func WithDefaultHandlerTimeout(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.handlerTimeout = d
		}
	}
}

// WithShutdownTimeout sets how long Stop waits for running handlers before
// canceling their contexts.
func WithShutdownTimeout(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithMaxConcurrentTasks sets the default number of slots per handler
func WithMaxConcurrentTasks(n int) WorkerOption {
	return func(o *workerOptions) {
		if n > 0 {
			o.maxConcurrentTasks = n
		}
	}
}

// WithWorkerLocker enables Reporter.Lock.
func WithWorkerLocker(l lock.Locker, wait time.Duration) WorkerOption {
	return func(o *workerOptions) {
		o.locker = l
		if wait > 0 {
			o.lockWait = wait
		}
	}
}

// WithAlertNotifier sets where permanent failures of critical jobs are
// reported.
func WithAlertNotifier(n alert.Notifier) WorkerOption {
	return func(o *workerOptions) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithMeter sets the OpenTelemetry meter. The global provider is used by
// default.
func WithMeter(m metric.Meter) WorkerOption {
	return func(o *workerOptions) {
		o.meter = m
	}
}

// WithWorkerLogger sets the logger for the worker
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(o *workerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// HandlerOption configures a single handler registration.
type HandlerOption func(*registration)

// WithConcurrency sets how many jobs of this task type run at once.
func WithConcurrency(n int) HandlerOption {
	return func(r *registration) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithHandlerQueue sets the queue the handler claims from.
func WithHandlerQueue(queue string) HandlerOption {
	return func(r *registration) {
		if queue != "" {
			r.queue = queue
		}
	}
}

// WithHandlerTimeout bounds one execution when the job sets no timeout.
func WithHandlerTimeout(d time.Duration) HandlerOption {
	return func(r *registration) {
		if d > 0 {
			r.timeout = d
		}
	}
}
