package logger

import (
	"context"
	"log/slog"
)

// JobFields identifies the job a context belongs to.
type JobFields struct {
	ID       string
	Queue    string
	TaskType string
	Attempt  int
}

type jobContextKey struct{}

// ContextWithJob stores job fields in ctx so that loggers built with
// WithJobContext annotate every record logged with that context.
func ContextWithJob(ctx context.Context, f JobFields) context.Context {
	return context.WithValue(ctx, jobContextKey{}, f)
}

// JobFromContext returns the job fields stored by ContextWithJob.
func JobFromContext(ctx context.Context) (JobFields, bool) {
	if ctx == nil {
		return JobFields{}, false
	}
	f, ok := ctx.Value(jobContextKey{}).(JobFields)
	return f, ok
}

func jobExtractor(ctx context.Context) (slog.Attr, bool) {
	f, ok := JobFromContext(ctx)
	if !ok {
		return slog.Attr{}, false
	}
	return Group("job",
		slog.String("id", f.ID),
		slog.String("queue", f.Queue),
		slog.String("task_type", f.TaskType),
		slog.Int("attempt", f.Attempt),
	), true
}

// WithJobContext registers the extractor for fields stored by ContextWithJob.
func WithJobContext() Option {
	return WithContextExtractors(jobExtractor)
}
