package alert

import (
	"context"
	"log/slog"

	"github.com/dmitrymomot/jobkit/pkg/logger"
)

// LogNotifier writes alerts to a logger at error level, under an "alert"
// group so they can be routed apart from regular records.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier returns a LogNotifier. A nil logger means slog.Default().
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, a Alert) error {
	attrs := make([]any, 0, len(a.Fields))
	for k, v := range a.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}

	n.log.ErrorContext(ctx, a.Title,
		logger.Group("alert",
			slog.String("severity", string(a.Severity)),
			slog.String("source", a.Source),
			slog.String("message", a.Message),
			slog.Time("at", a.At),
			slog.Group("fields", attrs...),
		),
	)
	return nil
}
