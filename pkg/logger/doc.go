// Package logger builds *slog.Logger instances for jobkit processes and
// provides attribute helpers that keep key names consistent across the
// worker, scheduler and health monitor.
//
// New takes functional options for the output format, level and static
// attributes. When context extractors are registered, values carried in a
// context.Context are added to every record logged with that context.
//
//	log := logger.New(
//	    logger.WithEnvironment(cfg.AppEnv, "jobkit-worker"),
//	    logger.WithConfig(cfg.Log),
//	    logger.WithJobContext(),
//	)
//	slog.SetDefault(log)
//
// The worker stores the running job in the handler context with
// ContextWithJob, so a handler that logs through InfoContext gets a "job"
// group (id, queue, task type, attempt) without passing it around:
//
//	log.InfoContext(ctx, "thumbnail written", logger.Duration(elapsed))
//
// # Options
//
//   - WithEnvironment: development logs text at debug, staging and production JSON at info
//   - WithConfig: LOG_LEVEL and LOG_FORMAT overrides
//   - WithFormat, WithLevel, WithOutput, WithAttr
//   - WithContextExtractors, WithJobContext
//
// Error and Errors return an empty attribute for nil errors, so
//
//	log.Info("attempt finished", logger.Error(err))
//
// needs no nil check.
package logger
