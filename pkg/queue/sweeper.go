package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/jobkit/pkg/alert"
	"github.com/dmitrymomot/jobkit/pkg/logger"
)

// Sweeper runs the store maintenance passes: promoting due delayed jobs,
// requeueing jobs whose lease expired and purging old terminal jobs.
type Sweeper struct {
	repo      MaintenanceRepository
	interval  time.Duration
	retention Retention
	notifier  alert.Notifier
	logger    *slog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets how often the passes run.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRetention sets the purge bounds. A zero Retention disables purging.
func WithRetention(r Retention) SweeperOption {
	return func(s *Sweeper) {
		s.retention = r
	}
}

// WithSweeperNotifier sets where stalled critical jobs are reported.
func WithSweeperNotifier(n alert.Notifier) SweeperOption {
	return func(s *Sweeper) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithSweeperLogger sets the logger for the sweeper.
func WithSweeperLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSweeper creates a Sweeper.
func NewSweeper(repo MaintenanceRepository, opts ...SweeperOption) (*Sweeper, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}

	s := &Sweeper{
		repo:     repo,
		interval: time.Second,
		notifier: alert.Nop,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sweep runs every pass once and returns the stall report.
func (s *Sweeper) Sweep(ctx context.Context) (StallReport, error) {
	promoted, err := s.repo.PromoteDelayed(ctx)
	if err != nil {
		return StallReport{}, err
	}
	if promoted > 0 {
		s.logger.DebugContext(ctx, "promoted delayed jobs", slog.Int("count", promoted))
	}

	report, err := s.repo.RequeueStalled(ctx)
	if err != nil {
		return StallReport{}, err
	}
	if len(report.Requeued) > 0 {
		s.logger.WarnContext(ctx, "requeued stalled jobs", slog.Int("count", len(report.Requeued)))
	}
	for _, id := range report.Failed {
		s.stalledOut(ctx, id)
	}

	if s.retention != (Retention{}) {
		purged, err := s.repo.Purge(ctx, s.retention)
		if err != nil {
			return report, err
		}
		if purged > 0 {
			s.logger.DebugContext(ctx, "purged terminal jobs", slog.Int("count", purged))
		}
	}

	return report, nil
}

// Run sweeps on every interval until ctx is done. It returns a function
// suitable for errgroup.
func (s *Sweeper) Run(ctx context.Context) func() error {
	return func() error {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
					s.logger.ErrorContext(ctx, "sweep failed", logger.Error(err))
				}
			}
		}
	}
}

func (s *Sweeper) stalledOut(ctx context.Context, id uuid.UUID) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load stalled job", logger.JobID(id.String()), logger.Error(err))
		return
	}

	s.logger.ErrorContext(ctx, "job failed after repeated stalls",
		logger.JobID(id.String()),
		logger.TaskType(job.TaskType),
		logger.Queue(job.Queue),
		slog.Int("stall_count", job.StallCount))

	if !job.Critical() {
		return
	}
	err = s.notifier.Notify(ctx, alert.Alert{
		Severity: alert.SeverityCritical,
		Source:   "sweeper",
		Title:    "critical job stalled out",
		Message:  job.LastError,
		Fields: map[string]any{
			"job_id":    id.String(),
			"task_type": job.TaskType,
			"queue":     job.Queue,
			"stalls":    job.StallCount,
		},
		At: time.Now(),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to send alert", logger.Error(err))
	}
}
