package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dmitrymomot/jobkit/pkg/alert"
	"github.com/dmitrymomot/jobkit/pkg/async"
	"github.com/dmitrymomot/jobkit/pkg/logger"
	"github.com/dmitrymomot/jobkit/pkg/queue"
)

var (
	ErrStatsReaderNil = errors.New("stats reader cannot be nil")
)

// StatsReader is the store view the monitor samples.
type StatsReader interface {
	Stats(ctx context.Context, queue string, since time.Time) (queue.Stats, error)
}

// StallRecoverer requeues jobs whose lease expired.
type StallRecoverer interface {
	RequeueStalled(ctx context.Context) (queue.StallReport, error)
}

// Monitor samples queues on an interval, keeps a bounded history per queue
// and raises an alert when a queue turns critical.
type Monitor struct {
	stats       StatsReader
	queues      []string
	thresholds  Thresholds
	window      time.Duration
	interval    time.Duration
	historySize int
	notifier    alert.Notifier
	recovery    StallRecoverer
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.RWMutex
	history map[string][]Snapshot
	feed    *feed
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithQueues sets the queues sampled by Run.
func WithQueues(queues ...string) Option {
	return func(m *Monitor) {
		for _, q := range queues {
			if q != "" && !slices.Contains(m.queues, q) {
				m.queues = append(m.queues, q)
			}
		}
	}
}

func WithThresholds(th Thresholds) Option {
	return func(m *Monitor) {
		m.thresholds = th
	}
}

// WithWindow sets how far back attempts count toward throughput and error
// rate. Default is 5m.
func WithWindow(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.window = d
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithHistorySize bounds the snapshots kept per queue. Default is 100.
func WithHistorySize(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.historySize = n
		}
	}
}

func WithNotifier(n alert.Notifier) Option {
	return func(m *Monitor) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithRecovery requeues stalled jobs whenever a sample is not healthy.
func WithRecovery(r StallRecoverer) Option {
	return func(m *Monitor) {
		m.recovery = r
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor creates a Monitor reading from stats.
func NewMonitor(stats StatsReader, opts ...Option) (*Monitor, error) {
	if stats == nil {
		return nil, ErrStatsReaderNil
	}

	m := &Monitor{
		stats:       stats,
		thresholds:  DefaultThresholds(),
		window:      5 * time.Minute,
		interval:    30 * time.Second,
		historySize: 100,
		notifier:    alert.Nop,
		logger:      slog.Default(),
		now:         time.Now,
		history:     make(map[string][]Snapshot),
		feed:        newFeed(16),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(logger.Component("health"))
	return m, nil
}

// Check evaluates one queue now. It does not record history, publish to
// subscribers, alert or run recovery.
func (m *Monitor) Check(ctx context.Context, queueName string) (Snapshot, error) {
	now := m.now()
	st, err := m.stats.Stats(ctx, queueName, now.Add(-m.window))
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to sample queue %q: %w", queueName, err)
	}
	st.Queue = queueName
	return Evaluate(MetricsFromStats(st, m.window), m.thresholds, now), nil
}

// Sample evaluates one queue now and records the snapshot. It is one
// monitoring tick: it may run recovery and notify on a transition into
// critical.
func (m *Monitor) Sample(ctx context.Context, queueName string) (Snapshot, error) {
	snap, err := m.Check(ctx, queueName)
	if err != nil {
		return Snapshot{}, err
	}

	if snap.Status != StatusHealthy && m.recovery != nil {
		m.recover(ctx, &snap)
	}

	prev, hadPrev := m.Latest(queueName)
	m.record(snap)
	m.feed.publish(snap)

	switch {
	case snap.Status == StatusCritical && (!hadPrev || prev.Status != StatusCritical):
		m.logger.ErrorContext(ctx, "queue is critical", logger.Queue(queueName), slog.Any("alerts", snap.Alerts))
		m.notify(ctx, snap)
	case snap.Status != StatusHealthy:
		m.logger.WarnContext(ctx, "queue is unhealthy",
			logger.Queue(queueName),
			slog.String("status", string(snap.Status)),
			slog.Any("alerts", snap.Alerts))
	case hadPrev && prev.Status != StatusHealthy:
		m.logger.InfoContext(ctx, "queue recovered", logger.Queue(queueName))
	}

	return snap, nil
}

// SampleAll samples every configured queue concurrently. Snapshots of the
// queues that could be sampled are returned along with the first error.
func (m *Monitor) SampleAll(ctx context.Context) ([]Snapshot, error) {
	futures := make([]*async.Future[Snapshot], 0, len(m.queues))
	for _, q := range m.queues {
		futures = append(futures, async.Async(ctx, q, m.Sample))
	}

	results, err := async.WaitAll(futures...)
	out := make([]Snapshot, 0, len(results))
	for _, s := range results {
		if s.Queue != "" {
			out = append(out, s)
		}
	}
	return out, err
}

// Latest returns the newest snapshot of a queue.
func (m *Monitor) Latest(queueName string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := m.history[queueName]
	if len(h) == 0 {
		return Snapshot{}, false
	}
	return h[len(h)-1], true
}

// History returns up to limit snapshots of a queue, oldest first. A
// non-positive limit returns the whole history.
func (m *Monitor) History(queueName string, limit int) []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := m.history[queueName]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return slices.Clone(h)
}

// Subscribe streams every new snapshot until ctx is done. Slow subscribers
// are dropped and see their channel closed.
func (m *Monitor) Subscribe(ctx context.Context) <-chan Snapshot {
	return m.feed.subscribe(ctx)
}

// Queues lists the queues sampled by Run.
func (m *Monitor) Queues() []string {
	return slices.Clone(m.queues)
}

// Run samples on every interval until ctx is done. It returns a function
// suitable for errgroup.
func (m *Monitor) Run(ctx context.Context) func() error {
	return func() error {
		defer m.feed.close()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			if _, err := m.SampleAll(ctx); err != nil && ctx.Err() == nil {
				m.logger.ErrorContext(ctx, "health sample failed", logger.Error(err))
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	}
}

func (m *Monitor) record(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := append(m.history[s.Queue], s)
	if over := len(h) - m.historySize; over > 0 {
		h = slices.Delete(h, 0, over)
	}
	m.history[s.Queue] = h
}

func (m *Monitor) recover(ctx context.Context, snap *Snapshot) {
	report, err := m.recovery.RequeueStalled(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "stall recovery failed", logger.Queue(snap.Queue), logger.Error(err))
		return
	}
	if n := len(report.Requeued); n > 0 {
		snap.Alerts = append(snap.Alerts, fmt.Sprintf("recovery requeued %d stalled jobs", n))
	}
	if n := len(report.Failed); n > 0 {
		snap.Alerts = append(snap.Alerts, fmt.Sprintf("recovery failed %d jobs past their stall limit", n))
	}
}

func (m *Monitor) notify(ctx context.Context, s Snapshot) {
	err := m.notifier.Notify(ctx, alert.Alert{
		Severity: alert.SeverityCritical,
		Source:   "health",
		Title:    fmt.Sprintf("queue %q is critical", s.Queue),
		Message:  strings.Join(s.Alerts, "; "),
		Fields: map[string]any{
			"queue":                 s.Queue,
			"waiting":               s.Waiting,
			"active":                s.Active,
			"throughput_per_minute": s.ThroughputPerMinute,
			"error_rate_percent":    s.ErrorRatePercent,
		},
		At: s.SampledAt,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to send alert", logger.Queue(s.Queue), logger.Error(err))
	}
}
