package health

import (
	"fmt"
	"time"

	"github.com/dmitrymomot/jobkit/pkg/queue"
)

// Status classifies a queue.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

func (s Status) rank() int {
	switch s {
	case StatusWarning:
		return 1
	case StatusCritical:
		return 2
	default:
		return 0
	}
}

// Worse returns the more severe of s and o.
func (s Status) Worse(o Status) Status {
	if o.rank() > s.rank() {
		return o
	}
	return s
}

// Metrics is what one evaluation looks at.
type Metrics struct {
	Queue     string
	Paused    bool
	Waiting   int
	Active    int
	Completed int
	Failed    int
	Delayed   int

	AvgProcessing       time.Duration
	ThroughputPerMinute float64
	ErrorRatePercent    float64
}

// MetricsFromStats derives rates from store stats covering window.
func MetricsFromStats(st queue.Stats, window time.Duration) Metrics {
	m := Metrics{
		Queue:         st.Queue,
		Paused:        st.Paused,
		Waiting:       st.Waiting,
		Active:        st.Active,
		Completed:     st.Completed,
		Failed:        st.Failed,
		Delayed:       st.Delayed,
		AvgProcessing: st.AvgProcessing,
	}
	if window > 0 {
		m.ThroughputPerMinute = float64(st.Finished) / window.Minutes()
	}
	if st.Finished > 0 {
		m.ErrorRatePercent = float64(st.FailedAttempts) / float64(st.Finished) * 100
	}
	return m
}

// Thresholds tune Evaluate.
type Thresholds struct {
	HighWatermark   int
	SlowThreshold   time.Duration
	MaxErrorRatePct float64
}

// DefaultThresholds returns 1000 waiting jobs, 30s average processing time
// and a 50% error rate.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighWatermark:   1000,
		SlowThreshold:   30 * time.Second,
		MaxErrorRatePct: 50,
	}
}

// Snapshot is the evaluated health of one queue at one instant.
type Snapshot struct {
	Queue               string    `json:"queue"`
	Status              Status    `json:"status"`
	Waiting             int       `json:"waiting"`
	Active              int       `json:"active"`
	Completed           int       `json:"completed"`
	Failed              int       `json:"failed"`
	Delayed             int       `json:"delayed"`
	AvgProcessingTimeMs float64   `json:"avg_processing_time_ms"`
	ThroughputPerMinute float64   `json:"throughput_per_minute"`
	ErrorRatePercent    float64   `json:"error_rate_percent"`
	Alerts              []string  `json:"alerts,omitempty"`
	SampledAt           time.Time `json:"sampled_at"`
}

// Evaluate applies every rule to m; the worst status wins and each matching
// rule adds an alert line.
func Evaluate(m Metrics, th Thresholds, at time.Time) Snapshot {
	s := Snapshot{
		Queue:               m.Queue,
		Status:              StatusHealthy,
		Waiting:             m.Waiting,
		Active:              m.Active,
		Completed:           m.Completed,
		Failed:              m.Failed,
		Delayed:             m.Delayed,
		AvgProcessingTimeMs: float64(m.AvgProcessing) / float64(time.Millisecond),
		ThroughputPerMinute: m.ThroughputPerMinute,
		ErrorRatePercent:    m.ErrorRatePercent,
		SampledAt:           at,
	}
	raise := func(st Status, format string, args ...any) {
		s.Status = s.Status.Worse(st)
		s.Alerts = append(s.Alerts, fmt.Sprintf(format, args...))
	}

	if m.Paused {
		raise(StatusCritical, "queue %q is paused", m.Queue)
	}
	if th.MaxErrorRatePct > 0 && m.ErrorRatePercent > th.MaxErrorRatePct {
		raise(StatusCritical, "error rate %.1f%% exceeds %.1f%%", m.ErrorRatePercent, th.MaxErrorRatePct)
	}
	if th.HighWatermark > 0 && m.Waiting > th.HighWatermark {
		if m.ThroughputPerMinute == 0 {
			raise(StatusCritical, "queue is stuck: %d jobs waiting and nothing processed", m.Waiting)
		} else {
			raise(StatusWarning, "%d jobs waiting exceeds high watermark %d", m.Waiting, th.HighWatermark)
		}
	}
	if th.SlowThreshold > 0 && m.AvgProcessing > th.SlowThreshold {
		raise(StatusWarning, "average processing time %s exceeds %s", m.AvgProcessing.Round(time.Millisecond), th.SlowThreshold)
	}

	return s
}
