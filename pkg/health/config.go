package health

import "time"

// Config holds the monitor settings.
type Config struct {
	Interval        time.Duration `env:"HEALTH_INTERVAL" envDefault:"30s"`
	Window          time.Duration `env:"HEALTH_WINDOW" envDefault:"5m"`
	HistorySize     int           `env:"HEALTH_HISTORY_SIZE" envDefault:"100"`
	HighWatermark   int           `env:"HEALTH_HIGH_WATERMARK" envDefault:"1000"`
	SlowThreshold   time.Duration `env:"HEALTH_SLOW_THRESHOLD" envDefault:"30s"`
	MaxErrorRatePct float64       `env:"HEALTH_MAX_ERROR_RATE" envDefault:"50"`
	Recovery        bool          `env:"HEALTH_RECOVERY" envDefault:"false"`
}

// Thresholds returns the evaluation thresholds from c.
func (c Config) Thresholds() Thresholds {
	return Thresholds{
		HighWatermark:   c.HighWatermark,
		SlowThreshold:   c.SlowThreshold,
		MaxErrorRatePct: c.MaxErrorRatePct,
	}
}
