package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobkit/pkg/queue"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	s, err := queue.ParseSchedule("30 2 * * *")
	require.NoError(t, err)
	assert.Equal(t, "30 2 * * *", s.String())

	from := time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 11, 2, 30, 0, 0, time.UTC), s.Next(from))

	_, err = queue.ParseSchedule("every tuesday")
	assert.ErrorIs(t, err, queue.ErrInvalidSchedule)

	_, err = queue.ParseSchedule("* * * * * *")
	assert.ErrorIs(t, err, queue.ErrInvalidSchedule, "seconds field is not accepted")
}

func TestScheduleHelpers(t *testing.T) {
	t.Parallel()

	from := time.Date(2025, 3, 10, 10, 15, 30, 0, time.UTC) // Monday

	tests := []struct {
		name     string
		schedule queue.Schedule
		want     time.Time
	}{
		{"every interval", queue.EveryInterval(90 * time.Second), from.Add(90 * time.Second)},
		{"every minutes", queue.EveryMinutes(5), from.Add(5 * time.Minute)},
		{"every hours", queue.EveryHours(2), from.Add(2 * time.Hour)},
		{"every minute", queue.EveryMinute(), time.Date(2025, 3, 10, 10, 16, 0, 0, time.UTC)},
		{"hourly", queue.Hourly(), time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)},
		{"hourly at", queue.HourlyAt(45), time.Date(2025, 3, 10, 10, 45, 0, 0, time.UTC)},
		{"daily", queue.Daily(), time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)},
		{"daily at", queue.DailyAt(9, 0), time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)},
		{"weekly", queue.Weekly(time.Wednesday), time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)},
		{"weekly on", queue.WeeklyOn(time.Monday, 12, 30), time.Date(2025, 3, 10, 12, 30, 0, 0, time.UTC)},
		{"monthly", queue.Monthly(1), time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"monthly on", queue.MonthlyOn(15, 8, 0), time.Date(2025, 3, 15, 8, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.schedule.Next(from))

			parsed, err := queue.ParseSchedule(tt.schedule.String())
			require.NoError(t, err)
			assert.Equal(t, tt.want, parsed.Next(from), "String round-trips through ParseSchedule")
		})
	}
}

func TestScheduleHelpersPanicOnInvalidInput(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { queue.DailyAt(25, 0) })
	assert.Panics(t, func() { queue.HourlyAt(60) })
}
