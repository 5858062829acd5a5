package queue

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts five-field expressions and descriptors such as
// "@hourly" and "@every 90s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Schedule determines when a recurring job fires next. String returns the
// cron expression that is persisted with the recurring definition.
type Schedule interface {
	Next(from time.Time) time.Time
	String() string
}

type cronSchedule struct {
	spec  string
	sched cronlib.Schedule
}

func (s cronSchedule) Next(from time.Time) time.Time {
	return s.sched.Next(from)
}

func (s cronSchedule) String() string {
	return s.spec
}

// ParseSchedule parses a cron expression.
func ParseSchedule(spec string) (Schedule, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidSchedule, spec, err)
	}
	return cronSchedule{spec: spec, sched: sched}, nil
}

// mustSchedule backs the helpers below, whose inputs are programmer constants.
func mustSchedule(spec string) Schedule {
	s, err := ParseSchedule(spec)
	if err != nil {
		panic(err)
	}
	return s
}

// Factory functions for creating schedules. They panic on out-of-range
// arguments.

// EveryInterval runs at fixed intervals, with one second resolution.
func EveryInterval(d time.Duration) Schedule {
	return mustSchedule("@every " + d.String())
}

// EveryMinutes runs every n minutes.
func EveryMinutes(n int) Schedule {
	return EveryInterval(time.Duration(n) * time.Minute)
}

// EveryHours runs every n hours.
func EveryHours(n int) Schedule {
	return EveryInterval(time.Duration(n) * time.Hour)
}

// DailyAt runs daily at the given time.
func DailyAt(hour, minute int) Schedule {
	return mustSchedule(fmt.Sprintf("%d %d * * *", minute, hour))
}

// WeeklyOn runs weekly on the given day and time.
func WeeklyOn(weekday time.Weekday, hour, minute int) Schedule {
	return mustSchedule(fmt.Sprintf("%d %d * * %d", minute, hour, weekday))
}

// MonthlyOn runs monthly on the given day and time. Months without that day
// are skipped.
func MonthlyOn(day, hour, minute int) Schedule {
	return mustSchedule(fmt.Sprintf("%d %d %d * *", minute, hour, day))
}

// EveryMinute runs at the start of every minute.
func EveryMinute() Schedule {
	return mustSchedule("* * * * *")
}

// Hourly runs every hour at :00.
func Hourly() Schedule {
	return mustSchedule("@hourly")
}

// HourlyAt runs every hour at the given minute.
func HourlyAt(minute int) Schedule {
	return mustSchedule(fmt.Sprintf("%d * * * *", minute))
}

// Daily runs daily at midnight.
func Daily() Schedule {
	return mustSchedule("@daily")
}

// Weekly runs weekly on the given day at midnight.
func Weekly(weekday time.Weekday) Schedule {
	return WeeklyOn(weekday, 0, 0)
}

// Monthly runs monthly on the given day at midnight.
func Monthly(day int) Schedule {
	return MonthlyOn(day, 0, 0)
}
