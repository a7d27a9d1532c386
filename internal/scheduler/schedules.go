package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Every fires at a fixed interval from the previous fire time.
func Every(interval time.Duration) (cron.Schedule, error) {
	if interval < time.Second {
		return nil, fmt.Errorf("interval %s is below one second", interval)
	}
	return cron.Every(interval), nil
}

// DailyAt fires once a day at hour:00 in the named time zone.
func DailyAt(hour int, timezone string) (cron.Schedule, error) {
	if hour < 0 || hour > 23 {
		return nil, fmt.Errorf("hour %d out of range", hour)
	}
	return Parse(fmt.Sprintf("0 %d * * *", hour), timezone)
}

// Parse reads a standard five-field cron expression evaluated in timezone.
// An expression that already carries CRON_TZ= or TZ= keeps its own zone.
func Parse(expr, timezone string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if timezone != "" && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		if _, err := time.LoadLocation(timezone); err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
		}
		expr = "CRON_TZ=" + timezone + " " + expr
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched, nil
}
