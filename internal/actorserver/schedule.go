package actorserver

import (
	"fmt"
	"time"

	"botticelli/internal/schedule"
)

// buildSchedule maps a config-level ScheduleSpec onto a concrete
// schedule.Schedule implementation.
func buildSchedule(spec ScheduleSpec) (schedule.Schedule, error) {
	switch spec.Type {
	case "interval":
		if spec.Seconds == 0 {
			return nil, fmt.Errorf("actorserver: interval schedule requires a positive seconds value")
		}
		return schedule.Interval{Period: time.Duration(spec.Seconds) * time.Second}, nil
	case "cron":
		if spec.Expression == "" {
			return nil, fmt.Errorf("actorserver: cron schedule requires an expression")
		}
		return schedule.Cron{Expression: spec.Expression}, nil
	case "once":
		at, err := time.Parse(time.RFC3339, spec.At)
		if err != nil {
			return nil, fmt.Errorf("actorserver: once schedule: parse %q: %w", spec.At, err)
		}
		return schedule.Once{At: at}, nil
	case "immediate":
		return schedule.Immediate{}, nil
	default:
		return nil, fmt.Errorf("actorserver: unrecognized schedule type %q", spec.Type)
	}
}
