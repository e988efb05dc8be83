package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidemark/settler/pkg/repositories"
)

// Schedule is a parsed schedule expression. Three forms are supported:
//
//	@every <duration>   e.g. "@every 15m"
//	@hourly             top of every hour
//	@daily HH:MM        once a day at the given UTC time
type Schedule struct {
	every  time.Duration
	hourly bool
	daily  bool
	hour   int
	minute int
}

// ParseSchedule parses a schedule expression. Malformed expressions return a
// configuration error so the owning rule can be flagged instead of silently
// never firing.
func ParseSchedule(expr string) (*Schedule, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) == 0 {
		return nil, repositories.Configuration("schedule expression is empty")
	}

	switch fields[0] {
	case "@every":
		if len(fields) != 2 {
			return nil, repositories.Configuration("@every requires a duration, got %q", expr)
		}
		d, err := time.ParseDuration(fields[1])
		if err != nil {
			return nil, repositories.Configuration("invalid @every duration %q: %s", fields[1], err.Error())
		}
		if d < time.Minute {
			return nil, repositories.Configuration("@every interval %s is below the 1m minimum", d)
		}
		return &Schedule{every: d}, nil

	case "@hourly":
		if len(fields) != 1 {
			return nil, repositories.Configuration("@hourly takes no arguments, got %q", expr)
		}
		return &Schedule{hourly: true}, nil

	case "@daily":
		if len(fields) != 2 {
			return nil, repositories.Configuration("@daily requires a HH:MM time, got %q", expr)
		}
		var hour, minute int
		if _, err := fmt.Sscanf(fields[1], "%d:%d", &hour, &minute); err != nil {
			return nil, repositories.Configuration("invalid @daily time %q", fields[1])
		}
		if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return nil, repositories.Configuration("@daily time %q out of range", fields[1])
		}
		return &Schedule{daily: true, hour: hour, minute: minute}, nil

	default:
		return nil, repositories.Configuration("unknown schedule expression %q", expr)
	}
}

// Due reports whether the schedule should fire now given the rule's last
// execution. A rule that has never run is due as soon as its window opens.
func (s *Schedule) Due(last *time.Time, now time.Time) bool {
	switch {
	case s.every > 0:
		return last == nil || now.Sub(*last) >= s.every

	case s.hourly:
		hourStart := now.Truncate(time.Hour)
		return last == nil || last.Before(hourStart)

	case s.daily:
		fireAt := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, now.Location())
		if now.Before(fireAt) {
			return false
		}
		return last == nil || last.Before(fireAt)

	default:
		return false
	}
}
