// Package schedule turns an agent's schedule and schedule_time fields into a
// cron schedule.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bcrosbie/personaliz/internal/domain"
	"github.com/robfig/cron/v3"
)

const (
	defaultHour   = 9
	defaultMinute = 0
)

var (
	everyPattern = regexp.MustCompile(`^every\s+(\d+)\s*(m|min|mins|minute|minutes|h|hr|hrs|hour|hours)$`)
	parser       = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// Spec returns the cron expression for a schedule. Named schedules use
// scheduleTime ("HH:MM") when present and 09:00 otherwise; hourly only reads
// the minute.
func Spec(scheduleName string, scheduleTime *string) (string, error) {
	clean := strings.ToLower(strings.Join(strings.Fields(scheduleName), " "))
	if clean == "" {
		return "", domain.InvalidArgument("schedule is required")
	}

	switch clean {
	case "daily", "weekly", "hourly":
		hour, minute, err := parseTimeOfDay(scheduleTime)
		if err != nil {
			return "", err
		}
		switch clean {
		case "daily":
			return fmt.Sprintf("%d %d * * *", minute, hour), nil
		case "weekly":
			return fmt.Sprintf("%d %d * * 1", minute, hour), nil
		default:
			return fmt.Sprintf("%d * * * *", minute), nil
		}
	}

	if match := everyPattern.FindStringSubmatch(clean); match != nil {
		count, err := strconv.Atoi(match[1])
		if err != nil || count <= 0 {
			return "", domain.InvalidArgument(fmt.Sprintf("invalid interval in schedule %q", scheduleName))
		}
		unit := "m"
		if strings.HasPrefix(match[2], "h") {
			unit = "h"
		}
		return fmt.Sprintf("@every %d%s", count, unit), nil
	}

	return strings.TrimSpace(scheduleName), nil
}

// Parse validates the schedule and returns both the cron schedule and its
// expression.
func Parse(scheduleName string, scheduleTime *string) (cron.Schedule, string, error) {
	spec, err := Spec(scheduleName, scheduleTime)
	if err != nil {
		return nil, "", err
	}
	parsed, err := parser.Parse(spec)
	if err != nil {
		return nil, "", &domain.AppError{
			Code:    domain.CodeInvalidArgument,
			Message: fmt.Sprintf("invalid schedule %q", scheduleName),
			Cause:   err,
		}
	}
	return parsed, spec, nil
}

// Next returns the first activation of agent strictly after from.
func Next(agent domain.Agent, from time.Time) (time.Time, error) {
	parsed, _, err := Parse(agent.Schedule, agent.ScheduleTime)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.Next(from), nil
}

func parseTimeOfDay(value *string) (int, int, error) {
	clean := strings.TrimSpace(domain.Deref(value))
	if clean == "" {
		return defaultHour, defaultMinute, nil
	}
	parsed, err := time.Parse("15:04", clean)
	if err != nil {
		return 0, 0, domain.InvalidArgument(fmt.Sprintf("schedule_time must be HH:MM, got %q", clean))
	}
	return parsed.Hour(), parsed.Minute(), nil
}
