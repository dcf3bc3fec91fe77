package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Schedule is a parsed cron expression bound to a timezone.
type Schedule struct {
	CronExpr string
	Timezone string

	parsed cron.Schedule
}

// NewSchedule parses expr, evaluated in timezone (empty means local time).
func NewSchedule(expr, timezone string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	timezone = strings.TrimSpace(timezone)
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression is required")
	}
	spec := expr
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return Schedule{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
		spec = "CRON_TZ=" + timezone + " " + expr
	}
	parsed, err := cronParser.Parse(spec)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return Schedule{CronExpr: expr, Timezone: timezone, parsed: parsed}, nil
}

// Next returns the first activation after now, or the zero time when the
// schedule was never parsed.
func (s Schedule) Next(now time.Time) time.Time {
	if s.parsed == nil {
		return time.Time{}
	}
	return s.parsed.Next(now)
}
