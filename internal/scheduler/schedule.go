package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/agentblob/pkg/models"
)

// cronParser accepts standard five-field expressions, an optional leading
// seconds field, and descriptors such as @daily.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

const minEvery = time.Second

// Validate checks that a schedule definition is well formed. Cron expressions
// and timezones are parsed so a broken schedule is rejected at create or
// update time rather than at fire time.
func Validate(sched *models.Schedule) error {
	if strings.TrimSpace(sched.Name) == "" {
		return fmt.Errorf("schedule name required")
	}
	if strings.TrimSpace(sched.Prompt) == "" {
		return fmt.Errorf("schedule prompt required")
	}
	switch sched.Kind {
	case models.ScheduleAt:
		if sched.At.IsZero() {
			return fmt.Errorf("at schedule requires a time")
		}
	case models.ScheduleEvery:
		if sched.Every < minEvery {
			return fmt.Errorf("every schedule requires an interval of at least %s", minEvery)
		}
	case models.ScheduleCron:
		if _, err := cronParser.Parse(sched.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", sched.CronExpr, err)
		}
		if sched.Timezone != "" {
			if _, err := time.LoadLocation(sched.Timezone); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", sched.Timezone, err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", sched.Kind)
	}
	return nil
}

// Next computes the first firing time strictly after the given instant.
// ok=false means the schedule has no further occurrence.
func Next(sched *models.Schedule, after time.Time) (time.Time, bool, error) {
	switch sched.Kind {
	case models.ScheduleAt:
		if !sched.At.After(after) {
			return time.Time{}, false, nil
		}
		return sched.At, true, nil
	case models.ScheduleEvery:
		if sched.Every < minEvery {
			return time.Time{}, false, fmt.Errorf("every schedule requires an interval of at least %s", minEvery)
		}
		return after.Add(sched.Every), true, nil
	case models.ScheduleCron:
		spec, err := cronParser.Parse(sched.CronExpr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
		}
		at := after
		if sched.Timezone != "" {
			loc, err := time.LoadLocation(sched.Timezone)
			if err != nil {
				return time.Time{}, false, fmt.Errorf("load timezone: %w", err)
			}
			at = at.In(loc)
		}
		next := spec.Next(at)
		if next.IsZero() {
			return time.Time{}, false, nil
		}
		return next, true, nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule kind %q", sched.Kind)
	}
}

// advance moves NextRunAt past now without replaying missed occurrences.
// The interval kind keeps its phase anchored to the previous NextRunAt; cron
// occurrences are absolute, so stepping from now is equivalent. A schedule
// with no further occurrence disables itself.
func advance(sched *models.Schedule, now time.Time) {
	switch sched.Kind {
	case models.ScheduleAt:
		sched.Enabled = false
		sched.NextRunAt = time.Time{}
	case models.ScheduleEvery:
		prev := sched.NextRunAt
		if prev.IsZero() || sched.Every < minEvery {
			sched.NextRunAt = now.Add(sched.Every)
			return
		}
		if !prev.After(now) {
			missed := int64(now.Sub(prev) / sched.Every)
			prev = prev.Add(time.Duration(missed+1) * sched.Every)
		}
		sched.NextRunAt = prev
	default:
		next, ok, err := Next(sched, now)
		if err != nil || !ok {
			sched.Enabled = false
			sched.NextRunAt = time.Time{}
			return
		}
		sched.NextRunAt = next
	}
}
