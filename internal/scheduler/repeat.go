package scheduler

import (
	"fmt"
	"time"

	"github.com/pscheid92/presencepulse/internal/domain"
	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func validateRepeat(p domain.RepeatPolicy) error {
	switch {
	case p.Every != 0 && p.Cron != "":
		return fmt.Errorf("%w: interval and cron are mutually exclusive", domain.ErrInvalidSchedule)
	case p.Every < 0:
		return fmt.Errorf("%w: negative interval %s", domain.ErrInvalidSchedule, p.Every)
	case p.Every > 0 && p.Every < time.Millisecond:
		return fmt.Errorf("%w: interval %s below millisecond resolution", domain.ErrInvalidSchedule, p.Every)
	case p.Cron != "":
		if _, err := cronParser.Parse(p.Cron); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidSchedule, err)
		}
	}
	return nil
}

// firstFire is the initial schedule entry for a freshly registered job.
// Interval jobs first fire one interval after registration, one-shot jobs
// after delay. Cron is evaluated in UTC.
func firstFire(p domain.RepeatPolicy, now time.Time, delay time.Duration) (time.Time, error) {
	switch {
	case p.Every > 0:
		return now.Add(p.Every), nil
	case p.Cron != "":
		sched, err := cronParser.Parse(p.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", domain.ErrInvalidSchedule, err)
		}
		return sched.Next(now.UTC()), nil
	default:
		return now.Add(delay), nil
	}
}

// nextFire returns the fire time following the tick at scheduledAt. Ticks that
// would already be in the past at now are skipped rather than replayed. A zero
// time means the job does not repeat.
func nextFire(p domain.RepeatPolicy, scheduledAt, now time.Time) (time.Time, error) {
	switch {
	case p.Every > 0:
		next := scheduledAt.Add(p.Every)
		if !next.After(now) {
			missed := now.Sub(scheduledAt) / p.Every
			next = scheduledAt.Add((missed + 1) * p.Every)
		}
		return next, nil
	case p.Cron != "":
		sched, err := cronParser.Parse(p.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", domain.ErrInvalidSchedule, err)
		}
		from := scheduledAt
		if now.After(from) {
			from = now
		}
		return sched.Next(from.UTC()), nil
	default:
		return time.Time{}, nil
	}
}

func firingID(jobID string, scheduledAt time.Time) string {
	return fmt.Sprintf("%s:%d", jobID, scheduledAt.UnixMilli())
}
