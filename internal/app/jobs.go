package app

import (
	"context"
	"fmt"
	"time"

	"github.com/pscheid92/presencepulse/internal/domain"
	"github.com/pscheid92/presencepulse/internal/scheduler"
)

const (
	JobPresencePrune     = "presence.prune"
	JobPresenceBroadcast = "presence.broadcast"
)

// JobRegistrar is the part of the scheduler the job table needs.
type JobRegistrar interface {
	Register(ctx context.Context, spec scheduler.JobSpec) error
	Handle(spec scheduler.JobSpec) error
	Unregister(ctx context.Context, jobID string) error
}

type JobsConfig struct {
	ReconcileInterval     time.Duration
	BroadcastInterval     time.Duration
	NearbyRefreshInterval time.Duration
	SweepCron             string
	Retry                 domain.RetryPolicy
}

// Jobs holds the handlers wired into the scheduler. Sweeper may be nil when no
// database is configured.
type Jobs struct {
	Reconciler *Reconciler
	Presence   *PresenceService
	Proximity  *ProximityService
	Sweeper    *SubscriptionSweeper
}

// RegisterJobs installs every recurring job. Intervals of zero leave the
// corresponding periodic job out and remove any schedule an earlier
// deployment left on the queue; proximity.refresh stays available for
// on-demand firings either way.
func RegisterJobs(ctx context.Context, r JobRegistrar, jobs Jobs, cfg JobsConfig) error {
	var disabled []string
	specs := []scheduler.JobSpec{{
		ID:      JobPresencePrune,
		Handler: jobs.Reconciler.Handle,
		Repeat:  domain.RepeatPolicy{Every: cfg.ReconcileInterval},
		Retry:   cfg.Retry,
	}}

	if cfg.BroadcastInterval > 0 {
		specs = append(specs, scheduler.JobSpec{
			ID:      JobPresenceBroadcast,
			Handler: jobs.Presence.HandleBroadcast,
			Repeat:  domain.RepeatPolicy{Every: cfg.BroadcastInterval},
			Retry:   domain.RetryPolicy{MaxAttempts: 1},
		})
	} else {
		disabled = append(disabled, JobPresenceBroadcast)
	}

	if jobs.Sweeper != nil && cfg.SweepCron != "" {
		specs = append(specs, scheduler.JobSpec{
			ID:      JobSubscriptionSweep,
			Handler: jobs.Sweeper.Handle,
			Repeat:  domain.RepeatPolicy{Cron: cfg.SweepCron},
			Retry:   cfg.Retry,
		})
	} else {
		disabled = append(disabled, JobSubscriptionSweep)
	}

	refresh := scheduler.JobSpec{
		ID:      JobProximityRefresh,
		Handler: jobs.Proximity.Refresh,
		Repeat:  domain.RepeatPolicy{Every: cfg.NearbyRefreshInterval},
		Retry:   cfg.Retry,
	}
	if cfg.NearbyRefreshInterval > 0 {
		specs = append(specs, refresh)
	} else {
		disabled = append(disabled, JobProximityRefresh)
	}

	for _, id := range disabled {
		if err := r.Unregister(ctx, id); err != nil {
			return fmt.Errorf("unregister %s: %w", id, err)
		}
	}

	if cfg.NearbyRefreshInterval <= 0 {
		refresh.Repeat = domain.RepeatPolicy{}
		if err := r.Handle(refresh); err != nil {
			return fmt.Errorf("handle %s: %w", refresh.ID, err)
		}
	}

	for _, spec := range specs {
		if err := r.Register(ctx, spec); err != nil {
			return fmt.Errorf("register %s: %w", spec.ID, err)
		}
	}
	return nil
}
