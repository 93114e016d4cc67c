package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/presencepulse/internal/adapter/metrics"
	"github.com/pscheid92/presencepulse/internal/domain"
)

// PruneResult summarises one reconciliation pass.
type PruneResult struct {
	Evicted   []string
	Stale     int
	Malformed int
	Remaining int
}

// Reconciler evicts presence records that are malformed or whose last activity
// is more than threshold in the past.
//
// Snapshot and evict are two separate store calls. A user who signals activity
// in between can be evicted although fresh; they reappear on their next signal,
// so the window is bounded by one reconcile interval.
type Reconciler struct {
	store       domain.PresenceStore
	broadcaster domain.PresenceBroadcaster
	clock       clockwork.Clock
	threshold   time.Duration
	metrics     *metrics.PresenceMetrics
}

func NewReconciler(store domain.PresenceStore, broadcaster domain.PresenceBroadcaster, clock clockwork.Clock, threshold time.Duration, m *metrics.PresenceMetrics) *Reconciler {
	return &Reconciler{
		store:       store,
		broadcaster: broadcaster,
		clock:       clock,
		threshold:   threshold,
		metrics:     m,
	}
}

// Prune runs one pass. Records exactly threshold old are kept; eviction
// requires now - last_active > threshold.
func (r *Reconciler) Prune(ctx context.Context) (PruneResult, error) {
	start := time.Now()
	defer func() { r.metrics.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	entries, err := r.store.Snapshot(ctx)
	if err != nil {
		r.metrics.ReconcileRuns.WithLabelValues("error").Inc()
		return PruneResult{}, fmt.Errorf("presence snapshot: %w", err)
	}

	nowMs := r.clock.Now().UnixMilli()
	thresholdMs := r.threshold.Milliseconds()

	var result PruneResult
	for _, entry := range entries {
		rec, err := domain.ParseActivityRecord(entry)
		if err != nil {
			slog.WarnContext(ctx, "Evicting malformed presence record", "user_id", entry.UserID, "error", err)
			result.Malformed++
			result.Evicted = append(result.Evicted, entry.UserID)
			continue
		}
		if nowMs-rec.LastActive > thresholdMs {
			result.Stale++
			result.Evicted = append(result.Evicted, entry.UserID)
		}
	}
	result.Remaining = len(entries) - len(result.Evicted)

	if len(result.Evicted) == 0 {
		r.record(result)
		return result, nil
	}

	if err := r.store.Evict(ctx, result.Evicted...); err != nil {
		r.metrics.ReconcileRuns.WithLabelValues("error").Inc()
		return PruneResult{}, fmt.Errorf("presence evict: %w", err)
	}

	r.record(result)
	slog.InfoContext(ctx, "Pruned presence",
		"evicted", len(result.Evicted),
		"stale", result.Stale,
		"malformed", result.Malformed,
		"remaining", result.Remaining,
	)

	r.broadcast(ctx)
	return result, nil
}

// Handle is the presence.prune job handler.
func (r *Reconciler) Handle(ctx context.Context, _ domain.Firing) error {
	_, err := r.Prune(ctx)
	return err
}

func (r *Reconciler) broadcast(ctx context.Context) {
	entries, err := r.store.Snapshot(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Presence snapshot for broadcast failed", "error", err)
		return
	}
	if err := r.broadcaster.BroadcastPresence(ctx, domain.ParseSnapshot(entries)); err != nil {
		slog.WarnContext(ctx, "Presence broadcast failed", "error", err)
	}
}

func (r *Reconciler) record(result PruneResult) {
	r.metrics.ReconcileRuns.WithLabelValues("ok").Inc()
	r.metrics.ActiveUsers.Set(float64(result.Remaining))
	if result.Stale > 0 {
		r.metrics.Evictions.WithLabelValues("stale").Add(float64(result.Stale))
	}
	if result.Malformed > 0 {
		r.metrics.Evictions.WithLabelValues("malformed").Add(float64(result.Malformed))
	}
}
