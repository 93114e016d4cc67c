package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/presencepulse/internal/domain"
)

var _ domain.SubscriptionRepository = (*SubscriptionRepo)(nil)

const expireDueQuery = `
UPDATE subscriptions
SET status = 'expired', updated_at = now()
WHERE status = 'active' AND expires_at <= $1
RETURNING id, user_id, plan, expires_at`

type SubscriptionRepo struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepo(pool *pgxpool.Pool) *SubscriptionRepo {
	return &SubscriptionRepo{pool: pool}
}

// ExpireDue flips every lapsed active subscription to expired in one
// statement. Concurrent sweeps never return the same row twice.
func (r *SubscriptionRepo) ExpireDue(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
	rows, err := r.pool.Query(ctx, expireDueQuery, now)
	if err != nil {
		return nil, fmt.Errorf("%w: expire subscriptions: %w", domain.ErrStoreUnavailable, err)
	}

	subs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Subscription, error) {
		var s domain.Subscription
		err := row.Scan(&s.ID, &s.UserID, &s.Plan, &s.ExpiresAt)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read expired subscriptions: %w", err)
	}
	return subs, nil
}
