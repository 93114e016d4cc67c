package domain

import (
	"context"
	"time"
)

type Subscription struct {
	ID        int64
	UserID    string
	Plan      string
	ExpiresAt time.Time
}

// SubscriptionRepository is the durable store touched by the expiry sweep.
type SubscriptionRepository interface {
	// ExpireDue marks every active subscription with ExpiresAt <= now as expired
	// and returns the rows it changed. Rows already expired are not returned.
	ExpireDue(ctx context.Context, now time.Time) ([]Subscription, error)
}
