package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/presencepulse/internal/domain"
)

const (
	JobSubscriptionSweep = "subscriptions.sweep"

	NotificationSubscriptionExpired = "subscription.expired"
)

type expiredNotification struct {
	SubscriptionID int64  `json:"subscription_id"`
	Plan           string `json:"plan"`
	ExpiredAt      int64  `json:"expired_at"`
}

// SubscriptionSweeper expires lapsed subscriptions and notifies their owners.
type SubscriptionSweeper struct {
	repo     domain.SubscriptionRepository
	notifier domain.Notifier
	clock    clockwork.Clock
}

func NewSubscriptionSweeper(repo domain.SubscriptionRepository, notifier domain.Notifier, clock clockwork.Clock) *SubscriptionSweeper {
	return &SubscriptionSweeper{repo: repo, notifier: notifier, clock: clock}
}

// Sweep expires due subscriptions. Rows are only returned once by the
// repository, so a retried sweep does not notify twice for rows it already
// committed.
func (s *SubscriptionSweeper) Sweep(ctx context.Context) (int, error) {
	expired, err := s.repo.ExpireDue(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("expire subscriptions: %w", err)
	}

	for _, sub := range expired {
		payload := expiredNotification{
			SubscriptionID: sub.ID,
			Plan:           sub.Plan,
			ExpiredAt:      sub.ExpiresAt.UnixMilli(),
		}
		if err := s.notifier.PublishNotification(ctx, sub.UserID, NotificationSubscriptionExpired, payload); err != nil {
			slog.WarnContext(ctx, "Expiry notification failed", "user_id", sub.UserID, "subscription_id", sub.ID, "error", err)
		}
	}

	if len(expired) > 0 {
		slog.InfoContext(ctx, "Expired subscriptions", "count", len(expired))
	}
	return len(expired), nil
}

func (s *SubscriptionSweeper) Handle(ctx context.Context, _ domain.Firing) error {
	_, err := s.Sweep(ctx)
	return err
}
