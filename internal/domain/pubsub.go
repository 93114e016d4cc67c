package domain

import (
	"context"
)

// Fanout channel names.
const (
	PresenceChannel = "presence:active"
)

func NearbyChannel(userID string) string {
	return "nearby:" + userID
}

func NotificationChannel(userID string) string {
	return "notifications:" + userID
}

// EventPublisher delivers an encoded event to every observer of a channel,
// on this instance or across instances depending on the implementation.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, data []byte) error
}

// PresenceBroadcaster publishes the full active-user list.
type PresenceBroadcaster interface {
	BroadcastPresence(ctx context.Context, records []ActivityRecord) error
}

// NearbyPublisher pushes a ranked candidate list to one user's channel.
type NearbyPublisher interface {
	PublishNearby(ctx context.Context, userID string, candidates []Candidate) error
}

// Notifier pushes a user-facing notification event.
type Notifier interface {
	PublishNotification(ctx context.Context, userID string, kind string, payload any) error
}
