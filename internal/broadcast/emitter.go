package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/presencepulse/internal/adapter/metrics"
	"github.com/pscheid92/presencepulse/internal/domain"
)

// Event types on the wire.
const (
	EventPresenceActive  = "presence.active"
	EventNearbyUsers     = "nearby.users"
	EventNotification    = "notification"
	EventResyncRequested = "resync"
)

type presenceUser struct {
	UserID     string          `json:"user_id"`
	Channel    string          `json:"channel,omitempty"`
	LastActive int64           `json:"last_active"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

type presenceEvent struct {
	Type  string         `json:"type"`
	Users []presenceUser `json:"users"`
	At    int64          `json:"at"`
}

type nearbyEvent struct {
	Type       string             `json:"type"`
	UserID     string             `json:"user_id"`
	Candidates []domain.Candidate `json:"candidates"`
	At         int64              `json:"at"`
}

type notificationEvent struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Payload any    `json:"payload,omitempty"`
	At      int64  `json:"at"`
}

var (
	_ domain.PresenceBroadcaster = (*Emitter)(nil)
	_ domain.NearbyPublisher     = (*Emitter)(nil)
	_ domain.Notifier            = (*Emitter)(nil)
)

// Emitter turns domain state into wire events and publishes them.
type Emitter struct {
	publisher domain.EventPublisher
	clock     clockwork.Clock
	metrics   *metrics.FanoutMetrics
}

func NewEmitter(publisher domain.EventPublisher, clock clockwork.Clock, m *metrics.FanoutMetrics) *Emitter {
	return &Emitter{publisher: publisher, clock: clock, metrics: m}
}

// BroadcastPresence publishes the complete active list, never a diff.
func (e *Emitter) BroadcastPresence(ctx context.Context, records []domain.ActivityRecord) error {
	data, err := e.PresenceEvent(records)
	if err != nil {
		return err
	}
	return e.publish(ctx, domain.PresenceChannel, EventPresenceActive, data)
}

// PresenceEvent encodes records as a presence.active event, ordered by user id.
func (e *Emitter) PresenceEvent(records []domain.ActivityRecord) ([]byte, error) {
	users := make([]presenceUser, 0, len(records))
	for _, r := range records {
		users = append(users, presenceUser{
			UserID:     r.UserID,
			Channel:    r.Channel,
			LastActive: r.LastActive,
			Metadata:   r.Metadata,
		})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })

	data, err := json.Marshal(presenceEvent{Type: EventPresenceActive, Users: users, At: e.clock.Now().UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode presence event: %w", err)
	}
	return data, nil
}

func (e *Emitter) PublishNearby(ctx context.Context, userID string, candidates []domain.Candidate) error {
	if candidates == nil {
		candidates = []domain.Candidate{}
	}
	data, err := json.Marshal(nearbyEvent{
		Type:       EventNearbyUsers,
		UserID:     userID,
		Candidates: candidates,
		At:         e.clock.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode nearby event: %w", err)
	}
	return e.publish(ctx, domain.NearbyChannel(userID), EventNearbyUsers, data)
}

func (e *Emitter) PublishNotification(ctx context.Context, userID, kind string, payload any) error {
	data, err := json.Marshal(notificationEvent{
		Type:    EventNotification,
		Kind:    kind,
		Payload: payload,
		At:      e.clock.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	return e.publish(ctx, domain.NotificationChannel(userID), EventNotification, data)
}

func (e *Emitter) publish(ctx context.Context, channel, eventType string, data []byte) error {
	if err := e.publisher.Publish(ctx, channel, data); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}
	e.metrics.EventsPublished.WithLabelValues(eventType).Inc()
	return nil
}
