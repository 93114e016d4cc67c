package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pscheid92/presencepulse/internal/adapter/metrics"
	"github.com/pscheid92/presencepulse/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

var _ domain.EventPublisher = (*Relay)(nil)

type envelope struct {
	Origin  string          `json:"origin"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Relay carries fanout events between instances over one pub/sub channel.
// Publish goes through Redis only, so every instance, including the sender,
// delivers each event to its local hub exactly once via Run.
type Relay struct {
	rdb        *goredis.Client
	instanceID string
	local      domain.EventPublisher
	metrics    *metrics.FanoutMetrics
	ready      chan struct{}
}

func NewRelay(rdb *goredis.Client, instanceID string, local domain.EventPublisher, m *metrics.FanoutMetrics) *Relay {
	return &Relay{
		rdb:        rdb,
		instanceID: instanceID,
		local:      local,
		metrics:    m,
		ready:      make(chan struct{}),
	}
}

// Publish sends data to every instance's observers of channel. When Redis is
// unreachable the event still reaches this instance's observers.
func (r *Relay) Publish(ctx context.Context, channel string, data []byte) error {
	raw, err := json.Marshal(envelope{Origin: r.instanceID, Channel: channel, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode fanout envelope: %w", err)
	}

	if err := r.rdb.Publish(ctx, fanoutChannel, raw).Err(); err != nil {
		r.metrics.RelayErrors.Inc()
		if localErr := r.local.Publish(ctx, channel, data); localErr != nil {
			slog.WarnContext(ctx, "Local fallback delivery failed", "channel", channel, "error", localErr)
		}
		return fmt.Errorf("%w: publish fanout event: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Ready is closed once Run has subscribed.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Run forwards relayed events to the local publisher until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.rdb.Subscribe(ctx, fanoutChannel)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", fanoutChannel, err)
	}
	close(r.ready)
	slog.Info("Fanout relay subscribed", "channel", fanoutChannel, "instance", r.instanceID)

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.forward(ctx, msg.Payload)
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Relay) forward(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || env.Channel == "" {
		r.metrics.RelayErrors.Inc()
		slog.Warn("Dropping malformed fanout envelope", "error", err)
		return
	}
	if err := r.local.Publish(ctx, env.Channel, env.Data); err != nil {
		slog.Warn("Local fanout delivery failed", "channel", env.Channel, "origin", env.Origin, "error", err)
	}
}
