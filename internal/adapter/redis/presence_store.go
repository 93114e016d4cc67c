package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/presencepulse/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

var _ domain.PresenceStore = (*PresenceStore)(nil)

// PresenceStore keeps one JSON activity record per user in a single hash.
// HSET is the per-key atomic write; the last writer wins.
type PresenceStore struct {
	rdb   *goredis.Client
	clock clockwork.Clock
}

func NewPresenceStore(rdb *goredis.Client, clock clockwork.Clock) *PresenceStore {
	return &PresenceStore{rdb: rdb, clock: clock}
}

func (s *PresenceStore) MarkActive(ctx context.Context, userID string, meta domain.ActivityMeta) error {
	raw, err := json.Marshal(domain.ActivityRecord{
		UserID:     userID,
		Channel:    meta.Channel,
		LastActive: s.clock.Now().UnixMilli(),
		Metadata:   meta.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to encode activity record: %w", err)
	}

	if err := s.rdb.HSet(ctx, presenceKey, userID, raw).Err(); err != nil {
		return fmt.Errorf("%w: hset presence: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PresenceStore) Snapshot(ctx context.Context) ([]domain.PresenceEntry, error) {
	fields, err := s.rdb.HGetAll(ctx, presenceKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: hgetall presence: %w", domain.ErrStoreUnavailable, err)
	}

	entries := make([]domain.PresenceEntry, 0, len(fields))
	for userID, raw := range fields {
		entries = append(entries, domain.PresenceEntry{UserID: userID, Raw: []byte(raw)})
	}
	return entries, nil
}

func (s *PresenceStore) Evict(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	if err := s.rdb.HDel(ctx, presenceKey, userIDs...).Err(); err != nil {
		return fmt.Errorf("%w: hdel presence: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}
