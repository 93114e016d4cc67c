package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/pscheid92/presencepulse/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

var _ domain.LocationStore = (*LocationStore)(nil)

// LocationStore keeps the last known position per user as JSON in one hash.
// Redis GEO is not used because it rejects latitudes beyond ±85.05.
type LocationStore struct {
	rdb *goredis.Client
}

func NewLocationStore(rdb *goredis.Client) *LocationStore {
	return &LocationStore{rdb: rdb}
}

func (s *LocationStore) Put(ctx context.Context, rec domain.LocationRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode location: %w", err)
	}
	if err := s.rdb.HSet(ctx, locationsKey, rec.UserID, raw).Err(); err != nil {
		return fmt.Errorf("%w: hset location: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *LocationStore) Get(ctx context.Context, userID string) (domain.LocationRecord, error) {
	raw, err := s.rdb.HGet(ctx, locationsKey, userID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.LocationRecord{}, fmt.Errorf("%w: %s", domain.ErrLocationNotFound, userID)
	}
	if err != nil {
		return domain.LocationRecord{}, fmt.Errorf("%w: hget location: %w", domain.ErrStoreUnavailable, err)
	}

	var rec domain.LocationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.LocationRecord{}, fmt.Errorf("%w: location for %s: %v", domain.ErrMalformedRecord, userID, err)
	}
	return rec, nil
}

// All returns every decodable record ordered by user id.
func (s *LocationStore) All(ctx context.Context) ([]domain.LocationRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, locationsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: hgetall locations: %w", domain.ErrStoreUnavailable, err)
	}

	out := make([]domain.LocationRecord, 0, len(fields))
	for userID, raw := range fields {
		var rec domain.LocationRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.UserID != userID {
			slog.Warn("Skipping malformed location record", "user_id", userID, "error", err)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
