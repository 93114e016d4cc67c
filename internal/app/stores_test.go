package app

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/presencepulse/internal/adapter/memory"
	"github.com/pscheid92/presencepulse/internal/domain"
)

// seededStore is a memory presence store that can also hold raw values the
// encoder would never produce.
type seededStore struct {
	*memory.PresenceStore

	mu  sync.Mutex
	raw map[string][]byte
}

func newSeededStore(clock clockwork.Clock) *seededStore {
	return &seededStore{PresenceStore: memory.NewPresenceStore(clock), raw: make(map[string][]byte)}
}

func (s *seededStore) PutRaw(userID string, raw []byte) {
	s.mu.Lock()
	s.raw[userID] = raw
	s.mu.Unlock()
}

func (s *seededStore) MarkActive(ctx context.Context, userID string, meta domain.ActivityMeta) error {
	s.mu.Lock()
	delete(s.raw, userID)
	s.mu.Unlock()
	return s.PresenceStore.MarkActive(ctx, userID, meta)
}

func (s *seededStore) Snapshot(ctx context.Context) ([]domain.PresenceEntry, error) {
	entries, err := s.PresenceStore.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, raw := range s.raw {
		entries = append(entries, domain.PresenceEntry{UserID: id, Raw: raw})
	}
	return entries, nil
}

func (s *seededStore) Evict(ctx context.Context, userIDs ...string) error {
	s.mu.Lock()
	for _, id := range userIDs {
		delete(s.raw, id)
	}
	s.mu.Unlock()
	return s.PresenceStore.Evict(ctx, userIDs...)
}
